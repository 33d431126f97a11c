package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/decisiond/internal/rules"
)

func testGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := NewGraph(GraphConfig{
		Dimension:  4,
		MaxNodes:   100,
		DecayRate:  0.05,
		DecayFloor: 0.1,
	}, nil)
	require.NoError(t, err)
	return g
}

func TestInsertAndGet(t *testing.T) {
	g := testGraph(t)
	ctx := context.Background()

	id, err := g.Insert(ctx, "login page observed", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	node, err := g.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "login page observed", node.Content)
	assert.Equal(t, 1.0, node.Weight)
	assert.Nil(t, node.Action)
	assert.Equal(t, 1, g.Len())
}

func TestInsertWithAction(t *testing.T) {
	g := testGraph(t)

	id, err := g.Insert(context.Background(), "clicking login worked", []float32{1, 0, 0, 0},
		WithAction(rules.Action{Kind: "click_login"}))
	require.NoError(t, err)

	node, err := g.Get(id)
	require.NoError(t, err)
	require.NotNil(t, node.Action)
	assert.Equal(t, "click_login", node.Action.Kind)
}

func TestInsertValidation(t *testing.T) {
	g := testGraph(t)
	ctx := context.Background()

	_, err := g.Insert(ctx, "", []float32{1, 0, 0, 0})
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = g.Insert(ctx, "content", []float32{1, 0})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestLinkIdempotent(t *testing.T) {
	g := testGraph(t)
	ctx := context.Background()

	a, err := g.Insert(ctx, "a", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	b, err := g.Insert(ctx, "b", []float32{0, 1, 0, 0})
	require.NoError(t, err)

	require.NoError(t, g.Link(a, b, EdgeDerivedFrom))
	require.NoError(t, g.Link(a, b, EdgeDerivedFrom))

	node, err := g.Get(a)
	require.NoError(t, err)
	require.Len(t, node.Edges, 1, "duplicate edge of same kind stored once")

	// A different kind between the same nodes is a distinct edge.
	require.NoError(t, g.Link(a, b, EdgeCoOccurs))
	node, err = g.Get(a)
	require.NoError(t, err)
	assert.Len(t, node.Edges, 2)
}

func TestNeighbors(t *testing.T) {
	g := testGraph(t)
	ctx := context.Background()

	a, err := g.Insert(ctx, "a", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	b, err := g.Insert(ctx, "b", []float32{0, 1, 0, 0})
	require.NoError(t, err)
	c, err := g.Insert(ctx, "c", []float32{0, 0, 1, 0})
	require.NoError(t, err)

	require.NoError(t, g.Link(a, b, EdgeDerivedFrom))
	require.NoError(t, g.Link(a, c, EdgeCoOccurs))

	all, err := g.Neighbors(a, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	derived, err := g.Neighbors(a, EdgeDerivedFrom)
	require.NoError(t, err)
	require.Len(t, derived, 1)
	assert.Equal(t, "b", derived[0].Content)

	// Edges are directed; b has no outgoing neighbors.
	none, err := g.Neighbors(b, "")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = g.Neighbors("missing", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLinkMissingNode(t *testing.T) {
	g := testGraph(t)

	a, err := g.Insert(context.Background(), "a", []float32{1, 0, 0, 0})
	require.NoError(t, err)

	assert.ErrorIs(t, g.Link(a, "missing", EdgeCoOccurs), ErrNotFound)
	assert.ErrorIs(t, g.Link("missing", a, EdgeCoOccurs), ErrNotFound)
}

func TestDecayAndPrune(t *testing.T) {
	g := testGraph(t)
	ctx := context.Background()

	id, err := g.Insert(ctx, "fading memory", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	keep, err := g.Insert(ctx, "strong memory", []float32{0, 1, 0, 0})
	require.NoError(t, err)

	// Repeated decay drops the node to 0.05, below the 0.1 floor.
	require.NoError(t, g.Decay(id, 0.5))
	require.NoError(t, g.Decay(id, 0.1))

	node, err := g.Get(id)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, node.Weight, 1e-9)

	removed, err := g.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, removed)

	_, err = g.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)

	// The pruned node never comes back from similarity queries.
	hits, err := g.QuerySimilar(ctx, []float32{1, 0, 0, 0}, 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, id, h.ID)
	}
	assert.Equal(t, 1, g.Len())
	_, err = g.Get(keep)
	assert.NoError(t, err)
}

func TestPruneCascadesEdges(t *testing.T) {
	g := testGraph(t)
	ctx := context.Background()

	doomed, err := g.Insert(ctx, "doomed", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	survivor, err := g.Insert(ctx, "survivor", []float32{0, 1, 0, 0})
	require.NoError(t, err)
	require.NoError(t, g.Link(survivor, doomed, EdgeCoOccurs))

	require.NoError(t, g.Decay(doomed, 0.01))
	_, err = g.Prune(ctx)
	require.NoError(t, err)

	// No dangling edges after the prune.
	for _, node := range g.Snapshot() {
		for _, e := range node.Edges {
			_, err := g.Get(e.To)
			assert.NoError(t, err, "edge from %s to %s dangles", node.ID, e.To)
		}
	}
}

func TestDecayValidation(t *testing.T) {
	g := testGraph(t)

	id, err := g.Insert(context.Background(), "a", []float32{1, 0, 0, 0})
	require.NoError(t, err)

	assert.Error(t, g.Decay(id, 0))
	assert.Error(t, g.Decay(id, 1.5))
	assert.ErrorIs(t, g.Decay("missing", 0.5), ErrNotFound)
}

func TestDecayAll(t *testing.T) {
	g := testGraph(t)
	ctx := context.Background()

	id, err := g.Insert(ctx, "a", []float32{1, 0, 0, 0})
	require.NoError(t, err)

	g.DecayAll()

	node, err := g.Get(id)
	require.NoError(t, err)
	assert.InDelta(t, 0.95, node.Weight, 1e-9)
}

func TestQuerySimilarRanking(t *testing.T) {
	g := testGraph(t)
	ctx := context.Background()

	exact, err := g.Insert(ctx, "exact", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	near, err := g.Insert(ctx, "near", []float32{1, 1, 0, 0})
	require.NoError(t, err)
	far, err := g.Insert(ctx, "far", []float32{0, 0, 1, 0})
	require.NoError(t, err)

	hits, err := g.QuerySimilar(ctx, []float32{1, 0, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)

	assert.Equal(t, exact, hits[0].ID)
	assert.Equal(t, near, hits[1].ID)
	assert.Equal(t, far, hits[2].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
	assert.Greater(t, hits[1].Score, hits[2].Score)
}

func TestQuerySimilarTieBreakByWeight(t *testing.T) {
	g := testGraph(t)
	ctx := context.Background()

	// Two nodes with identical embeddings score identically; the heavier
	// one must rank first.
	light, err := g.Insert(ctx, "light", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	heavy, err := g.Insert(ctx, "heavy", []float32{1, 0, 0, 0})
	require.NoError(t, err)

	require.NoError(t, g.Decay(light, 0.5))

	hits, err := g.QuerySimilar(ctx, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, heavy, hits[0].ID)
	assert.Equal(t, light, hits[1].ID)
}

func TestQuerySimilarEmptyGraph(t *testing.T) {
	g := testGraph(t)

	hits, err := g.QuerySimilar(context.Background(), []float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestCapacityEvictsLowestWeight(t *testing.T) {
	g, err := NewGraph(GraphConfig{Dimension: 4, MaxNodes: 2, DecayRate: 0.05, DecayFloor: 0.1}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	weak, err := g.Insert(ctx, "weak", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	strong, err := g.Insert(ctx, "strong", []float32{0, 1, 0, 0})
	require.NoError(t, err)
	require.NoError(t, g.Decay(weak, 0.5))

	_, err = g.Insert(ctx, "newcomer", []float32{0, 0, 1, 0})
	require.NoError(t, err)

	assert.Equal(t, 2, g.Len())
	_, err = g.Get(weak)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = g.Get(strong)
	assert.NoError(t, err)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	g := testGraph(t)
	ctx := context.Background()

	a, err := g.Insert(ctx, "alpha", []float32{1, 0, 0, 0},
		WithAction(rules.Action{Kind: "act", Params: map[string]string{"p": "1"}}))
	require.NoError(t, err)
	b, err := g.Insert(ctx, "beta", []float32{0, 1, 0, 0})
	require.NoError(t, err)
	require.NoError(t, g.Link(a, b, EdgeDerivedFrom))
	require.NoError(t, g.Decay(b, 0.8))

	snap := g.Snapshot()

	restored := testGraph(t)
	require.NoError(t, restored.Restore(ctx, snap))

	assert.Equal(t, snap, restored.Snapshot())

	// The rebuilt index serves queries for restored nodes.
	hits, err := restored.QuerySimilar(ctx, []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, a, hits[0].ID)
}

func TestRestoreDropsDanglingEdges(t *testing.T) {
	g := testGraph(t)
	ctx := context.Background()

	a, err := g.Insert(ctx, "alpha", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	b, err := g.Insert(ctx, "beta", []float32{0, 1, 0, 0})
	require.NoError(t, err)
	require.NoError(t, g.Link(a, b, EdgeCoOccurs))

	snap := g.Snapshot()

	// Restore without node b; the edge from a must be dropped.
	var partial []*Node
	for _, n := range snap {
		if n.ID != b {
			partial = append(partial, n)
		}
	}

	restored := testGraph(t)
	require.NoError(t, restored.Restore(ctx, partial))

	node, err := restored.Get(a)
	require.NoError(t, err)
	assert.Empty(t, node.Edges)
}
