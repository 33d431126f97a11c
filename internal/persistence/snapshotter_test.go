package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/events"
	"github.com/fyrsmithlabs/decisiond/internal/knowledge"
	"github.com/fyrsmithlabs/decisiond/internal/rules"
)

func testState(t *testing.T) (*rules.Store, *knowledge.Graph, *events.Log) {
	t.Helper()
	store := rules.NewStore(rules.StoreConfig{}, zap.NewNop())
	graph, err := knowledge.NewGraph(knowledge.GraphConfig{Dimension: 4}, zap.NewNop())
	require.NoError(t, err)
	return store, graph, events.NewLog(100, 0)
}

func newTestSnapshotter(t *testing.T, ruleStore *rules.Store, graph *knowledge.Graph, log *events.Log) *Snapshotter {
	t.Helper()
	docs, err := NewStore(filepath.Join(t.TempDir(), "decisiond.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	snap, err := NewSnapshotter(docs, ruleStore, graph, log, SnapshotConfig{
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return snap
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	ruleStore, graph, log := testState(t)

	rule, err := rules.NewRule(
		rules.Condition{"page_state": "login"},
		rules.Action{Kind: "click_login", Params: map[string]string{"selector": "#login"}},
		0.9, rules.ProvenanceUser)
	require.NoError(t, err)
	require.NoError(t, ruleStore.Add(ctx, rule))

	nodeID, err := graph.Insert(ctx, "login flow memory", []float32{1, 0, 0, 0},
		knowledge.WithAction(rules.Action{Kind: "enter_credentials"}))
	require.NoError(t, err)
	otherID, err := graph.Insert(ctx, "related memory", []float32{0, 1, 0, 0})
	require.NoError(t, err)
	require.NoError(t, graph.Link(nodeID, otherID, knowledge.EdgeDerivedFrom))

	eventID := log.Append(events.Event{
		Context: map[string]string{"page_state": "login"},
		RuleIDs: []string{rule.ID},
		Action:  rules.Action{Kind: "click_login"},
		Source:  "rule:" + rule.ID,
		Outcome: events.OutcomeSuccess,
	})

	snap := newTestSnapshotter(t, ruleStore, graph, log)
	require.NoError(t, snap.Save(ctx))
	assert.False(t, snap.Degraded())

	// Restore into fresh state holders backed by the same database.
	freshRules, freshGraph, freshLog := testState(t)
	restored, err := NewSnapshotter(snap.store, freshRules, freshGraph, freshLog, SnapshotConfig{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, restored.Restore(ctx))

	gotRule, err := freshRules.Get(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.Condition, gotRule.Condition)
	assert.Equal(t, rule.Action, gotRule.Action)
	assert.Equal(t, rule.Confidence, gotRule.Confidence)
	assert.Equal(t, rule.Provenance, gotRule.Provenance)
	assert.Equal(t, rule.State, gotRule.State)

	gotNode, err := freshGraph.Get(nodeID)
	require.NoError(t, err)
	assert.Equal(t, "login flow memory", gotNode.Content)
	require.NotNil(t, gotNode.Action)
	assert.Equal(t, "enter_credentials", gotNode.Action.Kind)
	require.Len(t, gotNode.Edges, 1)
	assert.Equal(t, otherID, gotNode.Edges[0].To)

	all := freshLog.All()
	require.Len(t, all, 1)
	assert.Equal(t, eventID, all[0].ID)
	assert.Equal(t, events.OutcomeSuccess, all[0].Outcome)

	// Restored similarity search still works over the rebuilt index.
	similar, err := freshGraph.QuerySimilar(ctx, []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, similar, 1)
	assert.Equal(t, nodeID, similar[0].ID)
}

func TestRestorePreservesEventTimeOrder(t *testing.T) {
	ctx := context.Background()
	ruleStore, graph, log := testState(t)

	// Ids chosen so that the store's id-ordered listing reverses the
	// append order.
	base := time.Now()
	log.Append(events.Event{ID: "zz-oldest", Timestamp: base.Add(-time.Hour), Outcome: events.OutcomeFailure})
	log.Append(events.Event{ID: "mm-middle", Timestamp: base.Add(-time.Minute), Outcome: events.OutcomeNeutral})
	log.Append(events.Event{ID: "aa-newest", Timestamp: base, Outcome: events.OutcomeSuccess})

	snap := newTestSnapshotter(t, ruleStore, graph, log)
	require.NoError(t, snap.Save(ctx))

	freshRules, freshGraph, freshLog := testState(t)
	restored, err := NewSnapshotter(snap.store, freshRules, freshGraph, freshLog, SnapshotConfig{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, restored.Restore(ctx))

	all := freshLog.All()
	require.Len(t, all, 3)
	assert.Equal(t, "zz-oldest", all[0].ID)
	assert.Equal(t, "mm-middle", all[1].ID)
	assert.Equal(t, "aa-newest", all[2].ID)

	w := freshLog.Window(1)
	require.Len(t, w, 1)
	assert.Equal(t, "aa-newest", w[0].ID)
}

func TestRestoreEmptyDatabase(t *testing.T) {
	ruleStore, graph, log := testState(t)
	snap := newTestSnapshotter(t, ruleStore, graph, log)

	// First boot: nothing persisted yet.
	require.NoError(t, snap.Restore(context.Background()))
	assert.Equal(t, 0, ruleStore.Len())
	assert.Equal(t, 0, graph.Len())
	assert.Equal(t, 0, log.Len())
}

func TestSaveSupersedesPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	ruleStore, graph, log := testState(t)
	snap := newTestSnapshotter(t, ruleStore, graph, log)

	first, err := rules.NewRule(rules.Condition{"k": "1"}, rules.Action{Kind: "a"}, 0.5, rules.ProvenanceUser)
	require.NoError(t, err)
	require.NoError(t, ruleStore.Add(ctx, first))
	require.NoError(t, snap.Save(ctx))

	second, err := rules.NewRule(rules.Condition{"k": "2"}, rules.Action{Kind: "b"}, 0.5, rules.ProvenanceUser)
	require.NoError(t, err)
	require.NoError(t, ruleStore.Add(ctx, second))
	require.NoError(t, snap.Save(ctx))

	records, err := snap.store.List(ctx, CollectionRules)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestSaveFailureMarksDegraded(t *testing.T) {
	ctx := context.Background()
	ruleStore, graph, log := testState(t)
	snap := newTestSnapshotter(t, ruleStore, graph, log)

	// Closing the database forces every write to fail.
	require.NoError(t, snap.store.Close())

	err := snap.Save(ctx)
	require.Error(t, err)
	assert.True(t, snap.Degraded())
}
