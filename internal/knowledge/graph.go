package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/rules"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// graphTracer for OpenTelemetry instrumentation.
var graphTracer = otel.Tracer("decisiond.knowledge")

// GraphConfig holds configuration for the knowledge graph.
type GraphConfig struct {
	// Dimension is the fixed embedding dimensionality.
	Dimension int

	// MaxNodes bounds graph size. Inserting into a full graph evicts the
	// lowest-weight node rather than rejecting.
	MaxNodes int

	// DecayRate is the fraction of weight removed by each DecayAll pass.
	DecayRate float64

	// DecayFloor is the weight below which Prune removes a node.
	DecayFloor float64
}

// ApplyDefaults sets default values for unset fields.
func (c *GraphConfig) ApplyDefaults() {
	if c.MaxNodes == 0 {
		c.MaxNodes = 10000
	}
	if c.DecayRate == 0 {
		c.DecayRate = 0.05
	}
	if c.DecayFloor == 0 {
		c.DecayFloor = 0.1
	}
}

// Validate validates the configuration.
func (c *GraphConfig) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrDimensionMismatch)
	}
	if c.DecayRate <= 0 || c.DecayRate >= 1 {
		return fmt.Errorf("decay rate must be in (0,1), got %f", c.DecayRate)
	}
	if c.DecayFloor <= 0 || c.DecayFloor >= 1 {
		return fmt.Errorf("decay floor must be in (0,1), got %f", c.DecayFloor)
	}
	return nil
}

// Graph owns the knowledge node lifecycle. Reads take a shared lock;
// mutations serialize behind the write lock so readers observe only
// committed state and edges never dangle.
type Graph struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	index  *Index
	config GraphConfig
	logger *zap.Logger
}

// NewGraph creates an empty graph with its embedding index.
func NewGraph(config GraphConfig, logger *zap.Logger) (*Graph, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	index, err := NewIndex(config.Dimension)
	if err != nil {
		return nil, err
	}

	return &Graph{
		nodes:  make(map[string]*Node),
		index:  index,
		config: config,
		logger: logger,
	}, nil
}

// InsertOption configures an inserted node.
type InsertOption func(*Node)

// WithAction marks the node actionable with the given descriptor.
func WithAction(action rules.Action) InsertOption {
	return func(n *Node) {
		n.Action = &action
	}
}

// Insert creates a node, registers its vector, and returns the new id.
// A full graph evicts its lowest-weight node to make room.
func (g *Graph) Insert(ctx context.Context, content string, embedding []float32, opts ...InsertOption) (string, error) {
	ctx, span := graphTracer.Start(ctx, "knowledge.Graph.Insert")
	defer span.End()

	if content == "" {
		return "", ErrEmptyContent
	}
	if len(embedding) != g.config.Dimension {
		return "", fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), g.config.Dimension)
	}

	node := &Node{
		ID:        uuid.New().String(),
		Content:   content,
		Embedding: append([]float32(nil), embedding...),
		Weight:    1.0,
		CreatedAt: timeNow(),
	}
	for _, opt := range opts {
		opt(node)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.nodes) >= g.config.MaxNodes {
		if err := g.evictLocked(ctx); err != nil {
			return "", fmt.Errorf("%w: eviction failed: %v", ErrCapacityExceeded, err)
		}
	}

	if err := g.index.Add(ctx, node.ID, node.Embedding); err != nil {
		return "", err
	}
	g.nodes[node.ID] = node

	span.SetAttributes(attribute.String("node_id", node.ID))
	g.logger.Debug("node inserted",
		zap.String("node_id", node.ID),
		zap.Bool("actionable", node.Action != nil),
	)
	return node.ID, nil
}

// Get returns a copy of the node with the given id.
func (g *Graph) Get(id string) (*Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return node.clone(), nil
}

// Link adds a directed edge from a to b. It fails with ErrNotFound if either
// node is absent. Duplicate edges of the same kind are idempotent.
func (g *Graph) Link(a, b string, kind EdgeKind) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	from, ok := g.nodes[a]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, a)
	}
	if _, ok := g.nodes[b]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, b)
	}

	for _, e := range from.Edges {
		if e.To == b && e.Kind == kind {
			return nil
		}
	}
	from.Edges = append(from.Edges, Edge{To: b, Kind: kind})
	return nil
}

// Neighbors returns copies of the nodes reachable from id over outgoing
// edges of the given kind, ordered by id. An empty kind matches every edge.
func (g *Graph) Neighbors(id string, kind EdgeKind) ([]*Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var out []*Node
	for _, e := range node.Edges {
		if kind != "" && e.Kind != kind {
			continue
		}
		if to, ok := g.nodes[e.To]; ok {
			out = append(out, to.clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// Decay multiplies a node's weight by the given factor in (0,1].
// Pruning of nodes below the floor happens in Prune, on the maintenance
// cadence, so query latency stays stable.
func (g *Graph) Decay(id string, factor float64) error {
	if factor <= 0 || factor > 1 {
		return fmt.Errorf("decay factor must be in (0,1], got %f", factor)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	node.Weight *= factor
	return nil
}

// DecayAll applies the configured decay rate to every node.
func (g *Graph) DecayAll() {
	g.mu.Lock()
	defer g.mu.Unlock()

	factor := 1 - g.config.DecayRate
	for _, node := range g.nodes {
		node.Weight *= factor
	}
}

// Prune removes all nodes below the decay floor, their index vectors, and
// every edge referencing them. Returns the removed node ids. Prune holds the
// write lock for the whole pass; cancellation before the pass leaves the
// graph untouched.
func (g *Graph) Prune(ctx context.Context) ([]string, error) {
	ctx, span := graphTracer.Start(ctx, "knowledge.Graph.Prune")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var removed []string
	for id, node := range g.nodes {
		if node.Weight < g.config.DecayFloor {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	sort.Strings(removed)

	for _, id := range removed {
		if err := g.removeLocked(ctx, id); err != nil {
			return nil, err
		}
	}

	span.SetAttributes(attribute.Int("pruned", len(removed)))
	g.logger.Info("pruned knowledge nodes",
		zap.Int("count", len(removed)),
		zap.Float64("floor", g.config.DecayFloor),
	)
	return removed, nil
}

// removeLocked deletes a node, its vector, and all edges referencing it.
func (g *Graph) removeLocked(ctx context.Context, id string) error {
	if err := g.index.Remove(ctx, id); err != nil {
		return err
	}
	delete(g.nodes, id)

	for _, node := range g.nodes {
		kept := node.Edges[:0]
		for _, e := range node.Edges {
			if e.To != id {
				kept = append(kept, e)
			}
		}
		node.Edges = kept
	}
	return nil
}

// evictLocked removes the lowest-weight node to make room for an insert.
func (g *Graph) evictLocked(ctx context.Context) error {
	var victim *Node
	for _, node := range g.nodes {
		if victim == nil ||
			node.Weight < victim.Weight ||
			(node.Weight == victim.Weight && node.ID < victim.ID) {
			victim = node
		}
	}
	if victim == nil {
		return fmt.Errorf("no node to evict")
	}

	g.logger.Debug("evicting lowest-weight node",
		zap.String("node_id", victim.ID),
		zap.Float64("weight", victim.Weight),
	)
	return g.removeLocked(ctx, victim.ID)
}

// QuerySimilar returns up to k nodes ranked by similarity score descending,
// ties broken by decay weight descending then id ascending.
func (g *Graph) QuerySimilar(ctx context.Context, vector []float32, k int) ([]SimilarNode, error) {
	ctx, span := graphTracer.Start(ctx, "knowledge.Graph.QuerySimilar")
	defer span.End()

	g.mu.RLock()
	defer g.mu.RUnlock()

	hits, err := g.index.Query(ctx, vector, k)
	if err != nil {
		return nil, err
	}

	for i := range hits {
		if node, ok := g.nodes[hits[i].ID]; ok {
			hits[i].Weight = node.Weight
		}
	}

	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		if hits[a].Weight != hits[b].Weight {
			return hits[a].Weight > hits[b].Weight
		}
		return hits[a].ID < hits[b].ID
	})

	span.SetAttributes(attribute.Int("results", len(hits)))
	return hits, nil
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Snapshot returns copies of every node for persistence, ordered by id.
func (g *Graph) Snapshot() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Node, 0, len(g.nodes))
	for _, node := range g.nodes {
		out = append(out, node.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the graph contents with a persisted node set and rebuilds
// the index. Edges referencing nodes missing from the snapshot are dropped so
// the no-dangling-edges invariant holds after restore.
func (g *Graph) Restore(ctx context.Context, snapshot []*Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	index, err := NewIndex(g.config.Dimension)
	if err != nil {
		return err
	}

	restored := make(map[string]*Node, len(snapshot))
	for _, n := range snapshot {
		if n.Content == "" {
			return fmt.Errorf("restoring node %s: %w", n.ID, ErrEmptyContent)
		}
		if len(n.Embedding) != g.config.Dimension {
			return fmt.Errorf("restoring node %s: %w", n.ID, ErrDimensionMismatch)
		}
		if _, exists := restored[n.ID]; exists {
			return fmt.Errorf("%w: %s in snapshot", ErrDuplicateID, n.ID)
		}
		restored[n.ID] = n.clone()
		if err := index.Add(ctx, n.ID, n.Embedding); err != nil {
			return err
		}
	}

	for _, n := range restored {
		kept := n.Edges[:0]
		for _, e := range n.Edges {
			if _, ok := restored[e.To]; ok {
				kept = append(kept, e)
			}
		}
		n.Edges = kept
	}

	g.nodes = restored
	g.index = index
	return nil
}
