package knowledge

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/decisiond/internal/rules"
)

// Common errors for knowledge graph operations.
var (
	ErrNotFound          = errors.New("node not found")
	ErrDuplicateID       = errors.New("duplicate node id")
	ErrEmptyContent      = errors.New("node content cannot be empty")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrCapacityExceeded  = errors.New("knowledge graph capacity exceeded")
)

// EdgeKind labels a directed edge between nodes.
type EdgeKind string

const (
	// EdgeDerivedFrom links a node to the node it was derived from.
	EdgeDerivedFrom EdgeKind = "derived-from"

	// EdgeCoOccurs links nodes observed in the same context.
	EdgeCoOccurs EdgeKind = "co-occurs-with"
)

// Edge is a directed, labeled reference to another node.
type Edge struct {
	// To is the target node id. Edges reference only existing nodes;
	// pruning cascades edge removal.
	To string `json:"to"`

	// Kind labels the relationship.
	Kind EdgeKind `json:"kind"`
}

// Node is a unit of remembered content with a vector representation.
type Node struct {
	// ID is the unique node identifier (UUID).
	ID string `json:"id"`

	// Content is the remembered text or structured fact.
	Content string `json:"content"`

	// Embedding is the node's vector. Dimensionality is fixed
	// system-wide at graph construction.
	Embedding []float32 `json:"embedding"`

	// Action, when set, makes the node actionable: the decision engine
	// may recommend it as a memory-derived fallback.
	Action *rules.Action `json:"action,omitempty"`

	// Weight is the decay weight; it starts at 1.0 and is reduced by
	// maintenance passes. Nodes below the floor are pruned.
	Weight float64 `json:"weight"`

	// Edges are outgoing labeled references to other nodes.
	Edges []Edge `json:"edges,omitempty"`

	// CreatedAt is when the node was inserted.
	CreatedAt time.Time `json:"created_at"`
}

// clone returns a deep copy so callers never share mutable state with the graph.
func (n *Node) clone() *Node {
	cp := *n
	cp.Embedding = append([]float32(nil), n.Embedding...)
	cp.Edges = append([]Edge(nil), n.Edges...)
	if n.Action != nil {
		action := *n.Action
		if n.Action.Params != nil {
			action.Params = make(map[string]string, len(n.Action.Params))
			for k, v := range n.Action.Params {
				action.Params[k] = v
			}
		}
		cp.Action = &action
	}
	return &cp
}

// SimilarNode is one ranked result of a similarity query.
type SimilarNode struct {
	// ID is the matched node id.
	ID string `json:"id"`

	// Score is the cosine similarity in [-1,1] (the metric is fixed at
	// graph construction).
	Score float64 `json:"score"`

	// Weight is the node's decay weight, used for tie-breaking.
	Weight float64 `json:"weight"`
}
