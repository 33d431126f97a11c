// Package decision merges symbolic rule matching with vector similarity
// retrieval into a single ranked recommendation.
//
// Symbolic matches are primary: a matching rule above the acceptance
// threshold wins outright. Similarity results are a fallback, always
// annotated as memory-derived so callers can treat them with less trust.
// The two candidate lists are never blended into one score; precedence is
// explicit so every decision is auditable.
package decision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/embeddings"
	"github.com/fyrsmithlabs/decisiond/internal/knowledge"
	"github.com/fyrsmithlabs/decisiond/internal/rules"
)

// decisionTracer for OpenTelemetry instrumentation.
var decisionTracer = otel.Tracer("decisiond.decision")

var (
	// ErrNoDecision is the explicit empty result: nothing cleared any
	// threshold and the caller should apply its default policy.
	ErrNoDecision = errors.New("no decision")

	// ErrConflictDetected is returned when opposing rules on the same
	// condition both clear the acceptance threshold. It wraps
	// ErrNoDecision: ambiguity never silently picks a winner.
	ErrConflictDetected = fmt.Errorf("%w: conflicting rules", ErrNoDecision)
)

// Recommendation is the single ranked outcome of a decision.
type Recommendation struct {
	// Action is the chosen action descriptor.
	Action rules.Action `json:"action"`

	// Source identifies the origin: "rule:<id>" or "memory:<node-id>".
	Source string `json:"source"`

	// Confidence is the rule confidence, or the similarity score for
	// memory-derived recommendations.
	Confidence float64 `json:"confidence"`

	// MemoryDerived marks similarity fallback results so downstream
	// consumers can treat them differently from rule-derived decisions.
	MemoryDerived bool `json:"memory_derived"`

	// RuleID is set when the recommendation came from a rule.
	RuleID string `json:"rule_id,omitempty"`

	// NodeID is set when the recommendation came from a knowledge node.
	NodeID string `json:"node_id,omitempty"`
}

// Config holds engine configuration.
type Config struct {
	// AcceptanceThreshold is the minimum rule confidence for a symbolic
	// match to be used directly.
	AcceptanceThreshold float64

	// MemoryThreshold is the minimum similarity score for the memory
	// fallback to produce a recommendation.
	MemoryThreshold float64

	// SimilarityK is how many knowledge nodes to retrieve per fallback.
	SimilarityK int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.AcceptanceThreshold == 0 {
		c.AcceptanceThreshold = 0.6
	}
	if c.MemoryThreshold == 0 {
		c.MemoryThreshold = 0.7
	}
	if c.SimilarityK == 0 {
		c.SimilarityK = 5
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.AcceptanceThreshold < 0 || c.AcceptanceThreshold > 1 {
		return fmt.Errorf("acceptance threshold must be in [0,1], got %f", c.AcceptanceThreshold)
	}
	if c.MemoryThreshold < -1 || c.MemoryThreshold > 1 {
		return fmt.Errorf("memory threshold must be in [-1,1], got %f", c.MemoryThreshold)
	}
	if c.SimilarityK < 1 {
		return fmt.Errorf("similarity k must be at least 1, got %d", c.SimilarityK)
	}
	return nil
}

// Engine resolves a context snapshot into a recommendation.
type Engine struct {
	store    *rules.Store
	graph    *knowledge.Graph
	provider embeddings.Provider
	config   Config
	logger   *zap.Logger
}

// NewEngine creates a decision engine.
func NewEngine(store *rules.Store, graph *knowledge.Graph, provider embeddings.Provider, config Config, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	if graph == nil {
		return nil, fmt.Errorf("knowledge graph is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &Engine{
		store:    store,
		graph:    graph,
		provider: provider,
		config:   config,
		logger:   logger,
	}, nil
}

// Decide resolves a context into a recommendation.
//
// Rule matches above the acceptance threshold are used directly, except when
// opposing rules on the same condition both clear it: then the engine returns
// ErrConflictDetected instead of picking one. With no acceptable rule, the
// context is embedded and the highest-scoring actionable knowledge node above
// the memory threshold supplies a memory-derived recommendation. Everything
// else is an explicit ErrNoDecision.
func (e *Engine) Decide(ctx context.Context, attrs map[string]string) (*Recommendation, error) {
	ctx, span := decisionTracer.Start(ctx, "decision.Engine.Decide")
	defer span.End()

	start := time.Now()
	defer func() { DecideDuration.Observe(time.Since(start).Seconds()) }()

	matched := e.store.Match(ctx, attrs)
	if len(matched) > 0 && matched[0].Confidence >= e.config.AcceptanceThreshold {
		top := matched[0]
		if conflicting := findOpposing(matched, top, e.config.AcceptanceThreshold); conflicting != nil {
			NoDecisionsTotal.WithLabelValues("conflict").Inc()
			span.SetAttributes(attribute.String("result", "conflict"))
			e.logger.Warn("opposing rules above acceptance threshold",
				zap.String("rule_id", top.ID),
				zap.String("opposing_rule_id", conflicting.ID),
				zap.String("action", top.Action.Kind),
				zap.String("opposing_action", conflicting.Action.Kind),
			)
			return nil, fmt.Errorf("%w: %s vs %s", ErrConflictDetected, top.ID, conflicting.ID)
		}

		if err := e.store.MarkUsed(top.ID); err != nil {
			e.logger.Warn("marking rule used", zap.String("rule_id", top.ID), zap.Error(err))
		}

		DecisionsTotal.WithLabelValues("rule").Inc()
		span.SetAttributes(
			attribute.String("result", "rule"),
			attribute.String("rule_id", top.ID),
		)
		return &Recommendation{
			Action:     top.Action,
			Source:     "rule:" + top.ID,
			Confidence: top.Confidence,
			RuleID:     top.ID,
		}, nil
	}

	rec, err := e.memoryFallback(ctx, attrs, len(matched))
	if err != nil {
		span.SetAttributes(attribute.String("result", "no_decision"))
		return nil, err
	}

	DecisionsTotal.WithLabelValues("memory").Inc()
	span.SetAttributes(
		attribute.String("result", "memory"),
		attribute.String("node_id", rec.NodeID),
	)
	return rec, nil
}

// memoryFallback embeds the context and scans the nearest knowledge nodes
// for an actionable payload above the memory threshold.
func (e *Engine) memoryFallback(ctx context.Context, attrs map[string]string, ruleMatches int) (*Recommendation, error) {
	if len(attrs) == 0 {
		NoDecisionsTotal.WithLabelValues("no_match").Inc()
		return nil, fmt.Errorf("%w: empty context", ErrNoDecision)
	}

	vector, err := e.provider.EmbedQuery(ctx, ContextText(attrs))
	if err != nil {
		// Embedding failure degrades to rule-only mode for this cycle
		// rather than failing the decision path.
		NoDecisionsTotal.WithLabelValues("memory_unavailable").Inc()
		e.logger.Warn("embedding context failed, memory fallback skipped", zap.Error(err))
		return nil, fmt.Errorf("%w: memory lookup unavailable", ErrNoDecision)
	}

	similar, err := e.graph.QuerySimilar(ctx, vector, e.config.SimilarityK)
	if err != nil {
		NoDecisionsTotal.WithLabelValues("memory_unavailable").Inc()
		e.logger.Warn("similarity query failed, memory fallback skipped", zap.Error(err))
		return nil, fmt.Errorf("%w: memory lookup unavailable", ErrNoDecision)
	}

	for _, sn := range similar {
		if sn.Score < e.config.MemoryThreshold {
			break
		}
		node, err := e.graph.Get(sn.ID)
		if err != nil || node.Action == nil {
			continue
		}
		return &Recommendation{
			Action:        *node.Action,
			Source:        "memory:" + node.ID,
			Confidence:    sn.Score,
			MemoryDerived: true,
			NodeID:        node.ID,
		}, nil
	}

	if len(similar) == 0 && ruleMatches == 0 {
		NoDecisionsTotal.WithLabelValues("no_match").Inc()
		return nil, fmt.Errorf("%w: no candidates", ErrNoDecision)
	}
	NoDecisionsTotal.WithLabelValues("below_threshold").Inc()
	return nil, fmt.Errorf("%w: no candidate above threshold", ErrNoDecision)
}

// findOpposing returns another acceptable rule with the same condition and an
// opposing action, or nil.
func findOpposing(matched []*rules.Rule, top *rules.Rule, threshold float64) *rules.Rule {
	for _, r := range matched {
		if r.ID == top.ID || r.Confidence < threshold {
			continue
		}
		if r.Condition.Equal(top.Condition) && r.Action.Opposes(top.Action) {
			return r
		}
	}
	return nil
}

// ContextText renders a context snapshot as stable text for embedding. The
// same snapshot always produces the same text, so embeddings are cacheable.
func ContextText(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + attrs[k]
	}
	return strings.Join(parts, "\n")
}
