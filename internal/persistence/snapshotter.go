package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/events"
	"github.com/fyrsmithlabs/decisiond/internal/knowledge"
	"github.com/fyrsmithlabs/decisiond/internal/rules"
)

// Collection names used by the snapshotter.
const (
	CollectionRules  = "rules"
	CollectionNodes  = "knowledge_nodes"
	CollectionEvents = "events"
)

// SnapshotConfig holds snapshot retry behavior.
type SnapshotConfig struct {
	// MaxRetries is how many times a failed snapshot is retried.
	MaxRetries int

	// RetryBackoff is the base delay between retries, growing linearly.
	RetryBackoff time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *SnapshotConfig) ApplyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
}

// Snapshotter persists and restores the in-memory state of the rule store,
// knowledge graph, and event log.
//
// Persistence failures never take the decision loop down: after exhausting
// retries the snapshotter marks itself degraded and in-memory operation
// continues. The flag clears on the next successful snapshot.
type Snapshotter struct {
	store    *Store
	rules    *rules.Store
	graph    *knowledge.Graph
	log      *events.Log
	config   SnapshotConfig
	logger   *zap.Logger
	degraded atomic.Bool
}

// NewSnapshotter wires a snapshotter over the given state holders.
func NewSnapshotter(store *Store, ruleStore *rules.Store, graph *knowledge.Graph, log *events.Log, config SnapshotConfig, logger *zap.Logger) (*Snapshotter, error) {
	if store == nil {
		return nil, fmt.Errorf("document store is required")
	}
	if ruleStore == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	if graph == nil {
		return nil, fmt.Errorf("knowledge graph is required")
	}
	if log == nil {
		return nil, fmt.Errorf("event log is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	return &Snapshotter{
		store:  store,
		rules:  ruleStore,
		graph:  graph,
		log:    log,
		config: config,
		logger: logger,
	}, nil
}

// Degraded reports whether the last snapshot attempt ultimately failed.
func (s *Snapshotter) Degraded() bool {
	return s.degraded.Load()
}

// Save writes a full snapshot of all three collections, retrying with
// linear backoff.
func (s *Snapshotter) Save(ctx context.Context) error {
	start := time.Now()
	err := s.withRetry(ctx, s.saveOnce)
	SnapshotDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		SnapshotsTotal.WithLabelValues("error").Inc()
		s.setDegraded(true)
		s.logger.Error("snapshot failed, continuing in degraded mode", zap.Error(err))
		return err
	}

	SnapshotsTotal.WithLabelValues("success").Inc()
	s.setDegraded(false)
	return nil
}

func (s *Snapshotter) saveOnce(ctx context.Context) error {
	ruleRecords := make(map[string]any)
	for _, r := range s.rules.Snapshot() {
		ruleRecords[r.ID] = r
	}
	if err := s.store.ReplaceCollection(ctx, CollectionRules, ruleRecords); err != nil {
		return fmt.Errorf("saving rules: %w", err)
	}

	nodeRecords := make(map[string]any)
	for _, n := range s.graph.Snapshot() {
		nodeRecords[n.ID] = n
	}
	if err := s.store.ReplaceCollection(ctx, CollectionNodes, nodeRecords); err != nil {
		return fmt.Errorf("saving knowledge nodes: %w", err)
	}

	eventRecords := make(map[string]any)
	for _, e := range s.log.All() {
		eventRecords[e.ID] = e
	}
	if err := s.store.ReplaceCollection(ctx, CollectionEvents, eventRecords); err != nil {
		return fmt.Errorf("saving events: %w", err)
	}

	s.logger.Debug("snapshot written",
		zap.Int("rules", len(ruleRecords)),
		zap.Int("nodes", len(nodeRecords)),
		zap.Int("events", len(eventRecords)),
	)
	return nil
}

// Restore loads all collections back into the state holders. Empty
// collections are a valid first boot, not an error.
func (s *Snapshotter) Restore(ctx context.Context) error {
	ruleRecords, err := s.store.List(ctx, CollectionRules)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	ruleSnapshot := make([]*rules.Rule, 0, len(ruleRecords))
	for _, rec := range ruleRecords {
		var r rules.Rule
		if err := decode(rec, &r); err != nil {
			return fmt.Errorf("decoding rule %s: %w", rec.ID, err)
		}
		ruleSnapshot = append(ruleSnapshot, &r)
	}
	if err := s.rules.Restore(ruleSnapshot); err != nil {
		return fmt.Errorf("restoring rules: %w", err)
	}

	nodeRecords, err := s.store.List(ctx, CollectionNodes)
	if err != nil {
		return fmt.Errorf("loading knowledge nodes: %w", err)
	}
	nodeSnapshot := make([]*knowledge.Node, 0, len(nodeRecords))
	for _, rec := range nodeRecords {
		var n knowledge.Node
		if err := decode(rec, &n); err != nil {
			return fmt.Errorf("decoding node %s: %w", rec.ID, err)
		}
		nodeSnapshot = append(nodeSnapshot, &n)
	}
	if err := s.graph.Restore(ctx, nodeSnapshot); err != nil {
		return fmt.Errorf("restoring knowledge graph: %w", err)
	}

	eventRecords, err := s.store.List(ctx, CollectionEvents)
	if err != nil {
		return fmt.Errorf("loading events: %w", err)
	}
	eventSnapshot := make([]events.Event, 0, len(eventRecords))
	for _, rec := range eventRecords {
		var e events.Event
		if err := decode(rec, &e); err != nil {
			return fmt.Errorf("decoding event %s: %w", rec.ID, err)
		}
		eventSnapshot = append(eventSnapshot, e)
	}
	s.log.Restore(eventSnapshot)

	s.logger.Info("state restored",
		zap.Int("rules", len(ruleSnapshot)),
		zap.Int("nodes", len(nodeSnapshot)),
		zap.Int("events", len(eventSnapshot)),
	)
	return nil
}

func (s *Snapshotter) withRetry(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(ctx.Err(), lastErr)
			case <-time.After(time.Duration(attempt) * s.config.RetryBackoff):
			}
			s.logger.Warn("retrying snapshot",
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (s *Snapshotter) setDegraded(v bool) {
	s.degraded.Store(v)
	if v {
		DegradedStatus.Set(1)
	} else {
		DegradedStatus.Set(0)
	}
}

func decode(rec Record, out any) error {
	return json.Unmarshal(rec.Payload, out)
}
