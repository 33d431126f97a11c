// Package loop orchestrates the observe-decide-execute-learn cycle.
//
// The decision path (Observe) and the learning path (pattern detection,
// synthesis, decay, snapshots) run on separate cadences so learning work
// never adds latency to a decision. The background scheduler owns the
// learning path; Observe only appends to the event log and, at worst,
// nudges the scheduler through a non-blocking channel.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/decision"
	"github.com/fyrsmithlabs/decisiond/internal/embeddings"
	"github.com/fyrsmithlabs/decisiond/internal/events"
	"github.com/fyrsmithlabs/decisiond/internal/knowledge"
	"github.com/fyrsmithlabs/decisiond/internal/pattern"
	"github.com/fyrsmithlabs/decisiond/internal/persistence"
	"github.com/fyrsmithlabs/decisiond/internal/rules"
	"github.com/fyrsmithlabs/decisiond/internal/synthesis"
)

// ExecutionResult is what an executor reports back for one action.
type ExecutionResult struct {
	// Outcome classifies the execution result.
	Outcome events.Outcome `json:"outcome"`

	// Detail carries executor-specific structured detail.
	Detail string `json:"detail,omitempty"`

	// Reward is an optional outcome scalar.
	Reward float64 `json:"reward,omitempty"`
}

// Executor performs a recommended action. Implementations must honor the
// context deadline; the loop records a timeout as a failure.
type Executor interface {
	Execute(ctx context.Context, action rules.Action) (*ExecutionResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, action rules.Action) (*ExecutionResult, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, action rules.Action) (*ExecutionResult, error) {
	return f(ctx, action)
}

// Config holds loop cadences and thresholds.
type Config struct {
	// WindowSize is how many recent events a learning pass examines.
	WindowSize int

	// LearnInterval is the cadence of pattern detection and synthesis.
	LearnInterval time.Duration

	// MaintenanceInterval is the cadence of decay and prune passes.
	MaintenanceInterval time.Duration

	// SnapshotInterval is the cadence of persistence snapshots.
	SnapshotInterval time.Duration

	// ExecutorTimeout bounds how long Observe waits for the executor.
	ExecutorTimeout time.Duration

	// UtilityThreshold triggers an early learning pass when the recent
	// success-rate utility drops below it.
	UtilityThreshold float64

	// MinEvents is how many events must be retained before the utility
	// gate can trigger, so a single early failure does not thrash.
	MinEvents int

	// PassTimeout bounds each background learn, maintenance, and snapshot
	// pass, separately from ExecutorTimeout on the decision path.
	PassTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.WindowSize == 0 {
		c.WindowSize = 200
	}
	if c.LearnInterval == 0 {
		c.LearnInterval = time.Minute
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = 5 * time.Minute
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = time.Minute
	}
	if c.ExecutorTimeout == 0 {
		c.ExecutorTimeout = 30 * time.Second
	}
	if c.UtilityThreshold == 0 {
		c.UtilityThreshold = 0.8
	}
	if c.MinEvents == 0 {
		c.MinEvents = 10
	}
	if c.PassTimeout == 0 {
		c.PassTimeout = 5 * time.Minute
	}
}

// Loop wires the decision engine, executor, event log, and learning
// components into one cycle per observation.
type Loop struct {
	engine      *decision.Engine
	detector    *pattern.Detector
	synthesizer *synthesis.Synthesizer
	store       *rules.Store
	graph       *knowledge.Graph
	provider    embeddings.Provider
	log         *events.Log
	snapshotter *persistence.Snapshotter
	executor    Executor
	config      Config
	logger      *zap.Logger

	// learnCh nudges the scheduler into an early learning pass when the
	// utility gate fires. Buffered size 1; extra nudges are dropped.
	learnCh chan struct{}

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// Deps carries the collaborators a Loop orchestrates. Snapshotter may be nil
// for purely in-memory operation.
type Deps struct {
	Engine      *decision.Engine
	Detector    *pattern.Detector
	Synthesizer *synthesis.Synthesizer
	Rules       *rules.Store
	Graph       *knowledge.Graph
	Provider    embeddings.Provider
	Events      *events.Log
	Snapshotter *persistence.Snapshotter
	Executor    Executor
}

// New creates a loop. It does not start the background scheduler; call
// Start for that.
func New(deps Deps, config Config, logger *zap.Logger) (*Loop, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("decision engine is required")
	}
	if deps.Detector == nil {
		return nil, fmt.Errorf("pattern detector is required")
	}
	if deps.Synthesizer == nil {
		return nil, fmt.Errorf("rule synthesizer is required")
	}
	if deps.Rules == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	if deps.Graph == nil {
		return nil, fmt.Errorf("knowledge graph is required")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("event log is required")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	return &Loop{
		engine:      deps.Engine,
		detector:    deps.Detector,
		synthesizer: deps.Synthesizer,
		store:       deps.Rules,
		graph:       deps.Graph,
		provider:    deps.Provider,
		log:         deps.Events,
		snapshotter: deps.Snapshotter,
		executor:    deps.Executor,
		config:      config,
		logger:      logger,
		learnCh:     make(chan struct{}, 1),
	}, nil
}

// Observe runs one decision cycle: decide, execute, record the outcome, and
// feed it back into rule statistics. It returns the appended event's id so
// callers can correlate later feedback. A NoDecision result is recorded as a
// neutral event and returned to the caller for its default policy.
func (l *Loop) Observe(ctx context.Context, attrs map[string]string) (*decision.Recommendation, string, error) {
	rec, err := l.engine.Decide(ctx, attrs)
	if err != nil {
		var eventID string
		if errors.Is(err, decision.ErrNoDecision) {
			eventID = l.log.Append(events.Event{
				Context: attrs,
				Source:  "none",
				Outcome: events.OutcomeNeutral,
				Detail:  err.Error(),
			})
			CyclesTotal.WithLabelValues("no_decision").Inc()
		}
		return nil, eventID, err
	}

	result := l.execute(ctx, rec.Action)

	event := events.Event{
		Context: attrs,
		Action:  rec.Action,
		Source:  rec.Source,
		Outcome: result.Outcome,
		Detail:  result.Detail,
		Reward:  result.Reward,
	}
	if rec.RuleID != "" {
		event.RuleIDs = []string{rec.RuleID}
	}
	eventID := l.log.Append(event)

	if rec.RuleID != "" && result.Outcome != events.OutcomeNeutral {
		if err := l.store.RecordOutcome(rec.RuleID, result.Outcome == events.OutcomeSuccess); err != nil {
			l.logger.Warn("recording outcome", zap.String("rule_id", rec.RuleID), zap.Error(err))
		}
	}

	l.updateUtility()
	return rec, eventID, nil
}

// execute runs the action under the executor timeout, mapping timeouts and
// executor errors onto failure outcomes.
func (l *Loop) execute(ctx context.Context, action rules.Action) ExecutionResult {
	execCtx, cancel := context.WithTimeout(ctx, l.config.ExecutorTimeout)
	defer cancel()

	result, err := l.executor.Execute(execCtx, action)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded):
		CyclesTotal.WithLabelValues("executor_timeout").Inc()
		l.logger.Warn("executor timed out",
			zap.String("action", action.Kind),
			zap.Duration("timeout", l.config.ExecutorTimeout),
		)
		return ExecutionResult{Outcome: events.OutcomeFailure, Detail: "timeout"}
	case err != nil:
		CyclesTotal.WithLabelValues("executor_error").Inc()
		l.logger.Warn("executor failed", zap.String("action", action.Kind), zap.Error(err))
		return ExecutionResult{Outcome: events.OutcomeFailure, Detail: err.Error()}
	case result == nil:
		CyclesTotal.WithLabelValues("executor_error").Inc()
		return ExecutionResult{Outcome: events.OutcomeFailure, Detail: "executor returned no result"}
	}

	CyclesTotal.WithLabelValues("executed").Inc()
	return *result
}

// updateUtility recomputes the windowed success rate and nudges the
// scheduler when it falls below the threshold.
func (l *Loop) updateUtility() {
	stats := l.log.Stats(l.config.WindowSize)
	utility := stats.SuccessRate()
	Utility.Set(utility)

	if stats.Total < l.config.MinEvents || utility >= l.config.UtilityThreshold {
		return
	}
	select {
	case l.learnCh <- struct{}{}:
	default:
	}
}

// Feedback applies a human outcome correction. The override is authoritative:
// it rewrites the event record and, when the event was rule-derived and the
// verdict changed, feeds the corrected outcome into the rule's statistics.
func (l *Loop) Feedback(eventID string, outcome events.Outcome, detail string) error {
	var prev *events.Event
	for _, e := range l.log.All() {
		if e.ID == eventID {
			ev := e
			prev = &ev
			break
		}
	}

	if err := l.log.Override(eventID, outcome, detail); err != nil {
		return fmt.Errorf("overriding event %s: %w", eventID, err)
	}

	if prev != nil && len(prev.RuleIDs) > 0 && prev.Outcome != outcome && outcome != events.OutcomeNeutral {
		ruleID := prev.RuleIDs[0]
		if err := l.store.RecordOutcome(ruleID, outcome == events.OutcomeSuccess); err != nil {
			l.logger.Warn("recording corrected outcome", zap.String("rule_id", ruleID), zap.Error(err))
		}
	}

	l.logger.Info("feedback applied",
		zap.String("event_id", eventID),
		zap.String("outcome", string(outcome)),
	)
	return nil
}

// Start begins the background scheduler for learning, maintenance, and
// snapshots. Calling Start on a running loop is an error.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("loop is already running")
	}
	l.stopCh = make(chan struct{})
	l.done = make(chan struct{})
	l.running = true

	l.logger.Info("learning loop started",
		zap.Duration("learn_interval", l.config.LearnInterval),
		zap.Duration("maintenance_interval", l.config.MaintenanceInterval),
		zap.Duration("snapshot_interval", l.config.SnapshotInterval),
	)
	go l.run()
	return nil
}

// Stop signals the scheduler to stop and waits for it to finish. A final
// snapshot is written before returning. Stopping a stopped loop is a no-op.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	close(l.stopCh)
	done := l.done
	l.mu.Unlock()

	<-done

	if l.snapshotter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := l.snapshotter.Save(ctx); err != nil {
			return fmt.Errorf("final snapshot: %w", err)
		}
	}
	l.logger.Info("learning loop stopped")
	return nil
}

func (l *Loop) run() {
	defer close(l.done)
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop scheduler panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			l.mu.Lock()
			l.running = false
			l.mu.Unlock()
		}
	}()

	learnTicker := time.NewTicker(l.config.LearnInterval)
	defer learnTicker.Stop()
	maintenanceTicker := time.NewTicker(l.config.MaintenanceInterval)
	defer maintenanceTicker.Stop()
	snapshotTicker := time.NewTicker(l.config.SnapshotInterval)
	defer snapshotTicker.Stop()

	for {
		select {
		case <-learnTicker.C:
			l.safeRun("learn", func(ctx context.Context) { l.learnPass(ctx, "interval") })
		case <-l.learnCh:
			l.safeRun("learn", func(ctx context.Context) { l.learnPass(ctx, "utility") })
		case <-maintenanceTicker.C:
			l.safeRun("maintenance", l.maintenancePass)
		case <-snapshotTicker.C:
			l.safeRun("snapshot", l.snapshotPass)
		case <-l.stopCh:
			return
		}
	}
}

// safeRun wraps a background pass with a timeout and panic recovery so a
// single bad pass never takes the scheduler down.
func (l *Loop) safeRun(name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("background pass panicked, continuing",
				zap.String("pass", name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), l.config.PassTimeout)
	defer cancel()
	fn(ctx)
}

// learnPass runs pattern detection and synthesis over the recent window and
// records newly synthesized rules as knowledge nodes.
func (l *Loop) learnPass(ctx context.Context, trigger string) {
	LearnPassesTotal.WithLabelValues(trigger).Inc()

	window := l.log.Window(l.config.WindowSize)
	candidates := l.detector.Detect(window)
	if len(candidates) == 0 {
		return
	}

	results := l.synthesizer.SynthesizeAll(ctx, candidates)
	created := 0
	for i, res := range results {
		if res.Op != synthesis.OpCreated {
			continue
		}
		created++
		RulesSynthesizedTotal.Inc()
		l.rememberRule(ctx, candidates[i], res.RuleID)
	}

	l.logger.Info("learning pass completed",
		zap.String("trigger", trigger),
		zap.Int("window", len(window)),
		zap.Int("candidates", len(candidates)),
		zap.Int("created", created),
	)
}

// rememberRule stores a synthesized rule's originating pattern as an
// actionable knowledge node, so similar contexts can reach it even when
// their attributes do not match the rule condition exactly.
func (l *Loop) rememberRule(ctx context.Context, candidate pattern.Candidate, ruleID string) {
	content := fmt.Sprintf("%s -> %s (support %d)", candidate.Signature, candidate.Action.Kind, candidate.Support)
	vector, err := l.provider.EmbedQuery(ctx, decision.ContextText(candidate.Condition))
	if err != nil {
		l.logger.Warn("embedding synthesized pattern", zap.String("rule_id", ruleID), zap.Error(err))
		return
	}
	if _, err := l.graph.Insert(ctx, content, vector, knowledge.WithAction(candidate.Action)); err != nil {
		l.logger.Warn("storing pattern memory", zap.String("rule_id", ruleID), zap.Error(err))
	}
}

// maintenancePass applies idle decay to rules and weight decay plus pruning
// to the knowledge graph.
func (l *Loop) maintenancePass(ctx context.Context) {
	MaintenancePassesTotal.Inc()

	decayed := l.store.DecayIdle(time.Now())
	l.graph.DecayAll()
	pruned, err := l.graph.Prune(ctx)
	if err != nil {
		l.logger.Warn("pruning knowledge graph", zap.Error(err))
	}

	l.logger.Debug("maintenance pass completed",
		zap.Int("rules_decayed", decayed),
		zap.Int("nodes_pruned", len(pruned)),
	)
}

func (l *Loop) snapshotPass(ctx context.Context) {
	if l.snapshotter == nil {
		return
	}
	if err := l.snapshotter.Save(ctx); err != nil {
		l.logger.Warn("periodic snapshot failed", zap.Error(err))
	}
}
