package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/decision"
	"github.com/fyrsmithlabs/decisiond/internal/embeddings"
	"github.com/fyrsmithlabs/decisiond/internal/events"
	"github.com/fyrsmithlabs/decisiond/internal/knowledge"
	"github.com/fyrsmithlabs/decisiond/internal/pattern"
	"github.com/fyrsmithlabs/decisiond/internal/rules"
	"github.com/fyrsmithlabs/decisiond/internal/synthesis"
)

// recordingExecutor returns a canned result and remembers executed actions.
type recordingExecutor struct {
	mu      sync.Mutex
	actions []rules.Action
	result  ExecutionResult
	err     error
	block   bool
}

func (e *recordingExecutor) Execute(ctx context.Context, action rules.Action) (*ExecutionResult, error) {
	e.mu.Lock()
	e.actions = append(e.actions, action)
	e.mu.Unlock()

	if e.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	result := e.result
	return &result, nil
}

func (e *recordingExecutor) executed() []rules.Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]rules.Action(nil), e.actions...)
}

type fixture struct {
	loop     *Loop
	store    *rules.Store
	graph    *knowledge.Graph
	log      *events.Log
	executor *recordingExecutor
}

func newFixture(t *testing.T, executor *recordingExecutor) *fixture {
	t.Helper()

	logger := zap.NewNop()
	store := rules.NewStore(rules.StoreConfig{}, logger)
	graph, err := knowledge.NewGraph(knowledge.GraphConfig{Dimension: 16}, logger)
	require.NoError(t, err)
	provider := embeddings.NewLocalProvider(16)
	log := events.NewLog(100, 0)

	engine, err := decision.NewEngine(store, graph, provider, decision.Config{
		AcceptanceThreshold: 0.6,
		MemoryThreshold:     0.7,
		SimilarityK:         5,
	}, logger)
	require.NoError(t, err)

	detector, err := pattern.NewDetector(pattern.Config{
		SignatureKeys: []string{"page_state"},
		MinSupport:    3,
		MinConfidence: 0.8,
	}, logger)
	require.NoError(t, err)

	synthesizer, err := synthesis.NewSynthesizer(store, synthesis.Config{}, logger)
	require.NoError(t, err)

	l, err := New(Deps{
		Engine:      engine,
		Detector:    detector,
		Synthesizer: synthesizer,
		Rules:       store,
		Graph:       graph,
		Provider:    provider,
		Events:      log,
		Executor:    executor,
	}, Config{
		ExecutorTimeout: 50 * time.Millisecond,
		MinEvents:       3,
	}, logger)
	require.NoError(t, err)

	return &fixture{loop: l, store: store, graph: graph, log: log, executor: executor}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.ApplyDefaults()
	assert.Equal(t, 5*time.Minute, c.PassTimeout)
	assert.Equal(t, 10, c.MinEvents)
	assert.Equal(t, 30*time.Second, c.ExecutorTimeout)
}

func TestSafeRunHonorsPassTimeout(t *testing.T) {
	executor := &recordingExecutor{result: ExecutionResult{Outcome: events.OutcomeSuccess}}
	f := newFixture(t, executor)
	f.loop.config.PassTimeout = 10 * time.Millisecond

	done := make(chan struct{})
	f.loop.safeRun("pass", func(ctx context.Context) {
		defer close(done)
		select {
		case <-ctx.Done():
			assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
		case <-time.After(time.Second):
			t.Error("pass context was not cancelled at the configured timeout")
		}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pass never ran")
	}
}

func addRule(t *testing.T, store *rules.Store, condition rules.Condition, kind string, confidence float64) *rules.Rule {
	t.Helper()
	r, err := rules.NewRule(condition, rules.Action{Kind: kind}, confidence, rules.ProvenanceUser)
	require.NoError(t, err)
	require.NoError(t, store.Add(context.Background(), r))
	return r
}

func TestObserveExecutesAndRecords(t *testing.T) {
	executor := &recordingExecutor{result: ExecutionResult{Outcome: events.OutcomeSuccess}}
	f := newFixture(t, executor)
	rule := addRule(t, f.store, rules.Condition{"page_state": "login"}, "click_login", 0.9)

	rec, eventID, err := f.loop.Observe(context.Background(), map[string]string{"page_state": "login"})
	require.NoError(t, err)
	assert.Equal(t, "rule:"+rule.ID, rec.Source)

	executed := executor.executed()
	require.Len(t, executed, 1)
	assert.Equal(t, "click_login", executed[0].Kind)

	all := f.log.All()
	require.Len(t, all, 1)
	assert.Equal(t, eventID, all[0].ID)
	assert.Equal(t, events.OutcomeSuccess, all[0].Outcome)
	assert.Equal(t, []string{rule.ID}, all[0].RuleIDs)

	// Success reinforces the rule.
	got, err := f.store.Get(rule.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.95, got.Confidence, 1e-9)
	assert.Equal(t, 1, got.UsageCount)
}

func TestObserveExecutorTimeout(t *testing.T) {
	executor := &recordingExecutor{block: true}
	f := newFixture(t, executor)
	rule := addRule(t, f.store, rules.Condition{"page_state": "login"}, "click_login", 0.9)

	_, _, err := f.loop.Observe(context.Background(), map[string]string{"page_state": "login"})
	require.NoError(t, err)

	all := f.log.All()
	require.Len(t, all, 1)
	assert.Equal(t, events.OutcomeFailure, all[0].Outcome)
	assert.Equal(t, "timeout", all[0].Detail)

	// Timeout counts as a failed outcome for the rule.
	got, err := f.store.Get(rule.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, got.Confidence, 1e-9)
	assert.Equal(t, 1, got.FailureStreak)
}

func TestObserveExecutorError(t *testing.T) {
	executor := &recordingExecutor{err: errors.New("element not found")}
	f := newFixture(t, executor)
	addRule(t, f.store, rules.Condition{"page_state": "login"}, "click_login", 0.9)

	_, _, err := f.loop.Observe(context.Background(), map[string]string{"page_state": "login"})
	require.NoError(t, err)

	all := f.log.All()
	require.Len(t, all, 1)
	assert.Equal(t, events.OutcomeFailure, all[0].Outcome)
	assert.Equal(t, "element not found", all[0].Detail)
}

func TestObserveNoDecision(t *testing.T) {
	executor := &recordingExecutor{}
	f := newFixture(t, executor)

	rec, eventID, err := f.loop.Observe(context.Background(), map[string]string{"page_state": "unknown"})
	assert.Nil(t, rec)
	assert.NotEmpty(t, eventID)
	require.ErrorIs(t, err, decision.ErrNoDecision)

	// Nothing executed, but the cycle is still recorded.
	assert.Empty(t, executor.executed())
	all := f.log.All()
	require.Len(t, all, 1)
	assert.Equal(t, events.OutcomeNeutral, all[0].Outcome)
	assert.Equal(t, "none", all[0].Source)
}

func TestFeedbackOverridesOutcome(t *testing.T) {
	executor := &recordingExecutor{result: ExecutionResult{Outcome: events.OutcomeFailure, Detail: "executor said no"}}
	f := newFixture(t, executor)
	rule := addRule(t, f.store, rules.Condition{"page_state": "login"}, "click_login", 0.9)

	_, _, err := f.loop.Observe(context.Background(), map[string]string{"page_state": "login"})
	require.NoError(t, err)

	all := f.log.All()
	require.Len(t, all, 1)
	require.NoError(t, f.loop.Feedback(all[0].ID, events.OutcomeSuccess, "human verified"))

	all = f.log.All()
	assert.Equal(t, events.OutcomeSuccess, all[0].Outcome)
	assert.Equal(t, "human verified", all[0].Detail)

	// Failure penalty 0.1, then corrected success reinforces 0.05.
	got, err := f.store.Get(rule.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.85, got.Confidence, 1e-9)
	assert.Equal(t, 0, got.FailureStreak)
}

func TestFeedbackUnknownEvent(t *testing.T) {
	f := newFixture(t, &recordingExecutor{})
	err := f.loop.Feedback("missing", events.OutcomeSuccess, "")
	assert.ErrorIs(t, err, events.ErrNotFound)
}

func TestLearnPassSynthesizesAndRemembers(t *testing.T) {
	f := newFixture(t, &recordingExecutor{})

	for i := 0; i < 5; i++ {
		f.log.Append(events.Event{
			Context: map[string]string{"page_state": "login"},
			Action:  rules.Action{Kind: "click_login"},
			Source:  "memory:seed",
			Outcome: events.OutcomeSuccess,
		})
	}

	f.loop.learnPass(context.Background(), "interval")

	// Exactly one rule synthesized from the recurring pattern.
	require.Equal(t, 1, f.store.Len())
	synthesized := f.store.List()[0]
	assert.Equal(t, rules.ProvenanceSynthesized, synthesized.Provenance)
	assert.Equal(t, "click_login", synthesized.Action.Kind)

	// The pattern is also remembered as an actionable knowledge node.
	assert.Equal(t, 1, f.graph.Len())

	// A second pass reinforces instead of duplicating.
	f.loop.learnPass(context.Background(), "interval")
	assert.Equal(t, 1, f.store.Len())
}

func TestMaintenancePassDecaysAndPrunes(t *testing.T) {
	f := newFixture(t, &recordingExecutor{})
	ctx := context.Background()

	embedding := make([]float32, 16)
	embedding[0] = 1
	id, err := f.graph.Insert(ctx, "fading memory", embedding)
	require.NoError(t, err)
	require.NoError(t, f.graph.Decay(id, 0.11))

	// Weight 0.11 decays below the 0.1 floor and is pruned.
	f.loop.maintenancePass(ctx)
	_, err = f.graph.Get(id)
	assert.ErrorIs(t, err, knowledge.ErrNotFound)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, &recordingExecutor{})

	require.NoError(t, f.loop.Start())
	assert.Error(t, f.loop.Start())

	require.NoError(t, f.loop.Stop())
	// Stopping again is a no-op.
	assert.NoError(t, f.loop.Stop())

	// The loop can be restarted after a stop.
	require.NoError(t, f.loop.Start())
	require.NoError(t, f.loop.Stop())
}
