package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/events"
	"github.com/fyrsmithlabs/decisiond/internal/rules"
)

func testConfig() Config {
	return Config{
		SignatureKeys: []string{"page_state", "task"},
		MinSupport:    3,
		MinConfidence: 0.8,
	}
}

func makeEvent(ctx map[string]string, kind string, outcome events.Outcome) events.Event {
	return events.Event{
		Context: ctx,
		Action:  rules.Action{Kind: kind},
		Outcome: outcome,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:   "no signature keys projects whole context",
			mutate: func(c *Config) { c.SignatureKeys = nil },
		},
		{
			name:    "zero support",
			mutate:  func(c *Config) { c.MinSupport = 0 },
			wantErr: "min support",
		},
		{
			name:    "confidence above one",
			mutate:  func(c *Config) { c.MinConfidence = 1.5 },
			wantErr: "min confidence",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDetectRecurringSuccess(t *testing.T) {
	d, err := NewDetector(testConfig(), zap.NewNop())
	require.NoError(t, err)

	ctx := map[string]string{"page_state": "login", "task": "checkout", "session": "abc"}
	var window []events.Event
	for i := 0; i < 5; i++ {
		window = append(window, makeEvent(ctx, "click_login", events.OutcomeSuccess))
	}

	candidates := d.Detect(window)
	require.Len(t, candidates, 1)

	c := candidates[0]
	assert.Equal(t, 5, c.Support)
	assert.Equal(t, 1.0, c.Confidence)
	assert.Equal(t, events.OutcomeSuccess, c.Outcome)
	assert.Equal(t, "click_login", c.Action.Kind)
	// Projection keeps only the signature keys.
	assert.Equal(t, rules.Condition{"page_state": "login", "task": "checkout"}, c.Condition)
	assert.Equal(t, "page_state=login&task=checkout", c.Signature)
}

func TestDetectBelowSupport(t *testing.T) {
	d, err := NewDetector(testConfig(), zap.NewNop())
	require.NoError(t, err)

	ctx := map[string]string{"page_state": "cart"}
	window := []events.Event{
		makeEvent(ctx, "add_item", events.OutcomeSuccess),
		makeEvent(ctx, "add_item", events.OutcomeSuccess),
	}

	assert.Empty(t, d.Detect(window))
}

func TestDetectBelowConfidence(t *testing.T) {
	d, err := NewDetector(testConfig(), zap.NewNop())
	require.NoError(t, err)

	// 3 successes out of 5 is 0.6, under the 0.8 threshold.
	ctx := map[string]string{"page_state": "search"}
	window := []events.Event{
		makeEvent(ctx, "submit", events.OutcomeSuccess),
		makeEvent(ctx, "submit", events.OutcomeSuccess),
		makeEvent(ctx, "submit", events.OutcomeSuccess),
		makeEvent(ctx, "submit", events.OutcomeFailure),
		makeEvent(ctx, "submit", events.OutcomeFailure),
	}

	assert.Empty(t, d.Detect(window))
}

func TestDetectFailurePattern(t *testing.T) {
	d, err := NewDetector(testConfig(), zap.NewNop())
	require.NoError(t, err)

	ctx := map[string]string{"page_state": "captcha"}
	window := []events.Event{
		makeEvent(ctx, "retry", events.OutcomeFailure),
		makeEvent(ctx, "retry", events.OutcomeFailure),
		makeEvent(ctx, "retry", events.OutcomeFailure),
	}

	candidates := d.Detect(window)
	require.Len(t, candidates, 1)
	assert.Equal(t, events.OutcomeFailure, candidates[0].Outcome)
	assert.Equal(t, 1.0, candidates[0].Confidence)
}

func TestDetectSeparatesActions(t *testing.T) {
	d, err := NewDetector(testConfig(), zap.NewNop())
	require.NoError(t, err)

	// Same context, two different actions: each group counted on its own.
	ctx := map[string]string{"page_state": "home"}
	var window []events.Event
	for i := 0; i < 3; i++ {
		window = append(window, makeEvent(ctx, "open_menu", events.OutcomeSuccess))
		window = append(window, makeEvent(ctx, "scroll", events.OutcomeSuccess))
	}

	candidates := d.Detect(window)
	require.Len(t, candidates, 2)
	// Sorted by signature then action kind.
	assert.Equal(t, "open_menu", candidates[0].Action.Kind)
	assert.Equal(t, "scroll", candidates[1].Action.Kind)
}

func TestDetectSkipsUnprojectableEvents(t *testing.T) {
	d, err := NewDetector(testConfig(), zap.NewNop())
	require.NoError(t, err)

	window := []events.Event{
		makeEvent(map[string]string{"unrelated": "x"}, "noop", events.OutcomeSuccess),
		makeEvent(map[string]string{"page_state": "login"}, "", events.OutcomeSuccess),
	}

	assert.Empty(t, d.Detect(window))
}

func TestDetectWholeContextProjection(t *testing.T) {
	cfg := testConfig()
	cfg.SignatureKeys = nil
	d, err := NewDetector(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx := map[string]string{"page_state": "login", "session": "abc"}
	var window []events.Event
	for i := 0; i < 3; i++ {
		window = append(window, makeEvent(ctx, "click_login", events.OutcomeSuccess))
	}

	candidates := d.Detect(window)
	require.Len(t, candidates, 1)
	assert.Equal(t, rules.Condition{"page_state": "login", "session": "abc"}, candidates[0].Condition)
}

func TestDetectDeterministicOrder(t *testing.T) {
	d, err := NewDetector(testConfig(), zap.NewNop())
	require.NoError(t, err)

	var window []events.Event
	for i := 0; i < 3; i++ {
		window = append(window, makeEvent(map[string]string{"page_state": "b"}, "act", events.OutcomeSuccess))
		window = append(window, makeEvent(map[string]string{"page_state": "a"}, "act", events.OutcomeSuccess))
	}

	first := d.Detect(window)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, d.Detect(window))
	}
	require.Len(t, first, 2)
	assert.Equal(t, "page_state=a", first[0].Signature)
	assert.Equal(t, "page_state=b", first[1].Signature)
}
