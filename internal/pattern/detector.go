// Package pattern detects recurring condition-outcome associations in the
// event history.
//
// The detector is deterministic: the same window and thresholds always yield
// the same candidates in the same order, so learning runs are reproducible.
// It runs on the learning cadence, never on the decision path.
package pattern

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/events"
	"github.com/fyrsmithlabs/decisiond/internal/rules"
)

// Candidate is a statistically supported condition-action association not
// yet promoted to a rule. Candidates are transient: the synthesizer consumes
// them and either promotes or discards them.
type Candidate struct {
	// Signature is the canonical form of the generalized condition.
	Signature string `json:"signature"`

	// Condition is the projected context the pattern generalizes over.
	Condition rules.Condition `json:"condition"`

	// Action is the action taken in the grouped events.
	Action rules.Action `json:"action"`

	// Outcome is the dominant outcome of the group.
	Outcome events.Outcome `json:"outcome"`

	// Support is the occurrence count of the group.
	Support int `json:"support"`

	// Confidence is the outcome consistency ratio in [0,1]: the fraction
	// of the group's events sharing the dominant outcome.
	Confidence float64 `json:"confidence"`
}

// Config holds detector configuration.
type Config struct {
	// SignatureKeys is the context attribute projection used to
	// generalize events into groups. Empty means every context
	// attribute participates in the signature.
	SignatureKeys []string

	// MinSupport is the minimum group size to emit a candidate.
	MinSupport int

	// MinConfidence is the minimum outcome consistency to emit a candidate.
	MinConfidence float64
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.MinSupport < 1 {
		return fmt.Errorf("min support must be at least 1, got %d", c.MinSupport)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be in [0,1], got %f", c.MinConfidence)
	}
	return nil
}

// Detector groups event windows by generalized context signature and emits
// candidates whose support and outcome consistency clear the thresholds.
type Detector struct {
	config Config
	logger *zap.Logger
}

// NewDetector creates a detector.
func NewDetector(config Config, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &Detector{config: config, logger: logger}, nil
}

// group accumulates outcome counts for one (signature, action) pair.
type group struct {
	condition rules.Condition
	action    rules.Action
	outcomes  map[events.Outcome]int
	total     int
}

// Detect returns all candidates found in the window, ordered by signature
// then action kind for reproducibility.
func (d *Detector) Detect(window []events.Event) []Candidate {
	groups := make(map[string]*group)

	for _, e := range window {
		condition := d.project(e.Context)
		if len(condition) == 0 || e.Action.Kind == "" {
			continue
		}

		key := canonical(condition) + "|" + e.Action.Kind
		g, ok := groups[key]
		if !ok {
			g = &group{
				condition: condition,
				action:    e.Action,
				outcomes:  make(map[events.Outcome]int),
			}
			groups[key] = g
		}
		g.outcomes[e.Outcome]++
		g.total++
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var candidates []Candidate
	for _, key := range keys {
		g := groups[key]
		if g.total < d.config.MinSupport {
			continue
		}

		outcome, count := dominantOutcome(g.outcomes)
		confidence := float64(count) / float64(g.total)
		if confidence < d.config.MinConfidence {
			continue
		}

		candidates = append(candidates, Candidate{
			Signature:  canonical(g.condition),
			Condition:  g.condition,
			Action:     g.action,
			Outcome:    outcome,
			Support:    g.total,
			Confidence: confidence,
		})
	}

	d.logger.Debug("pattern detection pass",
		zap.Int("window", len(window)),
		zap.Int("groups", len(groups)),
		zap.Int("candidates", len(candidates)),
	)
	return candidates
}

// project extracts the configured signature attributes from a context. With
// no configured keys the whole context is the signature.
func (d *Detector) project(context map[string]string) rules.Condition {
	condition := make(rules.Condition)
	if len(d.config.SignatureKeys) == 0 {
		for k, v := range context {
			condition[k] = v
		}
		return condition
	}
	for _, k := range d.config.SignatureKeys {
		if v, ok := context[k]; ok {
			condition[k] = v
		}
	}
	return condition
}

// dominantOutcome returns the most frequent outcome, breaking count ties in
// the fixed order success, failure, neutral so detection stays deterministic.
func dominantOutcome(counts map[events.Outcome]int) (events.Outcome, int) {
	order := []events.Outcome{events.OutcomeSuccess, events.OutcomeFailure, events.OutcomeNeutral}
	best := events.OutcomeNeutral
	bestCount := -1
	for _, o := range order {
		if c := counts[o]; c > bestCount {
			best, bestCount = o, c
		}
	}
	return best, bestCount
}

// canonical renders a condition as a stable "k=v&k=v" signature.
func canonical(condition rules.Condition) string {
	keys := make([]string, 0, len(condition))
	for k := range condition {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + condition[k]
	}
	return strings.Join(parts, "&")
}
