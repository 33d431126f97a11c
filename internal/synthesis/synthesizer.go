// Package synthesis promotes detected patterns into rules.
//
// The synthesizer is the only writer that turns statistics into rule-set
// mutations, and it resolves every candidate against the existing rule set
// before touching it: equivalent or more general rules are reinforced instead
// of duplicated, and contradictions with trusted rules are recorded rather
// than resolved by fiat.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/events"
	"github.com/fyrsmithlabs/decisiond/internal/pattern"
	"github.com/fyrsmithlabs/decisiond/internal/rules"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// ErrConflictDetected is returned when a candidate contradicts a trusted
// rule on the same condition. The candidate is not inserted; the conflict is
// recorded for human resolution.
var ErrConflictDetected = errors.New("conflict detected")

// Op classifies what the synthesizer did with a candidate.
type Op string

const (
	// OpReinforced means an equivalent or more general rule absorbed the
	// candidate as positive evidence.
	OpReinforced Op = "reinforced"

	// OpPenalized means a failure candidate reduced an existing rule's
	// confidence.
	OpPenalized Op = "penalized"

	// OpCreated means a new synthesized rule was inserted.
	OpCreated Op = "created"

	// OpConflict means the candidate contradicted a trusted rule and was
	// recorded instead of inserted.
	OpConflict Op = "conflict"

	// OpDiscarded means the candidate carried no usable evidence.
	OpDiscarded Op = "discarded"
)

// Result reports the disposition of one candidate.
type Result struct {
	Op     Op     `json:"op"`
	RuleID string `json:"rule_id,omitempty"`
}

// Conflict records a contradiction pending human or higher-level resolution.
type Conflict struct {
	// Timestamp is when the contradiction was detected.
	Timestamp time.Time `json:"timestamp"`

	// Candidate is the pattern that could not be promoted.
	Candidate pattern.Candidate `json:"candidate"`

	// RuleID identifies the trusted rule it contradicts.
	RuleID string `json:"rule_id"`

	// RuleAction is that rule's recommendation.
	RuleAction rules.Action `json:"rule_action"`
}

// Config holds synthesizer configuration.
type Config struct {
	// TrustFactor scales a pattern's confidence into the initial
	// confidence of a synthesized rule, keeping it below typical
	// user-authored confidence.
	TrustFactor float64

	// ReinforceScale converts pattern confidence into a reinforcement
	// delta for existing rules.
	ReinforceScale float64

	// ConflictFloor is the confidence at or above which an existing rule
	// counts as trusted for contradiction detection.
	ConflictFloor float64
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.TrustFactor == 0 {
		c.TrustFactor = 0.6
	}
	if c.ReinforceScale == 0 {
		c.ReinforceScale = 0.1
	}
	if c.ConflictFloor == 0 {
		c.ConflictFloor = 0.6
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.TrustFactor <= 0 || c.TrustFactor > 1 {
		return fmt.Errorf("trust factor must be in (0,1], got %f", c.TrustFactor)
	}
	if c.ReinforceScale <= 0 || c.ReinforceScale > 1 {
		return fmt.Errorf("reinforce scale must be in (0,1], got %f", c.ReinforceScale)
	}
	if c.ConflictFloor < 0 || c.ConflictFloor > 1 {
		return fmt.Errorf("conflict floor must be in [0,1], got %f", c.ConflictFloor)
	}
	return nil
}

// Synthesizer converts candidates into rule-store mutations.
type Synthesizer struct {
	store  *rules.Store
	config Config
	logger *zap.Logger

	mu        sync.Mutex
	conflicts []Conflict
}

// NewSynthesizer creates a synthesizer writing to the given store.
func NewSynthesizer(store *rules.Store, config Config, logger *zap.Logger) (*Synthesizer, error) {
	if store == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &Synthesizer{store: store, config: config, logger: logger}, nil
}

// Synthesize resolves one candidate against the rule store.
//
// Success candidates reinforce an equivalent or more general rule when one
// exists, otherwise they become a new synthesized rule. Failure candidates
// only ever penalize an equivalent rule. A candidate whose action contradicts
// a trusted rule on the same condition is recorded as a Conflict and
// ErrConflictDetected is returned.
func (s *Synthesizer) Synthesize(ctx context.Context, candidate pattern.Candidate) (Result, error) {
	switch candidate.Outcome {
	case events.OutcomeSuccess:
		return s.promote(ctx, candidate)
	case events.OutcomeFailure:
		return s.penalize(candidate)
	default:
		return Result{Op: OpDiscarded}, nil
	}
}

// SynthesizeAll resolves a batch in order, logging per-candidate failures
// instead of aborting the pass.
func (s *Synthesizer) SynthesizeAll(ctx context.Context, candidates []pattern.Candidate) []Result {
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		r, err := s.Synthesize(ctx, c)
		if err != nil && !errors.Is(err, ErrConflictDetected) {
			s.logger.Warn("candidate synthesis failed",
				zap.String("signature", c.Signature),
				zap.Error(err),
			)
		}
		results = append(results, r)
	}
	return results
}

func (s *Synthesizer) promote(ctx context.Context, candidate pattern.Candidate) (Result, error) {
	if existing := s.findAbsorbing(candidate); existing != nil {
		delta := candidate.Confidence * s.config.ReinforceScale
		if err := s.store.UpdateConfidence(existing.ID, delta); err != nil {
			return Result{}, fmt.Errorf("reinforcing rule %s: %w", existing.ID, err)
		}
		s.logger.Debug("pattern reinforced existing rule",
			zap.String("rule_id", existing.ID),
			zap.String("signature", candidate.Signature),
			zap.Float64("delta", delta),
		)
		return Result{Op: OpReinforced, RuleID: existing.ID}, nil
	}

	if conflicting := s.findConflicting(candidate); conflicting != nil {
		s.recordConflict(candidate, conflicting)
		return Result{Op: OpConflict, RuleID: conflicting.ID},
			fmt.Errorf("%w: candidate %s opposes rule %s", ErrConflictDetected, candidate.Signature, conflicting.ID)
	}

	rule, err := rules.NewRule(candidate.Condition, candidate.Action,
		candidate.Confidence*s.config.TrustFactor, rules.ProvenanceSynthesized)
	if err != nil {
		return Result{}, fmt.Errorf("building rule from candidate %s: %w", candidate.Signature, err)
	}
	if err := s.store.Add(ctx, rule); err != nil {
		return Result{}, fmt.Errorf("adding synthesized rule: %w", err)
	}

	s.logger.Info("rule synthesized",
		zap.String("rule_id", rule.ID),
		zap.String("signature", candidate.Signature),
		zap.Int("support", candidate.Support),
		zap.Float64("confidence", rule.Confidence),
	)
	return Result{Op: OpCreated, RuleID: rule.ID}, nil
}

func (s *Synthesizer) penalize(candidate pattern.Candidate) (Result, error) {
	existing := s.findAbsorbing(candidate)
	if existing == nil {
		return Result{Op: OpDiscarded}, nil
	}

	delta := -candidate.Confidence * s.config.ReinforceScale
	if err := s.store.UpdateConfidence(existing.ID, delta); err != nil {
		return Result{}, fmt.Errorf("penalizing rule %s: %w", existing.ID, err)
	}
	s.logger.Debug("failure pattern penalized rule",
		zap.String("rule_id", existing.ID),
		zap.String("signature", candidate.Signature),
		zap.Float64("delta", delta),
	)
	return Result{Op: OpPenalized, RuleID: existing.ID}, nil
}

// findAbsorbing returns the live rule that already covers the candidate: same
// action kind with an equivalent or strictly more general condition. Ties go
// to higher confidence, then lower id, so a pass is deterministic.
func (s *Synthesizer) findAbsorbing(candidate pattern.Candidate) *rules.Rule {
	var best *rules.Rule
	for _, r := range s.store.List() {
		if r.State == rules.StateRetired || r.State == rules.StateProposed {
			continue
		}
		if r.Action.Kind != candidate.Action.Kind {
			continue
		}
		if !r.Condition.Generalizes(candidate.Condition) {
			continue
		}
		if best == nil ||
			r.Confidence > best.Confidence ||
			(r.Confidence == best.Confidence && r.ID < best.ID) {
			best = r
		}
	}
	return best
}

// findConflicting returns a trusted live rule whose condition equals the
// candidate's but whose action opposes it.
func (s *Synthesizer) findConflicting(candidate pattern.Candidate) *rules.Rule {
	var best *rules.Rule
	for _, r := range s.store.List() {
		if r.State == rules.StateRetired || r.State == rules.StateProposed {
			continue
		}
		if r.Confidence < s.config.ConflictFloor {
			continue
		}
		if !r.Condition.Equal(candidate.Condition) || !r.Action.Opposes(candidate.Action) {
			continue
		}
		if best == nil ||
			r.Confidence > best.Confidence ||
			(r.Confidence == best.Confidence && r.ID < best.ID) {
			best = r
		}
	}
	return best
}

func (s *Synthesizer) recordConflict(candidate pattern.Candidate, rule *rules.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conflicts = append(s.conflicts, Conflict{
		Timestamp:  timeNow(),
		Candidate:  candidate,
		RuleID:     rule.ID,
		RuleAction: rule.Action,
	})

	s.logger.Warn("candidate conflicts with trusted rule",
		zap.String("signature", candidate.Signature),
		zap.String("candidate_action", candidate.Action.Kind),
		zap.String("rule_id", rule.ID),
		zap.String("rule_action", rule.Action.Kind),
	)
}

// Conflicts returns a copy of the recorded conflicts, oldest first.
func (s *Synthesizer) Conflicts() []Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conflict, len(s.conflicts))
	copy(out, s.conflicts)
	return out
}
