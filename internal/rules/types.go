package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors for rule store operations.
var (
	ErrNotFound          = errors.New("rule not found")
	ErrDuplicateID       = errors.New("duplicate rule id")
	ErrInvalidRule       = errors.New("invalid rule")
	ErrEmptyCondition    = errors.New("rule condition cannot be empty")
	ErrEmptyAction       = errors.New("rule action cannot be empty")
	ErrInvalidConfidence = errors.New("confidence must be between 0.0 and 1.0")
	ErrCapacityExceeded  = errors.New("rule store capacity exceeded")
)

// Provenance records the origin of a rule.
type Provenance string

const (
	// ProvenanceUser indicates a user-authored rule.
	ProvenanceUser Provenance = "user"

	// ProvenanceSynthesized indicates a rule created from a detected pattern.
	ProvenanceSynthesized Provenance = "synthesized"
)

// State represents the lifecycle state of a rule.
//
// Transitions: proposed -> active -> (reinforced loop) -> decaying -> retired.
// Proposed rules are pending conflict resolution and invisible to Match.
// Retired rules are preserved for audit but never matched.
type State string

const (
	StateProposed State = "proposed"
	StateActive   State = "active"
	StateDecaying State = "decaying"
	StateRetired  State = "retired"
)

// Condition is a structured matcher over context attributes.
// Every key must be present in the context with an equal value for the
// condition to hold.
type Condition map[string]string

// Matches reports whether the condition holds against a context snapshot.
func (c Condition) Matches(context map[string]string) bool {
	for k, want := range c {
		if got, ok := context[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// Equal reports whether two conditions match exactly the same contexts.
func (c Condition) Equal(other Condition) bool {
	if len(c) != len(other) {
		return false
	}
	for k, v := range c {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Generalizes reports whether c matches every context that other matches.
// A condition with fewer constraints is more general; the empty condition
// generalizes everything.
func (c Condition) Generalizes(other Condition) bool {
	for k, v := range c {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Action is the descriptor handed to the executor. The store treats it as
// opaque apart from Kind, which is used for contradiction detection.
type Action struct {
	// Kind identifies the action for the executor (e.g. "click_login").
	Kind string `json:"kind"`

	// Params carries executor-specific parameters.
	Params map[string]string `json:"params,omitempty"`
}

// Opposes reports whether two actions are contradictory recommendations
// for the same condition.
func (a Action) Opposes(other Action) bool {
	return a.Kind != other.Kind
}

// Rule is a condition to action mapping with a trust score.
type Rule struct {
	// ID is the unique rule identifier (UUID).
	ID string `json:"id"`

	// Condition is the structured matcher evaluated against context.
	Condition Condition `json:"condition"`

	// Action is the descriptor recommended when the condition matches.
	Action Action `json:"action"`

	// Confidence is a score from 0.0 to 1.0. Adjusted only through store
	// operations: reinforcement on success, decay on disuse, penalty on
	// failure.
	Confidence float64 `json:"confidence"`

	// UsageCount tracks how many times this rule has been matched.
	UsageCount int `json:"usage_count"`

	// FailureStreak counts consecutive failed outcomes, reset on success.
	FailureStreak int `json:"failure_streak"`

	// LastUsed is when the rule last matched a decision.
	LastUsed time.Time `json:"last_used"`

	// Provenance records whether the rule is user-authored or synthesized.
	Provenance Provenance `json:"provenance"`

	// ParentID links a synthesized revision to the rule it refined.
	ParentID string `json:"parent_id,omitempty"`

	// State is the lifecycle state.
	State State `json:"state"`

	// CreatedAt is when the rule was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the rule was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRule creates a rule with a generated UUID in the active state.
func NewRule(condition Condition, action Action, confidence float64, provenance Provenance) (*Rule, error) {
	now := timeNow()
	r := &Rule{
		ID:         uuid.New().String(),
		Condition:  condition,
		Action:     action,
		Confidence: confidence,
		Provenance: provenance,
		State:      StateActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks rule invariants.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidRule)
	}
	if len(r.Condition) == 0 {
		return ErrEmptyCondition
	}
	if r.Action.Kind == "" {
		return ErrEmptyAction
	}
	if r.Confidence < 0.0 || r.Confidence > 1.0 {
		return ErrInvalidConfidence
	}
	switch r.Provenance {
	case ProvenanceUser, ProvenanceSynthesized:
	default:
		return fmt.Errorf("%w: provenance must be %q or %q", ErrInvalidRule, ProvenanceUser, ProvenanceSynthesized)
	}
	switch r.State {
	case StateProposed, StateActive, StateDecaying, StateRetired:
	default:
		return fmt.Errorf("%w: unknown state %q", ErrInvalidRule, r.State)
	}
	return nil
}

// clone returns a deep copy so callers never share mutable state with the store.
func (r *Rule) clone() *Rule {
	cp := *r
	cp.Condition = make(Condition, len(r.Condition))
	for k, v := range r.Condition {
		cp.Condition[k] = v
	}
	if r.Action.Params != nil {
		cp.Action.Params = make(map[string]string, len(r.Action.Params))
		for k, v := range r.Action.Params {
			cp.Action.Params[k] = v
		}
	}
	return &cp
}

// ChangeOp identifies the kind of mutation recorded in the audit log.
type ChangeOp string

const (
	ChangeAdd        ChangeOp = "add"
	ChangeConfidence ChangeOp = "confidence"
	ChangeOutcome    ChangeOp = "outcome"
	ChangeApprove    ChangeOp = "approve"
	ChangeRetire     ChangeOp = "retire"
	ChangeEvict      ChangeOp = "evict"
)

// ChangeRecord is one entry in the store's audit log.
type ChangeRecord struct {
	// Timestamp is when the mutation committed.
	Timestamp time.Time `json:"timestamp"`

	// Op is the mutation kind.
	Op ChangeOp `json:"op"`

	// RuleID is the affected rule.
	RuleID string `json:"rule_id"`

	// Detail is a human-readable description of the change.
	Detail string `json:"detail,omitempty"`
}
