package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// rulesTracer for OpenTelemetry instrumentation.
var rulesTracer = otel.Tracer("decisiond.rules")

// StoreConfig holds configuration for the rule store.
type StoreConfig struct {
	// MaxRules bounds the number of live (non-retired) rules.
	MaxRules int

	// RetireConfidenceFloor is the confidence below which rules decay
	// and become eligible for retirement.
	RetireConfidenceFloor float64

	// RetireFailureStreak is the consecutive-failure count required to
	// retire a rule below the confidence floor.
	RetireFailureStreak int

	// ReinforceDelta is the confidence increase on a successful outcome.
	ReinforceDelta float64

	// PenaltyDelta is the confidence decrease on a failed outcome.
	PenaltyDelta float64

	// IdleDecayAge is how long a rule may go unused before idle decay.
	IdleDecayAge time.Duration

	// IdleDecayDelta is the confidence reduction applied to idle rules.
	IdleDecayDelta float64
}

// ApplyDefaults sets default values for unset fields.
func (c *StoreConfig) ApplyDefaults() {
	if c.MaxRules == 0 {
		c.MaxRules = 5000
	}
	if c.RetireConfidenceFloor == 0 {
		c.RetireConfidenceFloor = 0.2
	}
	if c.RetireFailureStreak == 0 {
		c.RetireFailureStreak = 3
	}
	if c.ReinforceDelta == 0 {
		c.ReinforceDelta = 0.05
	}
	if c.PenaltyDelta == 0 {
		c.PenaltyDelta = 0.1
	}
	if c.IdleDecayAge == 0 {
		c.IdleDecayAge = 24 * time.Hour
	}
	if c.IdleDecayDelta == 0 {
		c.IdleDecayDelta = 0.05
	}
}

// Store owns the rule lifecycle. Reads take a shared lock and observe only
// committed state; mutations serialize behind the write lock.
type Store struct {
	mu     sync.RWMutex
	rules  map[string]*Rule
	audit  []ChangeRecord
	config StoreConfig
	logger *zap.Logger
}

// NewStore creates an empty rule store.
func NewStore(config StoreConfig, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	return &Store{
		rules:  make(map[string]*Rule),
		config: config,
		logger: logger,
	}
}

// Add inserts a rule. It fails with ErrDuplicateID if the id exists and
// ErrCapacityExceeded if the store is full and nothing can be evicted.
// Usage statistics are reset regardless of what the caller supplied.
func (s *Store) Add(ctx context.Context, rule *Rule) error {
	_, span := rulesTracer.Start(ctx, "rules.Store.Add")
	defer span.End()

	if rule == nil {
		return fmt.Errorf("%w: nil rule", ErrInvalidRule)
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rule.ID)
	}

	if s.liveCountLocked() >= s.config.MaxRules {
		if !s.evictLocked() {
			return fmt.Errorf("%w: %d live rules", ErrCapacityExceeded, s.config.MaxRules)
		}
	}

	stored := rule.clone()
	stored.UsageCount = 0
	stored.FailureStreak = 0
	stored.UpdatedAt = timeNow()
	s.rules[stored.ID] = stored

	s.appendAuditLocked(ChangeAdd, stored.ID,
		fmt.Sprintf("provenance=%s confidence=%.2f state=%s", stored.Provenance, stored.Confidence, stored.State))
	span.SetAttributes(attribute.String("rule_id", stored.ID))

	s.logger.Debug("rule added",
		zap.String("rule_id", stored.ID),
		zap.String("provenance", string(stored.Provenance)),
		zap.Float64("confidence", stored.Confidence),
	)
	return nil
}

// Get returns a copy of the rule with the given id.
func (s *Store) Get(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rule.clone(), nil
}

// List returns copies of all rules, including retired ones, ordered by id.
func (s *Store) List() []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Match returns copies of all matchable rules whose condition holds against
// the context, ordered by confidence descending, usage descending, id
// ascending. Proposed and retired rules never match.
func (s *Store) Match(ctx context.Context, attrs map[string]string) []*Rule {
	_, span := rulesTracer.Start(ctx, "rules.Store.Match")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Rule
	for _, r := range s.rules {
		if r.State != StateActive && r.State != StateDecaying {
			continue
		}
		if r.Condition.Matches(attrs) {
			matched = append(matched, r.clone())
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}
		return a.ID < b.ID
	})

	span.SetAttributes(attribute.Int("matched", len(matched)))
	return matched
}

// MarkUsed records that a rule was chosen for a decision.
func (s *Store) MarkUsed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rule.UsageCount++
	rule.LastUsed = timeNow()
	rule.UpdatedAt = rule.LastUsed
	return nil
}

// UpdateConfidence adjusts a rule's confidence by delta, clamped to [0,1].
func (s *Store) UpdateConfidence(id string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateConfidenceLocked(id, delta, ChangeConfidence)
}

func (s *Store) updateConfidenceLocked(id string, delta float64, op ChangeOp) error {
	rule, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	rule.Confidence += delta
	if rule.Confidence > 1.0 {
		rule.Confidence = 1.0
	}
	if rule.Confidence < 0.0 {
		rule.Confidence = 0.0
	}
	rule.UpdatedAt = timeNow()

	// Confidence drives the active/decaying transition; proposed and
	// retired states only change through Approve and Retire.
	switch rule.State {
	case StateActive:
		if rule.Confidence < s.config.RetireConfidenceFloor {
			rule.State = StateDecaying
		}
	case StateDecaying:
		if rule.Confidence >= s.config.RetireConfidenceFloor {
			rule.State = StateActive
		}
	}

	s.appendAuditLocked(op, id, fmt.Sprintf("delta=%+.3f confidence=%.3f state=%s", delta, rule.Confidence, rule.State))
	return nil
}

// RecordOutcome applies reinforcement or penalty for an observed outcome and
// retires the rule when it has fallen below the confidence floor with enough
// consecutive failures.
func (s *Store) RecordOutcome(id string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var delta float64
	if success {
		rule.FailureStreak = 0
		delta = s.config.ReinforceDelta
	} else {
		rule.FailureStreak++
		delta = -s.config.PenaltyDelta
	}

	if err := s.updateConfidenceLocked(id, delta, ChangeOutcome); err != nil {
		return err
	}

	if !success &&
		rule.Confidence < s.config.RetireConfidenceFloor &&
		rule.FailureStreak >= s.config.RetireFailureStreak {
		s.retireLocked(rule, fmt.Sprintf("confidence=%.3f failure_streak=%d", rule.Confidence, rule.FailureStreak))
	}
	return nil
}

// Approve moves a proposed rule into the active state.
func (s *Store) Approve(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rule.State != StateProposed {
		return fmt.Errorf("%w: rule %s is %s, not proposed", ErrInvalidRule, id, rule.State)
	}

	rule.State = StateActive
	rule.UpdatedAt = timeNow()
	s.appendAuditLocked(ChangeApprove, id, "")
	return nil
}

// Retire retires a rule explicitly. The rule remains in the store for audit.
func (s *Store) Retire(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.retireLocked(rule, "explicit")
	return nil
}

func (s *Store) retireLocked(rule *Rule, detail string) {
	if rule.State == StateRetired {
		return
	}
	rule.State = StateRetired
	rule.UpdatedAt = timeNow()
	s.appendAuditLocked(ChangeRetire, rule.ID, detail)

	s.logger.Info("rule retired",
		zap.String("rule_id", rule.ID),
		zap.String("provenance", string(rule.Provenance)),
		zap.String("detail", detail),
	)
}

// DecayIdle applies idle decay to rules unused for longer than the
// configured age. Returns the number of rules decayed. Called from the
// maintenance path, never from Match.
func (s *Store) DecayIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	decayed := 0
	for id, rule := range s.rules {
		if rule.State != StateActive && rule.State != StateDecaying {
			continue
		}
		ref := rule.LastUsed
		if ref.IsZero() {
			ref = rule.CreatedAt
		}
		if now.Sub(ref) < s.config.IdleDecayAge {
			continue
		}
		if err := s.updateConfidenceLocked(id, -s.config.IdleDecayDelta, ChangeConfidence); err == nil {
			decayed++
		}
	}
	return decayed
}

// Audit returns a copy of the change log.
func (s *Store) Audit() []ChangeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ChangeRecord, len(s.audit))
	copy(out, s.audit)
	return out
}

// Snapshot returns copies of every rule for persistence.
func (s *Store) Snapshot() []*Rule {
	return s.List()
}

// Restore replaces the store contents with a persisted rule set.
func (s *Store) Restore(snapshot []*Rule) error {
	for _, r := range snapshot {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("restoring rule %s: %w", r.ID, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	restored := make(map[string]*Rule, len(snapshot))
	for _, r := range snapshot {
		if _, exists := restored[r.ID]; exists {
			return fmt.Errorf("%w: %s in snapshot", ErrDuplicateID, r.ID)
		}
		restored[r.ID] = r.clone()
	}
	s.rules = restored
	return nil
}

// Len returns the number of live (non-retired) rules.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveCountLocked()
}

func (s *Store) liveCountLocked() int {
	n := 0
	for _, r := range s.rules {
		if r.State != StateRetired {
			n++
		}
	}
	return n
}

// evictLocked retires the lowest-confidence synthesized rule to free
// capacity. User-authored rules are never evicted. Returns false when
// nothing can be freed.
func (s *Store) evictLocked() bool {
	var victim *Rule
	for _, r := range s.rules {
		if r.State == StateRetired || r.Provenance != ProvenanceSynthesized {
			continue
		}
		if victim == nil ||
			r.Confidence < victim.Confidence ||
			(r.Confidence == victim.Confidence && r.ID < victim.ID) {
			victim = r
		}
	}
	if victim == nil {
		return false
	}

	victim.State = StateRetired
	victim.UpdatedAt = timeNow()
	s.appendAuditLocked(ChangeEvict, victim.ID, fmt.Sprintf("confidence=%.3f", victim.Confidence))
	return true
}

func (s *Store) appendAuditLocked(op ChangeOp, ruleID, detail string) {
	s.audit = append(s.audit, ChangeRecord{
		Timestamp: timeNow(),
		Op:        op,
		RuleID:    ruleID,
		Detail:    detail,
	})
}
