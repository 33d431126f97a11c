// Package events provides the append-only interaction history for decisiond.
//
// The learning loop owns the log and appends one record per decision cycle;
// the pattern detector reads bounded windows from it. Retention is policy
// driven: a maximum record count and an optional maximum age.
package events

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/decisiond/internal/rules"
)

// ErrNotFound indicates a referenced event id is missing.
var ErrNotFound = errors.New("event not found")

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// Outcome classifies the observed result of an executed action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeNeutral Outcome = "neutral"
)

// Event is one record of the decision history.
type Event struct {
	// ID is the unique event identifier (UUID).
	ID string `json:"id"`

	// Timestamp is when the outcome was recorded.
	Timestamp time.Time `json:"timestamp"`

	// Context is the attribute snapshot the decision was made against.
	Context map[string]string `json:"context"`

	// RuleIDs are the rules that matched the context, best first.
	RuleIDs []string `json:"rule_ids,omitempty"`

	// Action is the action that was executed.
	Action rules.Action `json:"action"`

	// Source identifies where the recommendation came from
	// ("rule:<id>", "memory:<node-id>", or "none").
	Source string `json:"source"`

	// Outcome classifies the result.
	Outcome Outcome `json:"outcome"`

	// Detail carries outcome detail such as "timeout".
	Detail string `json:"detail,omitempty"`

	// Reward is an optional outcome scalar.
	Reward float64 `json:"reward,omitempty"`
}

// Stats summarizes the outcome distribution of the retained history.
type Stats struct {
	Total     int `json:"total"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
	Neutral   int `json:"neutral"`
}

// SuccessRate returns successes over decided (non-neutral) outcomes,
// defaulting to 1.0 when nothing has been decided yet.
func (s Stats) SuccessRate() float64 {
	decided := s.Successes + s.Failures
	if decided == 0 {
		return 1.0
	}
	return float64(s.Successes) / float64(decided)
}

// Log is a bounded, time-ordered, append-only event history.
type Log struct {
	mu        sync.RWMutex
	records   []Event
	retention int
	maxAge    time.Duration
}

// NewLog creates a log retaining at most retention records. A maxAge of zero
// disables age-based eviction.
func NewLog(retention int, maxAge time.Duration) *Log {
	if retention < 1 {
		retention = 1
	}
	return &Log{
		retention: retention,
		maxAge:    maxAge,
	}
}

// Append adds a record, assigning an id and timestamp if unset, and evicts
// the oldest records beyond the retention policy. Returns the event id.
func (l *Log) Append(e Event) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = timeNow()
	}
	l.records = append(l.records, e)
	l.evictLocked()
	return e.ID
}

// Override replaces the outcome of a retained event. Human feedback is
// authoritative over executor-reported outcomes.
func (l *Log) Override(id string, outcome Outcome, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.records {
		if l.records[i].ID == id {
			l.records[i].Outcome = outcome
			l.records[i].Detail = detail
			return nil
		}
	}
	return ErrNotFound
}

// Window returns copies of the most recent n records in time order.
func (l *Log) Window(n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n > len(l.records) {
		n = len(l.records)
	}
	out := make([]Event, n)
	copy(out, l.records[len(l.records)-n:])
	return out
}

// All returns copies of every retained record in time order.
func (l *Log) All() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, len(l.records))
	copy(out, l.records)
	return out
}

// Restore replaces the log contents with a persisted history. Persisted
// order is not trusted: records are re-sorted by timestamp, ties broken by
// id, so position-based windows and eviction stay correct.
func (l *Log) Restore(records []Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append([]Event(nil), records...)
	sort.SliceStable(l.records, func(a, b int) bool {
		if !l.records[a].Timestamp.Equal(l.records[b].Timestamp) {
			return l.records[a].Timestamp.Before(l.records[b].Timestamp)
		}
		return l.records[a].ID < l.records[b].ID
	})
	l.evictLocked()
}

// Len returns the number of retained records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Stats returns the outcome distribution over the most recent n records
// (all records when n <= 0).
func (l *Log) Stats(n int) Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	records := l.records
	if n > 0 && n < len(records) {
		records = records[len(records)-n:]
	}

	var s Stats
	for _, e := range records {
		s.Total++
		switch e.Outcome {
		case OutcomeSuccess:
			s.Successes++
		case OutcomeFailure:
			s.Failures++
		default:
			s.Neutral++
		}
	}
	return s
}

func (l *Log) evictLocked() {
	if len(l.records) > l.retention {
		l.records = append([]Event(nil), l.records[len(l.records)-l.retention:]...)
	}
	if l.maxAge > 0 {
		cutoff := timeNow().Add(-l.maxAge)
		first := 0
		for first < len(l.records) && l.records[first].Timestamp.Before(cutoff) {
			first++
		}
		if first > 0 {
			l.records = append([]Event(nil), l.records[first:]...)
		}
	}
}
