// Package trace keeps a bounded in-memory ring of decision records so
// operators can inspect what the pipeline decided and why. Eviction is
// oldest-first; the chain is the durable record, the tracer is the
// queryable window.
package trace

import (
	"sync"

	"github.com/arbiternet/arbiter/internal/core"
)

// DefaultCapacity is the ring size when the settings leave it zero.
const DefaultCapacity = 500

// Summary aggregates the current window.
type Summary struct {
	Total      int                            `json:"total"`
	ByOutcome  map[core.Outcome]int           `json:"by_outcome"`
	ByDomain   map[string]int                 `json:"by_domain"`
	ByLevel    map[core.InterventionLevel]int `json:"by_level"`
	AvgStepsMs float64                        `json:"avg_steps_ms"`
}

// Tracer is a fixed-capacity ring of decision records.
type Tracer struct {
	mu   sync.RWMutex
	ring []core.DecisionRecord
	head int // next write position
	full bool
	byID map[string]int // record id → ring index
}

// New creates a tracer; capacity <= 0 uses DefaultCapacity.
func New(capacity int) *Tracer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tracer{
		ring: make([]core.DecisionRecord, capacity),
		byID: make(map[string]int, capacity),
	}
}

// Record appends a decision, evicting the oldest when full.
func (t *Tracer) Record(rec core.DecisionRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.full {
		delete(t.byID, t.ring[t.head].ID)
	}
	t.ring[t.head] = rec
	t.byID[rec.ID] = t.head
	t.head++
	if t.head == len(t.ring) {
		t.head = 0
		t.full = true
	}
}

// Len reports how many records the window currently holds.
func (t *Tracer) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lenLocked()
}

func (t *Tracer) lenLocked() int {
	if t.full {
		return len(t.ring)
	}
	return t.head
}

// Recent returns up to n records, newest first. n <= 0 returns all.
func (t *Tracer) Recent(n int) []core.DecisionRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.filterLocked(n, func(core.DecisionRecord) bool { return true })
}

// ByID returns the record and true, or false when evicted or unknown.
func (t *Tracer) ByID(id string) (core.DecisionRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byID[id]
	if !ok {
		return core.DecisionRecord{}, false
	}
	return t.ring[idx], true
}

// ByDomain returns up to n records for a domain, newest first.
func (t *Tracer) ByDomain(domain string, n int) []core.DecisionRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.filterLocked(n, func(r core.DecisionRecord) bool { return r.Domain == domain })
}

// ByUser returns up to n records for a user, newest first.
func (t *Tracer) ByUser(userID string, n int) []core.DecisionRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.filterLocked(n, func(r core.DecisionRecord) bool { return r.UserID == userID })
}

// filterLocked walks newest to oldest collecting matches.
func (t *Tracer) filterLocked(n int, keep func(core.DecisionRecord) bool) []core.DecisionRecord {
	count := t.lenLocked()
	var out []core.DecisionRecord
	for i := 0; i < count; i++ {
		idx := t.head - 1 - i
		if idx < 0 {
			idx += len(t.ring)
		}
		if !keep(t.ring[idx]) {
			continue
		}
		out = append(out, t.ring[idx])
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

// Summarize aggregates outcome, domain, and level counts over the
// whole window plus the mean pipeline duration in milliseconds.
func (t *Tracer) Summarize() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Summary{
		ByOutcome: make(map[core.Outcome]int),
		ByDomain:  make(map[string]int),
		ByLevel:   make(map[core.InterventionLevel]int),
	}
	count := t.lenLocked()
	var totalMs float64
	for i := 0; i < count; i++ {
		idx := t.head - 1 - i
		if idx < 0 {
			idx += len(t.ring)
		}
		r := t.ring[idx]
		s.Total++
		s.ByOutcome[r.Outcome]++
		s.ByDomain[r.Domain]++
		s.ByLevel[r.Intervention]++
		totalMs += float64(r.Duration.Milliseconds())
	}
	if s.Total > 0 {
		s.AvgStepsMs = totalMs / float64(s.Total)
	}
	return s
}
