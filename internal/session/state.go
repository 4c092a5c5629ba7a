// Package session keeps the per-user working state of the node: trust,
// tier, recent activity, pending suggestions, and the short-lived link
// between a judgment and the feedback that may follow it.
package session

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/arbiternet/arbiter/internal/core"
	"github.com/arbiternet/arbiter/internal/policy"
)

const (
	// DefaultTrust seeds unknown users at builder level.
	DefaultTrust = 50.0

	// FeedbackTTL bounds how long feedback can still be linked to the
	// user's last judgment.
	FeedbackTTL = 10 * time.Minute

	// DefaultIdleTTL evicts sessions untouched for this long.
	DefaultIdleTTL = 24 * time.Hour

	maxRecentEvents = 10
)

// TrustStore persists trust values across restarts. Both operations
// are best-effort: the session layer tolerates failures silently.
type TrustStore interface {
	LoadTrust(ctx context.Context, userID string) (value float64, ok bool, err error)
	SaveTrust(ctx context.Context, userID string, value float64) error
}

// EventEntry is one item of a session's recent-event window.
type EventEntry struct {
	Kind core.EventKind `json:"kind"`
	At   time.Time      `json:"at"`
}

// Session is the per-user container. Values returned by the manager
// are copies; mutate through the manager's operations.
type Session struct {
	UserID             string            `json:"user_id"`
	Trust              float64           `json:"trust"`
	Tier               core.TrustTier    `json:"tier"`
	CurrentProject     string            `json:"current_project,omitempty"`
	RecentEvents       []EventEntry      `json:"recent_events"`
	PendingSuggestions []core.Suggestion `json:"pending_suggestions"`
	LastJudgmentID     string            `json:"last_judgment_id,omitempty"`
	LastJudgmentAt     time.Time         `json:"last_judgment_at,omitempty"`
	LastSeenAt         time.Time         `json:"last_seen_at"`
}

// Patch mutates selected session fields; nil fields are untouched.
type Patch struct {
	CurrentProject *string
	Trust          *float64
}

// Options tunes the manager.
type Options struct {
	IdleTTL time.Duration
	// TrustHalfLife, when positive, decays idle trust toward the
	// neutral DefaultTrust on read without mutating stored state.
	TrustHalfLife time.Duration
	Thresholds    policy.TierThresholds
	Store         TrustStore // optional
}

// Manager owns all sessions.
type Manager struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	opts       Options
	thresholds policy.TierThresholds
	logger     *log.Logger
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	zero := policy.TierThresholds{}
	if opts.Thresholds == zero {
		opts.Thresholds = policy.DefaultTierThresholds()
	}
	return &Manager{
		sessions:   make(map[string]*Session),
		opts:       opts,
		thresholds: opts.Thresholds,
		logger:     log.New(log.Writer(), "[SESSION] ", log.LstdFlags),
	}
}

// Ensure returns the user's session, creating it on first sight. A new
// session loads trust from the store when one is configured; a load
// failure is tolerated and the default applies.
func (m *Manager) Ensure(ctx context.Context, userID string) Session {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if ok {
		s.LastSeenAt = time.Now()
		out := m.copyLocked(s)
		m.mu.Unlock()
		return out
	}

	s = &Session{
		UserID:     userID,
		Trust:      DefaultTrust,
		LastSeenAt: time.Now(),
	}
	s.Tier = m.thresholds.Tier(s.Trust)
	m.sessions[userID] = s
	m.mu.Unlock()

	if m.opts.Store != nil {
		if value, found, err := m.opts.Store.LoadTrust(ctx, userID); err != nil {
			m.logger.Printf("trust load for %s failed, using default: %v", userID, err)
		} else if found {
			m.setTrustInternal(userID, value, false)
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyLocked(m.sessions[userID])
}

// Get returns the session and whether it exists. Trust in the copy is
// decayed for idleness; the stored value is untouched.
func (m *Manager) Get(userID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return m.copyLocked(s), true
}

// Update applies a patch.
func (m *Manager) Update(userID string, p Patch) (Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok {
		m.mu.Unlock()
		return Session{}, false
	}
	if p.CurrentProject != nil {
		s.CurrentProject = *p.CurrentProject
	}
	if p.Trust != nil {
		s.Trust = clampTrust(*p.Trust)
		s.Tier = m.thresholds.Tier(s.Trust)
	}
	s.LastSeenAt = time.Now()
	out := m.copyLocked(s)
	m.mu.Unlock()
	return out, true
}

// SetTrust sets the trust value, recomputes the tier, and saves to the
// store best-effort.
func (m *Manager) SetTrust(ctx context.Context, userID string, value float64) Session {
	out := m.setTrustInternal(userID, value, true)
	if m.opts.Store != nil {
		if err := m.opts.Store.SaveTrust(ctx, userID, out.Trust); err != nil {
			m.logger.Printf("trust save for %s failed: %v", userID, err)
		}
	}
	return out
}

func (m *Manager) setTrustInternal(userID string, value float64, touch bool) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		s = &Session{UserID: userID, LastSeenAt: time.Now()}
		m.sessions[userID] = s
	}
	s.Trust = clampTrust(value)
	s.Tier = m.thresholds.Tier(s.Trust)
	if touch {
		s.LastSeenAt = time.Now()
	}
	return m.copyLocked(s)
}

// TrackEvent appends to the bounded recent-event window.
func (m *Manager) TrackEvent(userID string, kind core.EventKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return
	}
	s.RecentEvents = append(s.RecentEvents, EventEntry{Kind: kind, At: time.Now()})
	if len(s.RecentEvents) > maxRecentEvents {
		s.RecentEvents = s.RecentEvents[len(s.RecentEvents)-maxRecentEvents:]
	}
	s.LastSeenAt = time.Now()
}

// RecordLastJudgment links the user's most recent judgment for
// feedback matching.
func (m *Manager) RecordLastJudgment(userID, judgmentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return
	}
	s.LastJudgmentID = judgmentID
	s.LastJudgmentAt = time.Now()
	s.LastSeenAt = time.Now()
}

// MatchFeedback returns the last judgment id when it is still inside
// the feedback TTL; expired or absent links return "".
func (m *Manager) MatchFeedback(userID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[userID]
	if !ok || s.LastJudgmentID == "" {
		return "", false
	}
	if time.Since(s.LastJudgmentAt) > FeedbackTTL {
		return "", false
	}
	return s.LastJudgmentID, true
}

// AddSuggestion queues a pending suggestion on the session.
func (m *Manager) AddSuggestion(userID string, sg core.Suggestion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return
	}
	s.PendingSuggestions = append(s.PendingSuggestions, sg)
}

// RemoveSuggestion drops a pending suggestion by id.
func (m *Manager) RemoveSuggestion(userID, suggestionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return
	}
	kept := s.PendingSuggestions[:0]
	for _, sg := range s.PendingSuggestions {
		if sg.ID != suggestionID {
			kept = append(kept, sg)
		}
	}
	s.PendingSuggestions = kept
}

// EvictIdle removes sessions idle beyond the TTL and returns how many
// were evicted.
func (m *Manager) EvictIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, s := range m.sessions {
		if time.Since(s.LastSeenAt) > m.opts.IdleTTL {
			delete(m.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		m.logger.Printf("evicted %d idle sessions", evicted)
	}
	return evicted
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Users lists live session user ids.
func (m *Manager) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// copyLocked snapshots a session, applying read-time trust decay.
func (m *Manager) copyLocked(s *Session) Session {
	cp := *s
	cp.RecentEvents = append([]EventEntry(nil), s.RecentEvents...)
	cp.PendingSuggestions = append([]core.Suggestion(nil), s.PendingSuggestions...)
	if m.opts.TrustHalfLife > 0 {
		cp.Trust = decayTrust(s.Trust, time.Since(s.LastSeenAt), m.opts.TrustHalfLife)
		cp.Tier = m.thresholds.Tier(cp.Trust)
	}
	return cp
}

// decayTrust pulls trust toward the neutral default with the given
// half-life. Stored state never changes; only reads observe the decay.
func decayTrust(trust float64, idle, halfLife time.Duration) float64 {
	if idle <= 0 {
		return trust
	}
	factor := math.Pow(0.5, idle.Hours()/halfLife.Hours())
	return DefaultTrust + (trust-DefaultTrust)*factor
}

func clampTrust(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
