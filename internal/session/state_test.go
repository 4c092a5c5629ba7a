package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiternet/arbiter/internal/core"
)

type fakeStore struct {
	values map[string]float64
	fail   bool
	saves  int
}

func (f *fakeStore) LoadTrust(ctx context.Context, userID string) (float64, bool, error) {
	if f.fail {
		return 0, false, errors.New("store down")
	}
	v, ok := f.values[userID]
	return v, ok, nil
}

func (f *fakeStore) SaveTrust(ctx context.Context, userID string, value float64) error {
	if f.fail {
		return errors.New("store down")
	}
	f.saves++
	f.values[userID] = value
	return nil
}

func TestEnsureDefaultsToBuilder(t *testing.T) {
	m := NewManager(Options{})
	s := m.Ensure(context.Background(), "alice")
	assert.Equal(t, DefaultTrust, s.Trust)
	assert.Equal(t, core.TierBuilder, s.Tier)
	assert.Equal(t, 1, m.Len())
}

func TestEnsureLoadsPersistedTrust(t *testing.T) {
	store := &fakeStore{values: map[string]float64{"alice": 80}}
	m := NewManager(Options{Store: store})

	s := m.Ensure(context.Background(), "alice")
	assert.Equal(t, 80.0, s.Trust)
	assert.Equal(t, core.TierGuardian, s.Tier)
}

func TestEnsureToleratesStoreFailure(t *testing.T) {
	m := NewManager(Options{Store: &fakeStore{fail: true}})
	s := m.Ensure(context.Background(), "alice")
	assert.Equal(t, DefaultTrust, s.Trust)
	assert.Equal(t, core.TierBuilder, s.Tier)
}

func TestSetTrustClampsAndSaves(t *testing.T) {
	store := &fakeStore{values: map[string]float64{}}
	m := NewManager(Options{Store: store})
	m.Ensure(context.Background(), "alice")

	s := m.SetTrust(context.Background(), "alice", 150)
	assert.Equal(t, 100.0, s.Trust)
	assert.Equal(t, core.TierGuardian, s.Tier)
	assert.Equal(t, 1, store.saves)

	s = m.SetTrust(context.Background(), "alice", -5)
	assert.Equal(t, 0.0, s.Trust)
	assert.Equal(t, core.TierObserver, s.Tier)
}

func TestTrackEventBounded(t *testing.T) {
	m := NewManager(Options{})
	m.Ensure(context.Background(), "alice")

	for i := 0; i < 15; i++ {
		m.TrackEvent("alice", core.EventToolUse)
	}
	s, ok := m.Get("alice")
	require.True(t, ok)
	assert.Len(t, s.RecentEvents, maxRecentEvents)
}

func TestMatchFeedbackWithinTTL(t *testing.T) {
	m := NewManager(Options{})
	m.Ensure(context.Background(), "alice")

	_, ok := m.MatchFeedback("alice")
	assert.False(t, ok, "no judgment recorded yet")

	m.RecordLastJudgment("alice", "dec-1")
	id, ok := m.MatchFeedback("alice")
	require.True(t, ok)
	assert.Equal(t, "dec-1", id)
}

func TestMatchFeedbackExpired(t *testing.T) {
	m := NewManager(Options{})
	m.Ensure(context.Background(), "alice")
	m.RecordLastJudgment("alice", "dec-1")

	// Age the link past the TTL.
	m.mu.Lock()
	m.sessions["alice"].LastJudgmentAt = time.Now().Add(-FeedbackTTL - time.Minute)
	m.mu.Unlock()

	_, ok := m.MatchFeedback("alice")
	assert.False(t, ok)
}

func TestSuggestionLifecycle(t *testing.T) {
	m := NewManager(Options{})
	m.Ensure(context.Background(), "alice")

	m.AddSuggestion("alice", core.Suggestion{ID: "sg-1", Trigger: "error-pattern"})
	m.AddSuggestion("alice", core.Suggestion{ID: "sg-2", Trigger: "deadline-near"})
	s, _ := m.Get("alice")
	assert.Len(t, s.PendingSuggestions, 2)

	m.RemoveSuggestion("alice", "sg-1")
	s, _ = m.Get("alice")
	require.Len(t, s.PendingSuggestions, 1)
	assert.Equal(t, "sg-2", s.PendingSuggestions[0].ID)
}

func TestEvictIdle(t *testing.T) {
	m := NewManager(Options{IdleTTL: time.Hour})
	m.Ensure(context.Background(), "alice")
	m.Ensure(context.Background(), "bob")

	m.mu.Lock()
	m.sessions["alice"].LastSeenAt = time.Now().Add(-2 * time.Hour)
	m.mu.Unlock()

	assert.Equal(t, 1, m.EvictIdle())
	_, ok := m.Get("alice")
	assert.False(t, ok)
	_, ok = m.Get("bob")
	assert.True(t, ok)
}

func TestTrustDecayOnRead(t *testing.T) {
	m := NewManager(Options{TrustHalfLife: 24 * time.Hour})
	m.Ensure(context.Background(), "alice")
	m.SetTrust(context.Background(), "alice", 90)

	// One half-life idle: read sees trust halfway back to neutral.
	m.mu.Lock()
	m.sessions["alice"].LastSeenAt = time.Now().Add(-24 * time.Hour)
	m.mu.Unlock()

	s, ok := m.Get("alice")
	require.True(t, ok)
	assert.InDelta(t, 70.0, s.Trust, 0.5)

	// The stored value is untouched.
	m.mu.RLock()
	stored := m.sessions["alice"].Trust
	m.mu.RUnlock()
	assert.Equal(t, 90.0, stored)
}

func TestUpdatePatch(t *testing.T) {
	m := NewManager(Options{})
	m.Ensure(context.Background(), "alice")

	project := "atlas"
	trust := 65.0
	s, ok := m.Update("alice", Patch{CurrentProject: &project, Trust: &trust})
	require.True(t, ok)
	assert.Equal(t, "atlas", s.CurrentProject)
	assert.Equal(t, 65.0, s.Trust)
	assert.Equal(t, core.TierGuardian, s.Tier)

	_, ok = m.Update("ghost", Patch{})
	assert.False(t, ok)
}
