package qlearn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiternet/arbiter/internal/core"
)

func TestUpdateFollowsTDRule(t *testing.T) {
	l := New(Options{})

	// First update from zero: Q = 0 + α(r + γ·0 − 0) = 0.5.
	got := l.Update("design:low", "allow", 1.0, "design:low")
	assert.InDelta(t, 0.5, got, 1e-9)

	// Second update: target = 1 + 0.9·0.5 = 1.45, Q = 0.5 + 0.5·0.95.
	got = l.Update("design:low", "allow", 1.0, "design:low")
	assert.InDelta(t, 0.975, got, 1e-9)

	assert.InDelta(t, 0.975, l.Value("design:low", "allow"), 1e-9)
	assert.Equal(t, 0.0, l.Value("design:low", "unknown"))
}

func TestRepeatedRewardConverges(t *testing.T) {
	l := New(Options{ConsolidateEvery: 10000})
	for i := 0; i < 200; i++ {
		l.Update("s", "a", 1.0, "terminal")
	}
	// Fixed point of Q = r + γ·max(terminal) with empty terminal is 1.
	assert.InDelta(t, 1.0, l.Value("s", "a"), 0.01)
}

func TestBestAction(t *testing.T) {
	l := New(Options{})
	l.Update("s", "block", 0.0, "t")
	l.Update("s", "allow", 1.0, "t")
	l.Update("s", "allow", 1.0, "t")

	action, q := l.BestAction("s")
	assert.Equal(t, "allow", action)
	assert.Greater(t, q, 0.5)

	action, _ = l.BestAction("unseen")
	assert.Empty(t, action)
}

func TestImportanceTracksTDVariance(t *testing.T) {
	l := New(Options{ConsolidateEvery: 10000})

	// Alternating rewards keep the TD error noisy.
	for i := 0; i < 50; i++ {
		r := 1.0
		if i%2 == 1 {
			r = -1.0
		}
		l.Update("noisy", "a", r, "t")
	}
	// A steady reward stream settles and its TD variance shrinks.
	for i := 0; i < 50; i++ {
		l.Update("steady", "a", 0.5, "t")
	}

	assert.Greater(t, l.Importance("noisy", "a"), l.Importance("steady", "a"))
}

func TestConsolidationSlowsImportantEntries(t *testing.T) {
	l := New(Options{ConsolidateEvery: 20, Lambda: 5})

	// Build an important entry with a noisy reward stream, crossing the
	// consolidation boundary at episode 20.
	for i := 0; i < 20; i++ {
		r := 1.0
		if i%2 == 1 {
			r = -1.0
		}
		l.Update("s", "a", r, "t")
	}
	require.Equal(t, 1, l.Snapshot().Consolidations)
	require.Greater(t, l.Importance("s", "a"), 0.0)
	snap := l.Value("s", "a")

	// Pull both the guarded entry and a fresh one toward reward 1 with
	// the same number of updates. The guarded entry resists leaving its
	// snapshot; the fresh one runs all the way.
	for i := 0; i < 10; i++ {
		l.Update("s", "a", 1.0, "t")
		l.Update("fresh", "a", 1.0, "t")
	}
	guardedDrift := math.Abs(l.Value("s", "a") - snap)
	freshDrift := math.Abs(l.Value("fresh", "a"))

	assert.Less(t, guardedDrift, freshDrift)
}

func TestRewardMapping(t *testing.T) {
	assert.Equal(t, 1.0, RewardForOutcome(core.OutcomeAllow, false))
	assert.Equal(t, 0.5, RewardForOutcome(core.OutcomeModified, false))
	assert.Equal(t, 0.25, RewardForOutcome(core.OutcomeDeferred, false))
	assert.Equal(t, 0.0, RewardForOutcome(core.OutcomeBlocked, false))
	assert.Equal(t, -0.5, RewardForOutcome(core.OutcomeBlocked, true))
	assert.Equal(t, -0.5, RewardForOutcome(core.OutcomeAllow, true))
}

func TestBrierScoreWindows(t *testing.T) {
	l := New(Options{})
	assert.Equal(t, 0.0, l.BrierScore())

	// Perfect predictions score zero.
	for i := 0; i < 10; i++ {
		l.RecordPrediction(1.0, true)
		l.RecordPrediction(0.0, false)
	}
	assert.InDelta(t, 0.0, l.BrierScore(), 1e-9)

	// Uniform coin-flip predictions score the 0.25 baseline.
	l2 := New(Options{})
	for i := 0; i < 10; i++ {
		l2.RecordPrediction(0.5, i%2 == 0)
	}
	assert.InDelta(t, 0.25, l2.BrierScore(), 1e-9)
}

func TestCalibrationWindowBounded(t *testing.T) {
	l := New(Options{CalibrationCap: 5})
	for i := 0; i < 20; i++ {
		l.RecordPrediction(1.0, false) // worst-case predictions
	}
	assert.Equal(t, 5, l.Snapshot().Calibrations)
	assert.InDelta(t, 1.0, l.BrierScore(), 1e-9)
}

func TestSnapshotAggregates(t *testing.T) {
	l := New(Options{})
	l.Update("s1", "a", 1.0, "t")
	l.Update("s2", "a", 1.0, "t")

	s := l.Snapshot()
	assert.Equal(t, 2, s.Episodes)
	assert.Equal(t, 2, s.Entries)
	assert.InDelta(t, 0.5, s.AvgQ, 1e-9)
}
