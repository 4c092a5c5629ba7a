package trace

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiternet/arbiter/internal/core"
)

func rec(id, domain, user string, outcome core.Outcome) core.DecisionRecord {
	return core.DecisionRecord{
		ID:        id,
		Domain:    domain,
		UserID:    user,
		Outcome:   outcome,
		Duration:  10 * time.Millisecond,
		Timestamp: time.Now(),
	}
}

func TestRecentNewestFirst(t *testing.T) {
	tr := New(10)
	for i := 0; i < 5; i++ {
		tr.Record(rec(fmt.Sprintf("d-%d", i), "design", "alice", core.OutcomeAllow))
	}

	got := tr.Recent(3)
	require.Len(t, got, 3)
	assert.Equal(t, "d-4", got[0].ID)
	assert.Equal(t, "d-3", got[1].ID)
	assert.Equal(t, "d-2", got[2].ID)

	assert.Len(t, tr.Recent(0), 5)
	assert.Equal(t, 5, tr.Len())
}

func TestRingEvictsOldest(t *testing.T) {
	tr := New(3)
	for i := 0; i < 5; i++ {
		tr.Record(rec(fmt.Sprintf("d-%d", i), "design", "alice", core.OutcomeAllow))
	}

	assert.Equal(t, 3, tr.Len())
	got := tr.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, "d-4", got[0].ID)
	assert.Equal(t, "d-2", got[2].ID)

	_, ok := tr.ByID("d-0")
	assert.False(t, ok, "evicted record is gone")
	_, ok = tr.ByID("d-1")
	assert.False(t, ok)
	r, ok := tr.ByID("d-3")
	require.True(t, ok)
	assert.Equal(t, "d-3", r.ID)
}

func TestByDomainAndByUser(t *testing.T) {
	tr := New(10)
	tr.Record(rec("a", "design", "alice", core.OutcomeAllow))
	tr.Record(rec("b", "wisdom", "bob", core.OutcomeDeferred))
	tr.Record(rec("c", "design", "bob", core.OutcomeBlocked))

	design := tr.ByDomain("design", 0)
	require.Len(t, design, 2)
	assert.Equal(t, "c", design[0].ID)
	assert.Equal(t, "a", design[1].ID)

	bob := tr.ByUser("bob", 1)
	require.Len(t, bob, 1)
	assert.Equal(t, "c", bob[0].ID)

	assert.Empty(t, tr.ByDomain("cleanup", 0))
}

func TestSummarize(t *testing.T) {
	tr := New(10)
	tr.Record(rec("a", "design", "alice", core.OutcomeAllow))
	tr.Record(rec("b", "design", "alice", core.OutcomeAllow))
	tr.Record(rec("c", "protection", "bob", core.OutcomeBlocked))

	s := tr.Summarize()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.ByOutcome[core.OutcomeAllow])
	assert.Equal(t, 1, s.ByOutcome[core.OutcomeBlocked])
	assert.Equal(t, 2, s.ByDomain["design"])
	assert.InDelta(t, 10.0, s.AvgStepsMs, 0.001)
}

func TestDefaultCapacity(t *testing.T) {
	tr := New(0)
	for i := 0; i < DefaultCapacity+20; i++ {
		tr.Record(rec(fmt.Sprintf("d-%d", i), "design", "alice", core.OutcomeAllow))
	}
	assert.Equal(t, DefaultCapacity, tr.Len())
}
