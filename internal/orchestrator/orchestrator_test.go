package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiternet/arbiter/internal/chain"
	"github.com/arbiternet/arbiter/internal/circuitbreaker"
	"github.com/arbiternet/arbiter/internal/core"
	"github.com/arbiternet/arbiter/internal/events"
	"github.com/arbiternet/arbiter/internal/graph"
	"github.com/arbiternet/arbiter/internal/monitoring"
	"github.com/arbiternet/arbiter/internal/policy"
	"github.com/arbiternet/arbiter/internal/qlearn"
	"github.com/arbiternet/arbiter/internal/session"
	"github.com/arbiternet/arbiter/internal/skills"
	"github.com/arbiternet/arbiter/internal/trace"
)

type fixture struct {
	orch  *Orchestrator
	chain *chain.Chain
	bus   *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ch, err := chain.New(chain.Config{ProducerID: "node-test"}, chain.NewMemoryStore())
	require.NoError(t, err)

	reg := skills.NewRegistry(skills.Options{})
	for _, d := range policy.Domains() {
		d := d
		reg.Register(d.Name, d.Handler, func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"handled_by": d.Handler}, nil
		})
	}

	bus := events.NewBus()
	return &fixture{
		orch: &Orchestrator{
			NodeID:   "node-test",
			Sessions: session.NewManager(session.Options{}),
			Registry: reg,
			Tracer:   trace.New(100),
			Chain:    ch,
			Graph:    graph.NewStore(),
			Learner:  qlearn.New(qlearn.Options{}),
			Alerts:   monitoring.NewAlertManager(monitoring.Thresholds{}, bus, nil),
			Bus:      bus,
		},
		chain: ch,
		bus:   bus,
	}
}

func event(content, user string, kind core.EventKind) core.DecisionEvent {
	return core.DecisionEvent{Kind: kind, Source: core.SourceTool, Content: content, UserID: user}
}

func trustOf(v float64) *float64 { return &v }

func TestCriticalContentFromObserverIsBlocked(t *testing.T) {
	f := newFixture(t)

	rec := f.orch.Process(context.Background(),
		event("rm -rf /", "mallory", core.EventUserPrompt),
		Opts{Trust: trustOf(10)})

	assert.Equal(t, core.RiskCritical, rec.Risk)
	assert.Equal(t, core.TierObserver, rec.Tier)
	assert.Equal(t, core.InterventionBlock, rec.Intervention)
	assert.Equal(t, core.OutcomeBlocked, rec.Outcome)
	assert.Equal(t, "protection", rec.Domain)
	require.NotNil(t, rec.Judgment, "protection invocation is attached")
	assert.True(t, rec.Judgment.OK)

	stages := stagesOf(rec)
	assert.Contains(t, stages, "judge")
	assert.Contains(t, stages, "record")

	// The decision is durable in the tracer.
	got, ok := f.orch.Tracer.ByID(rec.ID)
	require.True(t, ok)
	assert.Equal(t, core.OutcomeBlocked, got.Outcome)
}

func TestLowRiskGuardianIsSilentAllow(t *testing.T) {
	f := newFixture(t)

	rec := f.orch.Process(context.Background(),
		event("design a new API", "alice", core.EventUserPrompt),
		Opts{Trust: trustOf(70), AutoInvokeSkill: true})

	assert.Equal(t, core.RiskLow, rec.Risk)
	assert.Equal(t, core.TierGuardian, rec.Tier)
	assert.Equal(t, core.InterventionSilent, rec.Intervention)
	assert.Equal(t, core.OutcomeAllow, rec.Outcome)
	assert.Equal(t, "design", rec.Domain)
	require.NotNil(t, rec.SkillResult)
	assert.Equal(t, "architect", rec.SkillResult.Result["handled_by"])
	assert.Nil(t, rec.Judgment, "low risk needs no judgment")
}

func TestWisdomRouting(t *testing.T) {
	f := newFixture(t)

	rec := f.orch.Process(context.Background(),
		event("what is the meaning of this?", "alice", core.EventUserPrompt),
		Opts{Trust: trustOf(70)})

	assert.Equal(t, "wisdom", rec.Domain)
	assert.Equal(t, core.InterventionSilent, rec.Intervention)
}

func TestErrorEventDefaultsToAnalysis(t *testing.T) {
	f := newFixture(t)

	rec := f.orch.Process(context.Background(),
		event("", "alice", core.EventError), Opts{})

	assert.Equal(t, "analysis", rec.Domain)
}

func TestConfidenceNeverExceedsCap(t *testing.T) {
	f := newFixture(t)

	rec := f.orch.Process(context.Background(),
		event("design a new API", "alice", core.EventUserPrompt), Opts{})
	assert.LessOrEqual(t, rec.Confidence, core.PhiInverse)
	assert.Greater(t, rec.Confidence, 0.0)
}

func TestCancellationRecordsBlockedWithNote(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := f.orch.Process(ctx, event("design a new API", "alice", core.EventUserPrompt), Opts{})
	assert.Equal(t, core.OutcomeBlocked, rec.Outcome)

	var sawCancel bool
	for _, s := range rec.Steps {
		if s.Stage == "cancel" && s.Note == "cancelled" {
			sawCancel = true
		}
	}
	assert.True(t, sawCancel)

	// Cancelled decisions stay out of the chain but land in the trace.
	assert.Equal(t, 0, f.chain.Status().Pending)
	_, ok := f.orch.Tracer.ByID(rec.ID)
	assert.True(t, ok)
}

func TestJudgmentAppendsToChain(t *testing.T) {
	f := newFixture(t)

	f.orch.Process(context.Background(), event("design a new API", "alice", core.EventUserPrompt), Opts{})
	assert.Equal(t, 1, f.chain.Status().Pending)

	b, err := f.chain.CloseSlot()
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Len(t, b.Judgments, 1)
}

func TestChainWriteFailureRaisesAlert(t *testing.T) {
	f := newFixture(t)
	f.chain.SetReadOnly(true)

	rec := f.orch.Process(context.Background(),
		event("design a new API", "alice", core.EventUserPrompt), Opts{})

	// Outcome is unchanged; the record lives in the trace only.
	assert.Equal(t, core.OutcomeAllow, rec.Outcome)
	assert.True(t, f.orch.Alerts.IsActive(monitoring.AlertChainWriteFail))
	_, ok := f.orch.Tracer.ByID(rec.ID)
	assert.True(t, ok)

	var recordStep *core.TraceStep
	for i := range rec.Steps {
		if rec.Steps[i].Stage == "record" {
			recordStep = &rec.Steps[i]
		}
	}
	require.NotNil(t, recordStep)
	assert.False(t, recordStep.OK)
}

func TestProtectionCircuitOpenSemantics(t *testing.T) {
	f := newFixture(t)

	// Replace the protection dog with a registry whose breaker is
	// already tripped.
	reg := skills.NewRegistry(skills.Options{BreakerDefault: circuitbreaker.Config{BaseBackoff: time.Minute}})
	for _, d := range policy.Domains() {
		d := d
		reg.Register(d.Name, d.Handler, func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{}, nil
		})
	}
	reg.Breakers().Get("protection").Trip()
	f.orch.Registry = reg

	// High risk with protection down defers.
	rec := f.orch.Process(context.Background(),
		event("deploy to production", "alice", core.EventUserPrompt),
		Opts{Trust: trustOf(70)})
	assert.Equal(t, core.RiskHigh, rec.Risk)
	assert.Equal(t, core.OutcomeDeferred, rec.Outcome)
	noteOf := func(stage string) string {
		for _, s := range rec.Steps {
			if s.Stage == stage {
				return s.Note
			}
		}
		return ""
	}
	assert.Equal(t, "protection-unavailable", noteOf("judge"))

	// Low risk with a forced judgment stays allow.
	rec = f.orch.Process(context.Background(),
		event("design a new API", "alice", core.EventUserPrompt),
		Opts{Trust: trustOf(70), RequestJudgment: true})
	assert.Equal(t, core.OutcomeAllow, rec.Outcome)
}

func TestAskLevelDefers(t *testing.T) {
	f := newFixture(t)

	// Medium risk at contributor tier asks for confirmation.
	rec := f.orch.Process(context.Background(),
		event("refactor the session package", "carol", core.EventUserPrompt),
		Opts{Trust: trustOf(20), AutoInvokeSkill: true})

	assert.Equal(t, core.RiskMedium, rec.Risk)
	assert.Equal(t, core.TierContributor, rec.Tier)
	assert.Equal(t, core.InterventionAsk, rec.Intervention)
	assert.Equal(t, core.OutcomeDeferred, rec.Outcome)
	assert.Nil(t, rec.SkillResult, "ask never auto-invokes")
}

func TestJudgedEdgeCreated(t *testing.T) {
	f := newFixture(t)

	f.orch.Process(context.Background(), event("design a new API", "alice", core.EventUserPrompt), Opts{})

	self := f.orch.Graph.GetNodeByKey(graph.NodeNode, "node-test")
	subject := f.orch.Graph.GetNodeByKey(graph.NodeUser, "alice")
	require.NotNil(t, self)
	require.NotNil(t, subject)

	edges := f.orch.Graph.OutEdges(self.ID, graph.EdgeJudged)
	require.Len(t, edges, 1)
	assert.Equal(t, subject.ID, edges[0].TargetID)
}

func TestDecisionEventPublished(t *testing.T) {
	f := newFixture(t)
	ch := f.bus.Subscribe(events.TypeDecisionRecorded)

	rec := f.orch.Process(context.Background(), event("design a new API", "alice", core.EventUserPrompt), Opts{})

	select {
	case e := <-ch:
		assert.Equal(t, rec.ID, e.Subject)
		assert.Equal(t, "design", e.Data["domain"])
	case <-time.After(time.Second):
		t.Fatal("no decision event published")
	}
}

func TestLearnerReceivesSignal(t *testing.T) {
	f := newFixture(t)

	f.orch.Process(context.Background(), event("design a new API", "alice", core.EventUserPrompt), Opts{})
	stats := f.orch.Learner.Snapshot()
	assert.Equal(t, 1, stats.Episodes)
	assert.Greater(t, f.orch.Learner.Value("design:low", "allow"), 0.0)
}

func TestSameUserSerializesDistinctUsersRun(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for _, user := range []string{"alice", "bob", "alice", "bob", "carol"} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			f.orch.Process(context.Background(), event("design a new API", u, core.EventUserPrompt), Opts{})
		}(user)
	}
	wg.Wait()

	assert.Equal(t, 5, f.orch.Tracer.Len())
	assert.Equal(t, 5, f.chain.Status().Pending)
}

func stagesOf(rec core.DecisionRecord) []string {
	out := make([]string, len(rec.Steps))
	for i, s := range rec.Steps {
		out[i] = s.Stage
	}
	return out
}
