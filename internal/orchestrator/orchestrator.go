// Package orchestrator runs the decision pipeline. One call to Process
// takes an event through enrichment, classification, routing, optional
// judgment and synthesis, the act decision, and durable recording, and
// always comes back with a decision record, whatever failed along the
// way.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiternet/arbiter/internal/chain"
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

// Opts steers one Process call.
type Opts struct {
	// Trust, when set, is a fresh trust value supplied by the caller
	// and overrides the persisted one.
	Trust *float64
	// RequestJudgment forces the protection invocation even for low
	// risk events.
	RequestJudgment bool
	// RequestSynthesis invokes the routed domain's handler for a
	// synthesis pass.
	RequestSynthesis bool
	// AutoInvokeSkill lets the pipeline run the domain's preferred
	// tool when the intervention level permits acting.
	AutoInvokeSkill bool
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	NodeID string

	Sessions *session.Manager
	Registry *skills.Registry
	Tracer   *trace.Tracer
	Chain    *chain.Chain
	Graph    *graph.Store
	Learner  *qlearn.Learner
	Alerts   *monitoring.AlertManager
	Metrics  *monitoring.Metrics // optional
	Bus      events.Emitter      // optional

	Thresholds policy.TierThresholds

	// ConfidenceCap bounds every returned confidence. Zero means the
	// φ⁻¹ default.
	ConfidenceCap float64

	logger    *log.Logger
	userLocks sync.Map // user id → *sync.Mutex
	initOnce  sync.Once
}

func (o *Orchestrator) init() {
	o.initOnce.Do(func() {
		o.logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
		zero := policy.TierThresholds{}
		if o.Thresholds == zero {
			o.Thresholds = policy.DefaultTierThresholds()
		}
		if o.NodeID == "" {
			o.NodeID = "arbiter"
		}
		if o.ConfidenceCap <= 0 || o.ConfidenceCap > 1 {
			o.ConfidenceCap = core.PhiInverse
		}
	})
}

// Process runs the pipeline for one event. Events from the same user
// serialize in submission order; independent users run concurrently.
func (o *Orchestrator) Process(ctx context.Context, event core.DecisionEvent, opts Opts) core.DecisionRecord {
	o.init()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	mu := o.userLock(event.UserID)
	mu.Lock()
	defer mu.Unlock()

	started := time.Now()
	rec := core.DecisionRecord{
		ID:        uuid.NewString(),
		EventID:   event.ID,
		UserID:    event.UserID,
		Outcome:   core.OutcomeAllow,
		Timestamp: started,
	}
	cancelled := false

	// 1. Enrich: session state, caller-supplied or persisted trust.
	trust := o.step(&rec, "enrich", func() (string, error) {
		sess := o.Sessions.Ensure(ctx, event.UserID)
		if opts.Trust != nil {
			sess = o.Sessions.SetTrust(ctx, event.UserID, *opts.Trust)
		}
		o.Sessions.TrackEvent(event.UserID, event.Kind)
		rec.Tier = sess.Tier
		return "", nil
	}, func() interface{} {
		s, _ := o.Sessions.Get(event.UserID)
		return s.Trust
	}).(float64)

	if o.cancelled(ctx, &rec, &cancelled) {
		return o.record(ctx, event, &rec, started, cancelled)
	}

	// 2. Classify.
	o.step(&rec, "classify", func() (string, error) {
		rec.Risk = policy.DetectRisk(event.Content)
		rec.Tier = o.Thresholds.Tier(trust)
		rec.Intervention = policy.Intervention(rec.Tier, rec.Risk)
		return string(rec.Intervention), nil
	}, nil)

	// 3. Route.
	var route policy.Route
	o.step(&rec, "route", func() (string, error) {
		route = policy.RouteContent(event.Content, event.Kind)
		rec.Domain = route.Domain.Name
		return route.Domain.Name, nil
	}, nil)

	if o.cancelled(ctx, &rec, &cancelled) {
		return o.record(ctx, event, &rec, started, cancelled)
	}

	// 4. Judge: forced or risk-driven protection invocation. A high
	// risk event is protection business whatever the content routed to.
	if opts.RequestJudgment || rec.Risk >= core.RiskHigh {
		o.step(&rec, "judge", func() (string, error) {
			if rec.Risk >= core.RiskHigh {
				rec.Domain = "protection"
			}
			res, err := o.Registry.Invoke(ctx, "protection", map[string]interface{}{
				"content": event.Content,
				"risk":    rec.Risk.String(),
				"user_id": event.UserID,
			})
			rec.Judgment = &res
			if skills.IsCircuitOpen(res) {
				if rec.Risk >= core.RiskHigh {
					rec.Outcome = core.OutcomeDeferred
					return "protection-unavailable", nil
				}
				return "circuit-open", nil
			}
			if err != nil {
				return "", err
			}
			return "", nil
		}, nil)

		if o.cancelled(ctx, &rec, &cancelled) {
			return o.record(ctx, event, &rec, started, cancelled)
		}
	}

	// 5. Synthesize.
	if opts.RequestSynthesis {
		o.step(&rec, "synthesize", func() (string, error) {
			res, err := o.Registry.Invoke(ctx, rec.Domain, map[string]interface{}{
				"content": event.Content,
				"mode":    "synthesis",
			})
			rec.Synthesis = &res
			return "", err
		}, nil)
	}

	// 6. Act. Block never invokes; ask defers to the caller.
	o.step(&rec, "act", func() (string, error) {
		switch rec.Intervention {
		case core.InterventionBlock:
			rec.Outcome = core.OutcomeBlocked
			return "blocked", nil
		case core.InterventionAsk:
			if rec.Outcome != core.OutcomeDeferred {
				rec.Outcome = core.OutcomeDeferred
			}
			return "awaiting-confirmation", nil
		}
		if opts.AutoInvokeSkill && route.Domain.PreferredTool() != "" && rec.Outcome == core.OutcomeAllow {
			res, err := o.Registry.Invoke(ctx, route.Domain.Name, map[string]interface{}{
				"tool":    route.Domain.PreferredTool(),
				"content": event.Content,
			})
			rec.SkillResult = &res
			if err != nil {
				return "", err
			}
			return route.Domain.PreferredTool(), nil
		}
		return "", nil
	}, nil)

	o.cancelled(ctx, &rec, &cancelled)

	// 7 and 8: record everywhere, then return.
	return o.record(ctx, event, &rec, started, cancelled)
}

// step runs one pipeline stage, appending its trace step. A non-nil
// result callback supplies the step's return value after tracing.
func (o *Orchestrator) step(rec *core.DecisionRecord, stage string, fn func() (string, error), result func() interface{}) interface{} {
	start := time.Now()
	note, err := fn()
	ts := core.TraceStep{Stage: stage, Took: time.Since(start), OK: err == nil, Note: note}
	if err != nil {
		ts.Note = err.Error()
		o.logger.Printf("stage %s failed: %v", stage, err)
	}
	rec.Steps = append(rec.Steps, ts)
	if result != nil {
		return result()
	}
	return nil
}

// cancelled checks the context at a suspension point. The first
// cancellation flips the outcome to blocked with note cancelled.
func (o *Orchestrator) cancelled(ctx context.Context, rec *core.DecisionRecord, flag *bool) bool {
	if *flag {
		return true
	}
	if ctx.Err() == nil {
		return false
	}
	*flag = true
	rec.Outcome = core.OutcomeBlocked
	rec.Steps = append(rec.Steps, core.TraceStep{Stage: "cancel", OK: false, Note: "cancelled"})
	return true
}

// record is steps 7 and 8: chain, graph, trace, metrics, learning
// signal, event bus, and the finished record.
func (o *Orchestrator) record(ctx context.Context, event core.DecisionEvent, rec *core.DecisionRecord, started time.Time, cancelled bool) core.DecisionRecord {
	rec.Confidence = o.confidence(rec)
	rec.Duration = time.Since(started)

	o.step(rec, "record", func() (string, error) {
		var firstErr error

		// Chain append is durable; a failure downgrades to trace-only
		// and raises the chain-write-failed alert.
		if !cancelled {
			payload, err := json.Marshal(rec)
			if err == nil {
				_, err = o.Chain.Append(chain.NewJudgment(rec.ID, payload))
			}
			if err != nil {
				firstErr = err
				if o.Alerts != nil && !errors.Is(err, context.Canceled) {
					o.Alerts.Raise(monitoring.AlertChainWriteFail, err.Error(), "critical")
				}
			}
		}

		o.linkJudged(event, rec)
		o.Sessions.RecordLastJudgment(event.UserID, rec.ID)

		if o.Learner != nil {
			state := rec.Domain + ":" + rec.Risk.String()
			reward := qlearn.RewardForOutcome(rec.Outcome, cancelled)
			o.Learner.Update(state, string(rec.Outcome), reward, state)
		}
		if o.Metrics != nil {
			o.Metrics.DecisionsTotal.WithLabelValues(string(rec.Outcome)).Inc()
			o.Metrics.PipelineDuration.WithLabelValues(rec.Domain).Observe(rec.Duration.Seconds())
			if rec.Judgment != nil {
				o.Metrics.DogInvocations.WithLabelValues(o.Registry.Dog("protection")).Inc()
			}
			if rec.Synthesis != nil || rec.SkillResult != nil {
				o.Metrics.DogInvocations.WithLabelValues(o.Registry.Dog(rec.Domain)).Inc()
			}
			st := o.Chain.Status()
			o.Metrics.ChainHeight.Set(float64(st.HeadSlot))
			o.Metrics.ChainPending.Set(float64(st.Pending))
		}
		return "", firstErr
	}, nil)

	o.Tracer.Record(*rec)

	if o.Bus != nil {
		o.Bus.Emit(events.TypeDecisionRecorded, "orchestrator", rec.ID, map[string]interface{}{
			"event_id": rec.EventID,
			"domain":   rec.Domain,
			"outcome":  string(rec.Outcome),
			"risk":     rec.Risk.String(),
			"user_id":  rec.UserID,
		})
	}
	return *rec
}

// linkJudged mutates the graph: this node judged the subject user,
// creating both vertices on demand.
func (o *Orchestrator) linkJudged(event core.DecisionEvent, rec *core.DecisionRecord) {
	if o.Graph == nil || event.UserID == "" {
		return
	}
	self, err := o.Graph.AddNode(graph.Node{Type: graph.NodeNode, Identifier: o.NodeID})
	if err != nil {
		o.logger.Printf("graph node upsert failed: %v", err)
		return
	}
	subject, err := o.Graph.AddNode(graph.Node{Type: graph.NodeUser, Identifier: event.UserID})
	if err != nil {
		o.logger.Printf("graph subject upsert failed: %v", err)
		return
	}
	_, err = o.Graph.AddEdge(graph.Edge{
		Type:     graph.EdgeJudged,
		SourceID: self.ID,
		TargetID: subject.ID,
		Attributes: map[string]interface{}{
			"decision": rec.ID,
			"outcome":  string(rec.Outcome),
		},
	})
	if err != nil {
		o.logger.Printf("judged edge failed: %v", err)
	}
}

// confidence derives the decision confidence, capped at the configured
// ceiling. A clean run earns the cap; every failed step discounts it.
func (o *Orchestrator) confidence(rec *core.DecisionRecord) float64 {
	conf := o.ConfidenceCap
	for _, s := range rec.Steps {
		if !s.OK {
			conf *= 0.8
		}
	}
	if conf > o.ConfidenceCap {
		conf = o.ConfidenceCap
	}
	return conf
}

func (o *Orchestrator) userLock(userID string) *sync.Mutex {
	v, _ := o.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}
