// Package core holds the shared domain types of the judgment node:
// decision events on ingress, decision records on egress, and the
// classification vocabulary (risk, trust tier, intervention level)
// that the pipeline stages agree on.
package core

import "time"

// Golden-ratio constants. PhiInverse is the confidence ceiling and the
// PageRank damping factor; PhiInverseSq is the burnout threshold.
const (
	Phi          = 1.618033988749895
	PhiInverse   = 0.6180339887498949
	PhiInverseSq = 0.3819660112501051
)

// EventKind classifies an incoming decision event.
type EventKind string

const (
	EventUserPrompt      EventKind = "user-prompt"
	EventToolUse         EventKind = "tool-use"
	EventSessionStart    EventKind = "session-start"
	EventSessionEnd      EventKind = "session-end"
	EventFileChange      EventKind = "file-change"
	EventError           EventKind = "error"
	EventJudgmentRequest EventKind = "judgment-request"
)

// EventSource identifies where an event entered from.
type EventSource string

const (
	SourceTool     EventSource = "tool"
	SourceHook     EventSource = "hook"
	SourceInternal EventSource = "internal"
)

// RiskLevel is the classified risk of an event's content.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskCritical:
		return "critical"
	case RiskHigh:
		return "high"
	case RiskMedium:
		return "medium"
	default:
		return "low"
	}
}

// TrustTier is the qualitative bucket derived from a scalar trust value.
type TrustTier string

const (
	TierGuardian    TrustTier = "guardian"
	TierSteward     TrustTier = "steward"
	TierBuilder     TrustTier = "builder"
	TierContributor TrustTier = "contributor"
	TierObserver    TrustTier = "observer"
)

// InterventionLevel is how the orchestrator must treat the event.
type InterventionLevel string

const (
	InterventionSilent InterventionLevel = "silent"
	InterventionNotify InterventionLevel = "notify"
	InterventionAsk    InterventionLevel = "ask"
	InterventionBlock  InterventionLevel = "block"
)

// Outcome is the final disposition of a processed event.
type Outcome string

const (
	OutcomeAllow    Outcome = "allow"
	OutcomeModified Outcome = "modified"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeDeferred Outcome = "deferred"
)

// DecisionEvent is a proposed action entering the orchestrator.
// It is transient: once the trace evicts the record, the event is gone.
type DecisionEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Kind      EventKind              `json:"kind"`
	Source    EventSource            `json:"source"`
	Content   string                 `json:"content"`
	UserID    string                 `json:"user_id"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// TraceStep records one pipeline stage of a decision.
type TraceStep struct {
	Stage string        `json:"stage"`
	Took  time.Duration `json:"took"`
	OK    bool          `json:"ok"`
	Note  string        `json:"note,omitempty"`
}

// SkillResult is the uniform envelope returned by skill invocations.
type SkillResult struct {
	OK     bool                   `json:"ok"`
	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
	TookMs int64                  `json:"took_ms"`
}

// DecisionRecord is the outcome of one pipeline run. Once appended to
// the chain it is immutable; the tracer holds an evictable copy.
type DecisionRecord struct {
	ID           string            `json:"id"`
	EventID      string            `json:"event_id"`
	Domain       string            `json:"domain"`
	Intervention InterventionLevel `json:"intervention"`
	Outcome      Outcome           `json:"outcome"`
	Risk         RiskLevel         `json:"risk"`
	Tier         TrustTier         `json:"tier"`
	Confidence   float64           `json:"confidence"`
	Judgment     *SkillResult      `json:"judgment,omitempty"`
	Synthesis    *SkillResult      `json:"synthesis,omitempty"`
	SkillResult  *SkillResult      `json:"skill_result,omitempty"`
	UserID       string            `json:"user_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Duration     time.Duration     `json:"duration"`
	Steps        []TraceStep       `json:"steps"`
}

// Urgency grades a proactive suggestion.
type Urgency string

const (
	UrgencySubtle Urgency = "subtle"
	UrgencyActive Urgency = "active"
	UrgencyUrgent Urgency = "urgent"
)

// Suggestion is a proactive output of the trigger engine.
type Suggestion struct {
	ID      string                 `json:"id"`
	Trigger string                 `json:"trigger"`
	Action  string                 `json:"action"`
	Urgency Urgency                `json:"urgency"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
	FiredAt time.Time              `json:"fired_at"`
}
