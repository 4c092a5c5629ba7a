// Package triggers watches session activity and fires proactive
// suggestions. Evaluation is read-only over a state snapshot; firing
// is rate-limited per trigger, optionally gated by a collective vote,
// and every surfaced suggestion is tracked to resolution so the node
// learns which triggers its users actually value.
package triggers

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiternet/arbiter/internal/core"
	"github.com/arbiternet/arbiter/internal/events"
)

// Trigger kinds.
const (
	TriggerErrorPattern = "error-pattern"
	TriggerContextDrift = "context-drift"
	TriggerBurnoutRisk  = "burnout-risk"
	TriggerPatternMatch = "pattern-match"
	TriggerDeadlineNear = "deadline-near"
	TriggerLearningOpp  = "learning-opp"
)

// SuggestionTTL expires unresolved suggestions.
const SuggestionTTL = 5 * time.Minute

const errorWindow = 5 * time.Minute

// ErrorRecord is one classified error observation.
type ErrorRecord struct {
	Kind string
	At   time.Time
}

// Goal is an active objective with an optional deadline.
type Goal struct {
	Text     string
	Deadline time.Time
	Active   bool
}

// PastSuccess is a remembered win the node can suggest repeating.
type PastSuccess struct {
	Description string
	Confidence  float64
}

// Pattern is an emerging behavior that may be worth surfacing.
type Pattern struct {
	Name        string
	Occurrences int
	Surfaced    bool
}

// Snapshot is the read-only evaluation input for one user.
type Snapshot struct {
	UserID       string
	Errors       []ErrorRecord
	Goals        []Goal
	CurrentFocus string
	Energy       float64
	Successes    []PastSuccess
	Patterns     []Pattern
}

// VoteFunc returns the approval fraction for a candidate suggestion.
// Nil means auto-approve; otherwise consensus must reach φ⁻¹.
type VoteFunc func(core.Suggestion) float64

// Resolution outcomes for stats.
const (
	ResolutionAccepted = "accepted"
	ResolutionRejected = "rejected"
	ResolutionExpired  = "expired"
)

// Stats aggregates per-trigger firing and resolution counts.
type Stats struct {
	Fired          int     `json:"fired"`
	Accepted       int     `json:"accepted"`
	Rejected       int     `json:"rejected"`
	Expired        int     `json:"expired"`
	AcceptanceRate float64 `json:"acceptance_rate"`
}

type definition struct {
	name     string
	cooldown time.Duration
	// condition reports whether the trigger holds for the snapshot,
	// plus the urgency and formatted message when it does.
	condition func(Snapshot) (bool, core.Urgency, string, map[string]interface{})
}

type pending struct {
	suggestion core.Suggestion
	userID     string
}

// Engine evaluates all triggers against snapshots.
type Engine struct {
	mu        sync.Mutex
	defs      []definition
	lastFired map[string]time.Time // trigger name → last fire
	pending   map[string]pending   // suggestion id → pending
	stats     map[string]*Stats    // trigger name → stats
	vote      VoteFunc
	bus       events.Emitter // optional
	logger    *log.Logger
}

// NewEngine builds the engine with the six standard triggers.
func NewEngine(vote VoteFunc, bus events.Emitter) *Engine {
	e := &Engine{
		lastFired: make(map[string]time.Time),
		pending:   make(map[string]pending),
		stats:     make(map[string]*Stats),
		vote:      vote,
		bus:       bus,
		logger:    log.New(log.Writer(), "[TRIGGERS] ", log.LstdFlags),
	}
	e.defs = []definition{
		{TriggerErrorPattern, 5 * time.Minute, evalErrorPattern},
		{TriggerContextDrift, 10 * time.Minute, evalContextDrift},
		{TriggerBurnoutRisk, 30 * time.Minute, evalBurnoutRisk},
		{TriggerPatternMatch, 15 * time.Minute, evalPatternMatch},
		{TriggerDeadlineNear, 30 * time.Minute, evalDeadlineNear},
		{TriggerLearningOpp, 20 * time.Minute, evalLearningOpp},
	}
	for _, d := range e.defs {
		e.stats[d.name] = &Stats{}
	}
	return e
}

// Evaluate runs every trigger against the snapshot. Suggestions whose
// trigger condition has cleared resolve as implicitly accepted; stale
// ones expire; newly-firing triggers outside their cooldown surface a
// suggestion (subject to the collective vote).
func (e *Engine) Evaluate(snap Snapshot) []core.Suggestion {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	holds := make(map[string]bool, len(e.defs))
	var fired []core.Suggestion

	for _, d := range e.defs {
		ok, urgency, message, data := d.condition(snap)
		holds[d.name] = ok
		if !ok {
			continue
		}
		if now.Sub(e.lastFired[d.name]) < d.cooldown {
			continue
		}
		if e.hasPendingLocked(d.name, snap.UserID) {
			continue
		}

		sg := core.Suggestion{
			ID:      uuid.NewString(),
			Trigger: d.name,
			Action:  d.name,
			Urgency: urgency,
			Message: message,
			Data:    data,
			FiredAt: now,
		}
		if e.vote != nil && e.vote(sg) < core.PhiInverse {
			e.logger.Printf("vote rejected %s suggestion for %s", d.name, snap.UserID)
			continue
		}

		e.lastFired[d.name] = now
		e.pending[sg.ID] = pending{suggestion: sg, userID: snap.UserID}
		e.stats[d.name].Fired++
		fired = append(fired, sg)
		if e.bus != nil {
			e.bus.Emit(events.TypeSuggestionFired, "triggers", sg.ID, map[string]interface{}{
				"trigger": sg.Trigger,
				"urgency": string(sg.Urgency),
				"user_id": snap.UserID,
			})
		}
	}

	e.sweepLocked(snap.UserID, holds, now)
	return fired
}

// sweepLocked resolves pendings for this user whose condition cleared
// and expires anything past the TTL regardless of user.
func (e *Engine) sweepLocked(userID string, holds map[string]bool, now time.Time) {
	for id, p := range e.pending {
		if p.userID == userID {
			if held, seen := holds[p.suggestion.Trigger]; seen && !held {
				e.resolveLocked(id, ResolutionAccepted)
				continue
			}
		}
		if now.Sub(p.suggestion.FiredAt) > SuggestionTTL {
			e.resolveLocked(id, ResolutionExpired)
		}
	}
}

// Resolve closes a pending suggestion explicitly.
func (e *Engine) Resolve(suggestionID string, accepted bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[suggestionID]; !ok {
		return false
	}
	outcome := ResolutionRejected
	if accepted {
		outcome = ResolutionAccepted
	}
	e.resolveLocked(suggestionID, outcome)
	return true
}

func (e *Engine) resolveLocked(id, outcome string) {
	p, ok := e.pending[id]
	if !ok {
		return
	}
	delete(e.pending, id)
	s := e.stats[p.suggestion.Trigger]
	switch outcome {
	case ResolutionAccepted:
		s.Accepted++
	case ResolutionRejected:
		s.Rejected++
	case ResolutionExpired:
		s.Expired++
	}
}

// Pending lists unresolved suggestions for a user; empty user lists all.
func (e *Engine) Pending(userID string) []core.Suggestion {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []core.Suggestion
	for _, p := range e.pending {
		if userID == "" || p.userID == userID {
			out = append(out, p.suggestion)
		}
	}
	return out
}

// StatsByTrigger returns a copy of the per-trigger stats with
// acceptance rates computed over resolved suggestions.
func (e *Engine) StatsByTrigger() map[string]Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Stats, len(e.stats))
	for name, s := range e.stats {
		cp := *s
		if resolved := cp.Accepted + cp.Rejected + cp.Expired; resolved > 0 {
			cp.AcceptanceRate = float64(cp.Accepted) / float64(resolved)
		}
		out[name] = cp
	}
	return out
}

func (e *Engine) hasPendingLocked(trigger, userID string) bool {
	for _, p := range e.pending {
		if p.userID == userID && p.suggestion.Trigger == trigger {
			return true
		}
	}
	return false
}

// ============================================================
// Trigger conditions
// ============================================================

func evalErrorPattern(s Snapshot) (bool, core.Urgency, string, map[string]interface{}) {
	cutoff := time.Now().Add(-errorWindow)
	byKind := make(map[string]int)
	for _, er := range s.Errors {
		if er.At.After(cutoff) {
			byKind[er.Kind]++
		}
	}
	worstKind, worst := "", 0
	for kind, n := range byKind {
		if n > worst {
			worstKind, worst = kind, n
		}
	}
	if worst < 3 {
		return false, "", "", nil
	}
	urgency := core.UrgencyActive
	msg := fmt.Sprintf("Seeing repeated %s errors (%d in the last five minutes). Worth a closer look before continuing.", worstKind, worst)
	if worst >= 5 {
		urgency = core.UrgencyUrgent
		msg = fmt.Sprintf("%s errors are piling up (%d in five minutes). Stop and investigate now.", worstKind, worst)
	}
	return true, urgency, msg, map[string]interface{}{"kind": worstKind, "count": worst}
}

func evalContextDrift(s Snapshot) (bool, core.Urgency, string, map[string]interface{}) {
	goal := activeGoal(s.Goals)
	if goal == nil || s.CurrentFocus == "" {
		return false, "", "", nil
	}
	overlap := tokenOverlap(goal.Text, s.CurrentFocus)
	if overlap >= 0.5 {
		return false, "", "", nil
	}
	urgency := core.UrgencySubtle
	msg := fmt.Sprintf("Current focus has drifted from the goal %q.", goal.Text)
	if overlap < 0.25 {
		urgency = core.UrgencyActive
		msg = fmt.Sprintf("Focus has moved well away from the goal %q. Re-anchor or update the goal.", goal.Text)
	}
	return true, urgency, msg, map[string]interface{}{"overlap": overlap}
}

func evalBurnoutRisk(s Snapshot) (bool, core.Urgency, string, map[string]interface{}) {
	// Zero means the energy metric is not tracked for this user.
	if s.Energy <= 0 || s.Energy >= core.PhiInverseSq {
		return false, "", "", nil
	}
	urgency := core.UrgencyActive
	msg := "Energy is running low. A break now costs less than a mistake later."
	if s.Energy < core.PhiInverseSq/2 {
		urgency = core.UrgencyUrgent
		msg = "Energy is critically low. Step away before the next decision."
	}
	return true, urgency, msg, map[string]interface{}{"energy": s.Energy}
}

func evalPatternMatch(s Snapshot) (bool, core.Urgency, string, map[string]interface{}) {
	for _, p := range s.Successes {
		if p.Confidence >= core.PhiInverse {
			msg := fmt.Sprintf("A similar situation worked out before: %s.", p.Description)
			return true, core.UrgencySubtle, msg, map[string]interface{}{
				"description": p.Description,
				"confidence":  p.Confidence,
			}
		}
	}
	return false, "", "", nil
}

func evalDeadlineNear(s Snapshot) (bool, core.Urgency, string, map[string]interface{}) {
	now := time.Now()
	for _, g := range s.Goals {
		if !g.Active || g.Deadline.IsZero() {
			continue
		}
		remaining := g.Deadline.Sub(now)
		if remaining < 0 || remaining > 24*time.Hour {
			continue
		}
		urgency := core.UrgencyActive
		msg := fmt.Sprintf("Goal %q is due in %s.", g.Text, remaining.Round(time.Hour))
		if remaining <= 6*time.Hour {
			urgency = core.UrgencyUrgent
			msg = fmt.Sprintf("Goal %q is due in %s. Prioritize it.", g.Text, remaining.Round(time.Minute))
		}
		return true, urgency, msg, map[string]interface{}{"goal": g.Text, "remaining": remaining.String()}
	}
	return false, "", "", nil
}

func evalLearningOpp(s Snapshot) (bool, core.Urgency, string, map[string]interface{}) {
	for _, p := range s.Patterns {
		if p.Occurrences >= 3 && !p.Surfaced {
			msg := fmt.Sprintf("The pattern %q has come up %d times. It may be worth making explicit.", p.Name, p.Occurrences)
			return true, core.UrgencySubtle, msg, map[string]interface{}{
				"pattern":     p.Name,
				"occurrences": p.Occurrences,
			}
		}
	}
	return false, "", "", nil
}

func activeGoal(goals []Goal) *Goal {
	for i := range goals {
		if goals[i].Active {
			return &goals[i]
		}
	}
	return nil
}

// tokenOverlap is the fraction of goal tokens present in the focus.
func tokenOverlap(goal, focus string) float64 {
	goalTokens := strings.Fields(strings.ToLower(goal))
	if len(goalTokens) == 0 {
		return 0
	}
	focusSet := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(focus)) {
		focusSet[tok] = true
	}
	hit := 0
	for _, tok := range goalTokens {
		if focusSet[tok] {
			hit++
		}
	}
	return float64(hit) / float64(len(goalTokens))
}
