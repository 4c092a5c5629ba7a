// Package qlearn closes the feedback loop: recorded outcomes adjust a
// tabular Q function over (context, action) tags, an importance guard
// slows forgetting of entries that carried signal, and a Brier-scored
// calibration window tracks how honest the node's confidence is.
package qlearn

import (
	"sync"

	"github.com/arbiternet/arbiter/internal/core"
)

const (
	DefaultAlpha            = 0.5
	DefaultGamma            = 0.9
	DefaultLambda           = 0.1
	DefaultConsolidateEvery = 100
	DefaultCalibrationCap   = 500
)

// Options tunes the learner; zero values take defaults.
type Options struct {
	Alpha            float64
	Gamma            float64
	Lambda           float64
	ConsolidateEvery int
	CalibrationCap   int
}

func (o *Options) withDefaults() {
	if o.Alpha <= 0 {
		o.Alpha = DefaultAlpha
	}
	if o.Gamma <= 0 {
		o.Gamma = DefaultGamma
	}
	if o.Lambda <= 0 {
		o.Lambda = DefaultLambda
	}
	if o.ConsolidateEvery <= 0 {
		o.ConsolidateEvery = DefaultConsolidateEvery
	}
	if o.CalibrationCap <= 0 {
		o.CalibrationCap = DefaultCalibrationCap
	}
}

// entry is the learned state for one (context, action) pair.
type entry struct {
	q           float64
	snapshot    float64
	hasSnapshot bool

	// Welford accumulators over the TD error; the running variance is
	// the entry's importance.
	tdCount int
	tdMean  float64
	tdM2    float64
}

func (e *entry) importance() float64 {
	if e.tdCount < 2 {
		return 0
	}
	return e.tdM2 / float64(e.tdCount-1)
}

func (e *entry) observeTD(delta float64) {
	e.tdCount++
	d := delta - e.tdMean
	e.tdMean += d / float64(e.tdCount)
	e.tdM2 += d * (delta - e.tdMean)
}

type calibPoint struct {
	p       float64
	outcome bool
}

// Stats is the learner snapshot exposed to monitoring.
type Stats struct {
	Episodes       int     `json:"episodes"`
	Entries        int     `json:"entries"`
	Consolidations int     `json:"consolidations"`
	AvgQ           float64 `json:"avg_q"`
	Brier          float64 `json:"brier"`
	Calibrations   int     `json:"calibrations"`
}

// Learner is the tabular Q store.
type Learner struct {
	mu   sync.RWMutex
	opts Options

	// byState indexes entries per context tag for the max lookup.
	byState map[string]map[string]*entry

	episodes       int
	consolidations int
	calibration    []calibPoint
}

// New builds a learner.
func New(opts Options) *Learner {
	opts.withDefaults()
	return &Learner{
		opts:    opts,
		byState: make(map[string]map[string]*entry),
	}
}

// RewardForOutcome maps a recorded disposition to a scalar reward.
// Cancellation overrides the outcome.
func RewardForOutcome(outcome core.Outcome, cancelled bool) float64 {
	if cancelled {
		return -0.5
	}
	switch outcome {
	case core.OutcomeAllow:
		return 1.0
	case core.OutcomeModified:
		return 0.5
	case core.OutcomeDeferred:
		return 0.25
	default:
		return 0.0
	}
}

// Update applies one Q-learning step for (state, action) with reward r
// observed before transitioning to nextState, and returns the new
// value. Every update is one episode; every ConsolidateEvery episodes
// the table is snapshotted and the elastic penalty starts pulling
// important entries toward their snapshot.
func (l *Learner) Update(state, action string, reward float64, nextState string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entryLocked(state, action)
	target := reward + l.opts.Gamma*l.maxQLocked(nextState)
	delta := target - e.q
	e.observeTD(delta)

	step := l.opts.Alpha * delta
	if e.hasSnapshot {
		// Gradient of λ·importance·(Q−Q_snap)²: important entries are
		// pulled back toward their consolidated value.
		step -= l.opts.Alpha * l.opts.Lambda * e.importance() * (e.q - e.snapshot)
	}
	e.q += step

	l.episodes++
	if l.episodes%l.opts.ConsolidateEvery == 0 {
		l.consolidateLocked()
	}
	return e.q
}

// Value returns Q(state, action).
func (l *Learner) Value(state, action string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if actions, ok := l.byState[state]; ok {
		if e, ok := actions[action]; ok {
			return e.q
		}
	}
	return 0
}

// BestAction returns the highest-valued action for a state, or "".
func (l *Learner) BestAction(state string) (string, float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	best, bestQ := "", 0.0
	for action, e := range l.byState[state] {
		if best == "" || e.q > bestQ {
			best, bestQ = action, e.q
		}
	}
	return best, bestQ
}

// Importance exposes the forgetting-guard weight of an entry.
func (l *Learner) Importance(state, action string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if actions, ok := l.byState[state]; ok {
		if e, ok := actions[action]; ok {
			return e.importance()
		}
	}
	return 0
}

// RecordPrediction feeds the calibration window with a predicted
// probability and the observed boolean outcome.
func (l *Learner) RecordPrediction(p float64, outcome bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calibration = append(l.calibration, calibPoint{p: p, outcome: outcome})
	if len(l.calibration) > l.opts.CalibrationCap {
		l.calibration = l.calibration[len(l.calibration)-l.opts.CalibrationCap:]
	}
}

// BrierScore computes the mean squared prediction error over the
// window. Perfect is 0, the p=0.5 baseline is 0.25, worst is 1. An
// empty window scores 0.
func (l *Learner) BrierScore() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.brierLocked()
}

func (l *Learner) brierLocked() float64 {
	if len(l.calibration) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range l.calibration {
		o := 0.0
		if c.outcome {
			o = 1.0
		}
		d := c.p - o
		sum += d * d
	}
	return sum / float64(len(l.calibration))
}

// Snapshot returns aggregate learner stats.
func (l *Learner) Snapshot() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Stats{
		Episodes:       l.episodes,
		Consolidations: l.consolidations,
		Brier:          l.brierLocked(),
		Calibrations:   len(l.calibration),
	}
	sum := 0.0
	for _, actions := range l.byState {
		for _, e := range actions {
			s.Entries++
			sum += e.q
		}
	}
	if s.Entries > 0 {
		s.AvgQ = sum / float64(s.Entries)
	}
	return s
}

func (l *Learner) entryLocked(state, action string) *entry {
	actions, ok := l.byState[state]
	if !ok {
		actions = make(map[string]*entry)
		l.byState[state] = actions
	}
	e, ok := actions[action]
	if !ok {
		e = &entry{}
		actions[action] = e
	}
	return e
}

func (l *Learner) maxQLocked(state string) float64 {
	max := 0.0
	first := true
	for _, e := range l.byState[state] {
		if first || e.q > max {
			max = e.q
			first = false
		}
	}
	if first {
		return 0
	}
	return max
}

// consolidateLocked freezes the current values as snapshots.
func (l *Learner) consolidateLocked() {
	for _, actions := range l.byState {
		for _, e := range actions {
			e.snapshot = e.q
			e.hasSnapshot = true
		}
	}
	l.consolidations++
}
