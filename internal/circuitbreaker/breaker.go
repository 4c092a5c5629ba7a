// Package circuitbreaker guards every external dependency of the
// judgment node. A breaker opens after repeated consecutive failures,
// backs off exponentially on the golden ratio with jitter, and allows a
// single half-open probe once the backoff elapses.
package circuitbreaker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, calls pass through
	StateOpen                  // backoff in effect, calls rejected
	StateHalfOpen              // one probe in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned when the breaker rejects a call outright.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTimeout is returned when fn exceeds the call deadline.
	// Timeouts count as circuit failures.
	ErrTimeout = errors.New("circuit breaker call timed out")
)

const phi = 1.618033988749895

// Config holds circuit breaker configuration.
type Config struct {
	Name string

	// FailureThreshold is the number of consecutive failures in closed
	// state that trips the breaker. Default 5.
	FailureThreshold int

	// BaseBackoff seeds the open-state backoff: base × φ^openings,
	// capped at MaxBackoff and jittered by ±20%.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// CallTimeout bounds each guarded call. Zero means the caller's
	// context is the only deadline.
	CallTimeout time.Duration

	// Probe, when set, is run before the real call on a half-open
	// transition. A failing probe re-opens without touching fn.
	Probe func(context.Context) error

	// OnStateChange is invoked outside the lock on every transition.
	OnStateChange func(name string, from, to State)
}

func (c *Config) withDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
}

// Counters are cumulative since construction or Reset.
type Counters struct {
	Opens          uint64 `json:"opens"`
	HalfOpenProbes uint64 `json:"half_open_probes"`
	Passes         uint64 `json:"passes"`
	Rejects        uint64 `json:"rejects"`
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name                string        `json:"name"`
	State               State         `json:"state"`
	ConsecutiveOpenings int           `json:"consecutive_openings"`
	CurrentBackoff      time.Duration `json:"current_backoff"`
	TimeUntilProbe      time.Duration `json:"time_until_probe"`
	LastFailAt          time.Time     `json:"last_fail_at"`
	LastProbeAt         time.Time     `json:"last_probe_at"`
	Counters            Counters      `json:"counters"`
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int  // consecutive failures while closed
	openings    int  // consecutive open transitions without a full recovery
	tripped     bool // forced open via Trip; only Reset clears
	backoff     time.Duration
	openedAt    time.Time
	lastFailAt  time.Time
	lastProbeAt time.Time
	probing     bool // a half-open probe call is in flight
	counters    Counters
	rng         *rand.Rand
}

// New creates a breaker from cfg, applying defaults for zero fields.
func New(cfg Config) *Breaker {
	cfg.withDefaults()
	return &Breaker{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Call runs fn under the breaker. An open breaker rejects immediately
// with ErrOpen. Timeouts count as failures.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}

	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	// Half-open with a configured probe: run the cheap health check
	// first; only a passing probe earns fn an execution.
	if b.probeRequired() {
		if err := b.cfg.Probe(ctx); err != nil {
			b.record(false)
			return err
		}
	}

	err := b.run(ctx, fn)
	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrTimeout
	}
	b.record(err == nil)
	return err
}

func (b *Breaker) run(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire decides whether a call may proceed and transitions
// open → half-open when the backoff has elapsed.
func (b *Breaker) acquire() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil
	case StateOpen:
		if b.tripped || time.Since(b.openedAt) < b.backoff {
			b.counters.Rejects++
			b.mu.Unlock()
			return ErrOpen
		}
		b.setStateLocked(StateHalfOpen)
		b.probing = true
		b.lastProbeAt = time.Now()
		b.counters.HalfOpenProbes++
		b.mu.Unlock()
		return nil
	default: // half-open: one probe at a time
		if b.probing {
			b.counters.Rejects++
			b.mu.Unlock()
			return ErrOpen
		}
		b.probing = true
		b.lastProbeAt = time.Now()
		b.counters.HalfOpenProbes++
		b.mu.Unlock()
		return nil
	}
}

func (b *Breaker) probeRequired() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateHalfOpen && b.cfg.Probe != nil
}

// record applies a call result.
func (b *Breaker) record(success bool) {
	b.mu.Lock()

	if success {
		b.counters.Passes++
		b.failures = 0
		if b.state == StateHalfOpen {
			b.openings = 0
			b.probing = false
			b.setStateLocked(StateClosed)
		}
		b.mu.Unlock()
		return
	}

	b.lastFailAt = time.Now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openLocked()
		}
	case StateHalfOpen:
		b.probing = false
		b.openLocked()
	}
	b.mu.Unlock()
}

// openLocked transitions to open and computes the next jittered backoff.
func (b *Breaker) openLocked() {
	b.failures = 0
	b.openings++
	b.counters.Opens++

	raw := float64(b.cfg.BaseBackoff) * math.Pow(phi, float64(b.openings-1))
	if raw > float64(b.cfg.MaxBackoff) {
		raw = float64(b.cfg.MaxBackoff)
	}
	// ±20% jitter
	jitter := 0.8 + 0.4*b.rng.Float64()
	b.backoff = time.Duration(raw * jitter)
	b.openedAt = time.Now()
	b.setStateLocked(StateOpen)
}

// Trip forces the breaker open until Reset.
func (b *Breaker) Trip() {
	b.mu.Lock()
	b.tripped = true
	if b.state != StateOpen {
		b.openings++
		b.counters.Opens++
		b.openedAt = time.Now()
		b.backoff = b.cfg.MaxBackoff
		b.setStateLocked(StateOpen)
	}
	b.mu.Unlock()
}

// Reset returns the breaker to closed and zeroes the opening streak.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.tripped = false
	b.failures = 0
	b.openings = 0
	b.probing = false
	b.backoff = 0
	b.setStateLocked(StateClosed)
	b.mu.Unlock()
}

func (b *Breaker) setStateLocked(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	if b.cfg.OnStateChange != nil {
		// Fire outside the lock to keep callbacks from deadlocking.
		name := b.cfg.Name
		cb := b.cfg.OnStateChange
		go cb(name, prev, next)
	}
}

// Snapshot returns the current breaker state for metrics and status.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	var untilProbe time.Duration
	if b.state == StateOpen && !b.tripped {
		if remaining := b.backoff - time.Since(b.openedAt); remaining > 0 {
			untilProbe = remaining
		}
	}
	return Snapshot{
		Name:                b.cfg.Name,
		State:               b.state,
		ConsecutiveOpenings: b.openings,
		CurrentBackoff:      b.backoff,
		TimeUntilProbe:      untilProbe,
		LastFailAt:          b.lastFailAt,
		LastProbeAt:         b.lastProbeAt,
		Counters:            b.counters,
	}
}

// State returns the current state, honouring backoff expiry: an open
// breaker whose backoff has elapsed reports half-open readiness only
// once a call actually probes it, so the stored state is returned as-is.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Manager keeps one breaker per named dependency.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
}

// NewManager creates a manager whose breakers inherit defaults.
func NewManager(defaults Config) *Manager {
	defaults.withDefaults()
	return &Manager{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the breaker for name, creating it from the defaults.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	br, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return br
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if br, ok = m.breakers[name]; ok {
		return br
	}
	cfg := m.defaults
	cfg.Name = name
	br = New(cfg)
	m.breakers[name] = br
	return br
}

// GetOrCreate returns an existing breaker or creates one with cfg.
func (m *Manager) GetOrCreate(name string, cfg Config) *Breaker {
	m.mu.RLock()
	br, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return br
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if br, ok = m.breakers[name]; ok {
		return br
	}
	cfg.Name = name
	br = New(cfg)
	m.breakers[name] = br
	return br
}

// Snapshots returns the state of every managed breaker.
func (m *Manager) Snapshots() map[string]Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Snapshot, len(m.breakers))
	for name, br := range m.breakers {
		out[name] = br.Snapshot()
	}
	return out
}
