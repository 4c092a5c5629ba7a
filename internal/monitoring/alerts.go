package monitoring

import (
	"log"
	"sync"
	"time"

	"github.com/arbiternet/arbiter/internal/events"
	"github.com/arbiternet/arbiter/internal/notify"
)

// Alert types the manager raises on its own. ChainWriteFailed is
// raised manually by the orchestrator.
const (
	AlertLowQScore       = "low_q_score"
	AlertLowCacheHitRate = "low_cache_hit_rate"
	AlertChainIntegrity  = "chain_integrity"
	AlertCriticalDrift   = "critical_drift"
	AlertSessionIdle     = "session_idle"
	AlertChainWriteFail  = "chain-write-failed"
)

// Alert is one active condition, addressable by Type.
type Alert struct {
	Type     string    `json:"type"`
	Message  string    `json:"message"`
	Severity string    `json:"severity"` // warning or critical
	FiredAt  time.Time `json:"fired_at"`
}

// Thresholds are the published alert floors; zero fields take the
// defaults.
type Thresholds struct {
	QScoreFloor    float64       `yaml:"q_score_floor"`
	CacheHitFloor  float64       `yaml:"cache_hit_floor"`
	SessionIdleMax time.Duration `yaml:"session_idle_max"`
}

// DefaultThresholds returns the published defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		QScoreFloor:    0.3,
		CacheHitFloor:  0.5,
		SessionIdleMax: 24 * time.Hour,
	}
}

// Inputs is the evaluated state each Evaluate call reads. Callers fill
// it from component snapshots; the manager only compares.
type Inputs struct {
	AvgQScore      float64
	QScoreKnown    bool // false until the learner has episodes
	CacheHitRate   float64
	CacheKnown     bool
	ChainIntact    bool
	CriticalDrift  bool
	MaxSessionIdle time.Duration
}

// AlertManager keeps the active alert set and publishes diffs.
type AlertManager struct {
	mu         sync.Mutex
	thresholds Thresholds
	active     map[string]Alert
	bus        events.Emitter // optional
	sink       notify.Sink    // optional
	logger     *log.Logger
}

// NewAlertManager builds a manager; zero thresholds take defaults.
func NewAlertManager(th Thresholds, bus events.Emitter, sink notify.Sink) *AlertManager {
	def := DefaultThresholds()
	if th.QScoreFloor <= 0 {
		th.QScoreFloor = def.QScoreFloor
	}
	if th.CacheHitFloor <= 0 {
		th.CacheHitFloor = def.CacheHitFloor
	}
	if th.SessionIdleMax <= 0 {
		th.SessionIdleMax = def.SessionIdleMax
	}
	return &AlertManager{
		thresholds: th,
		active:     make(map[string]Alert),
		bus:        bus,
		sink:       sink,
		logger:     log.New(log.Writer(), "[ALERTS] ", log.LstdFlags),
	}
}

// Evaluate recomputes the threshold alerts from inputs and diffs them
// against the active set: newly-present alerts fire, now-absent ones
// clear. Manually raised alerts are untouched by the diff.
func (m *AlertManager) Evaluate(in Inputs) {
	current := make(map[string]Alert)
	add := func(alertType, message, severity string) {
		current[alertType] = Alert{Type: alertType, Message: message, Severity: severity, FiredAt: time.Now()}
	}

	if in.QScoreKnown && in.AvgQScore < m.thresholds.QScoreFloor {
		add(AlertLowQScore, "average judgment score below floor", "warning")
	}
	if in.CacheKnown && in.CacheHitRate < m.thresholds.CacheHitFloor {
		add(AlertLowCacheHitRate, "cache hit rate below floor", "warning")
	}
	if !in.ChainIntact {
		add(AlertChainIntegrity, "chain integrity verification failed", "critical")
	}
	if in.CriticalDrift {
		add(AlertCriticalDrift, "critical drift detected", "critical")
	}
	if in.MaxSessionIdle > m.thresholds.SessionIdleMax {
		add(AlertSessionIdle, "session idle beyond TTL", "warning")
	}

	m.mu.Lock()
	var fired, cleared []Alert
	for alertType, alert := range current {
		if _, ok := m.active[alertType]; !ok {
			m.active[alertType] = alert
			fired = append(fired, alert)
		}
	}
	for alertType, alert := range m.active {
		if alertType == AlertChainWriteFail {
			continue // manual lifecycle
		}
		if _, ok := current[alertType]; !ok {
			delete(m.active, alertType)
			cleared = append(cleared, alert)
		}
	}
	m.mu.Unlock()

	for _, a := range fired {
		m.announce(events.TypeAlertFired, a)
	}
	for _, a := range cleared {
		m.announce(events.TypeAlertCleared, a)
	}
}

// Raise fires an alert outside the threshold evaluation, such as a
// failed chain append. Raising an already-active type is a no-op.
func (m *AlertManager) Raise(alertType, message, severity string) {
	a := Alert{Type: alertType, Message: message, Severity: severity, FiredAt: time.Now()}
	m.mu.Lock()
	if _, ok := m.active[alertType]; ok {
		m.mu.Unlock()
		return
	}
	m.active[alertType] = a
	m.mu.Unlock()
	m.announce(events.TypeAlertFired, a)
}

// Clear removes an alert by type and reports whether it was active.
func (m *AlertManager) Clear(alertType string) bool {
	m.mu.Lock()
	a, ok := m.active[alertType]
	if ok {
		delete(m.active, alertType)
	}
	m.mu.Unlock()
	if ok {
		m.announce(events.TypeAlertCleared, a)
	}
	return ok
}

// Active returns the current alert set.
func (m *AlertManager) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a)
	}
	return out
}

// IsActive reports whether an alert type is currently firing.
func (m *AlertManager) IsActive(alertType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[alertType]
	return ok
}

func (m *AlertManager) announce(eventType string, a Alert) {
	m.logger.Printf("%s: %s (%s)", eventType, a.Type, a.Severity)
	if m.bus != nil {
		m.bus.Emit(eventType, "monitoring", a.Type, map[string]interface{}{
			"message":  a.Message,
			"severity": a.Severity,
		})
	}
	if m.sink != nil && eventType == events.TypeAlertFired {
		priority := notify.PriorityHigh
		if a.Severity == "critical" {
			priority = notify.PriorityUrgent
		}
		m.sink.Notify("alert", a.Type, a.Message, priority, nil)
	}
}
