package monitoring

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus vectors the pipeline feeds directly.
type Metrics struct {
	DecisionsTotal   *prometheus.CounterVec
	DogInvocations   *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec
	ChainHeight      prometheus.Gauge
	ChainPending     prometheus.Gauge
	AlertsActive     prometheus.Gauge
}

// NewMetrics registers all vectors on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		DecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_decisions_total",
				Help: "Decisions processed by the pipeline",
			},
			[]string{"verdict"},
		),
		DogInvocations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_dog_invocations_total",
				Help: "Skill invocations per dog",
			},
			[]string{"dog"},
		),
		PipelineDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbiter_pipeline_duration_seconds",
				Help:    "End-to-end decision pipeline duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"domain"},
		),
		ChainHeight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_chain_height",
			Help: "Head slot of the judgment chain",
		}),
		ChainPending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_chain_pending_judgments",
			Help: "Judgments awaiting the next slot close",
		}),
		AlertsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_alerts_active",
			Help: "Currently firing alerts",
		}),
	}
}

// View is the input to the published text exposition. It is assembled
// from component snapshots so the exposition stays pure.
type View struct {
	JudgmentsByVerdict map[string]uint64
	AvgQScore          float64
	ChainHeight        uint64
	BlocksTotal        uint64
	AlertsActive       int
	DogInvocations     map[string]uint64
	UptimeSeconds      float64
	MemoryUsedBytes    uint64
}

// ToPrometheus renders the view in exposition format with the stable
// published metric names. Label order is deterministic.
func ToPrometheus(v View) string {
	var b strings.Builder

	b.WriteString("# TYPE judgments_total counter\n")
	for _, verdict := range sortedKeys(v.JudgmentsByVerdict) {
		fmt.Fprintf(&b, "judgments_total{verdict=%q} %d\n", verdict, v.JudgmentsByVerdict[verdict])
	}

	b.WriteString("# TYPE avg_q_score gauge\n")
	fmt.Fprintf(&b, "avg_q_score %g\n", v.AvgQScore)

	b.WriteString("# TYPE chain_height gauge\n")
	fmt.Fprintf(&b, "chain_height %d\n", v.ChainHeight)

	b.WriteString("# TYPE poj_blocks_total counter\n")
	fmt.Fprintf(&b, "poj_blocks_total %d\n", v.BlocksTotal)

	b.WriteString("# TYPE alerts_active gauge\n")
	fmt.Fprintf(&b, "alerts_active %d\n", v.AlertsActive)

	b.WriteString("# TYPE dog_invocations counter\n")
	for _, dog := range sortedKeys(v.DogInvocations) {
		fmt.Fprintf(&b, "dog_invocations{dog=%q} %d\n", dog, v.DogInvocations[dog])
	}

	b.WriteString("# TYPE uptime_seconds counter\n")
	fmt.Fprintf(&b, "uptime_seconds %g\n", v.UptimeSeconds)

	b.WriteString("# TYPE memory_used_bytes gauge\n")
	fmt.Fprintf(&b, "memory_used_bytes %d\n", v.MemoryUsedBytes)

	return b.String()
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
