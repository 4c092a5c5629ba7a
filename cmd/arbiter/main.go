// Command arbiter runs the judgment node: the decision pipeline, its
// proof-of-judgment chain, and the REST/websocket surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/arbiternet/arbiter/internal/api"
	"github.com/arbiternet/arbiter/internal/chain"
	"github.com/arbiternet/arbiter/internal/config"
	"github.com/arbiternet/arbiter/internal/core"
	"github.com/arbiternet/arbiter/internal/events"
	"github.com/arbiternet/arbiter/internal/graph"
	"github.com/arbiternet/arbiter/internal/middleware"
	"github.com/arbiternet/arbiter/internal/monitoring"
	"github.com/arbiternet/arbiter/internal/notify"
	"github.com/arbiternet/arbiter/internal/orchestrator"
	"github.com/arbiternet/arbiter/internal/policy"
	"github.com/arbiternet/arbiter/internal/qlearn"
	"github.com/arbiternet/arbiter/internal/session"
	"github.com/arbiternet/arbiter/internal/skills"
	"github.com/arbiternet/arbiter/internal/trace"
	"github.com/arbiternet/arbiter/internal/triggers"
	ws "github.com/arbiternet/arbiter/internal/websocket"
)

func main() {
	configPath := flag.String("config", "arbiter.yaml", "path to the YAML settings file")
	flag.Parse()

	// .env feeds the connection-string fallbacks; absence is fine.
	_ = godotenv.Load()

	settings, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Printf("starting arbiter node %s", settings.Node.ID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Chain persistence: Postgres when configured, memory otherwise.
	var store chain.BlockStore = chain.NewMemoryStore()
	if dsn := settings.Postgres.DSN; dsn != "" {
		pg, err := chain.NewPostgresStore(dsn)
		if err != nil {
			log.Fatalf("chain store: %v", err)
		}
		defer pg.Close()
		store = pg
		log.Printf("chain persistence: postgres")
	}

	ch, err := chain.New(settings.ChainConfig(), store)
	if err != nil {
		log.Fatalf("chain: %v", err)
	}

	// Trust persistence: Redis when configured.
	var trustStore session.TrustStore
	if settings.Redis.Addr != "" {
		rs, err := session.NewRedisTrustStore(settings.Redis.Addr, settings.Redis.Password, settings.Redis.DB)
		if err != nil {
			log.Fatalf("trust store: %v", err)
		}
		defer rs.Close()
		trustStore = rs
	}

	// Notification sink: webhook when configured, in-process queue
	// otherwise so triggers still have somewhere to land.
	var sink notify.Sink
	var webhook *notify.WebhookSink
	if settings.Webhook.URL != "" {
		webhook = notify.NewWebhookSink(settings.Webhook.URL, settings.Webhook.Workers)
		defer webhook.Shutdown()
		sink = webhook
	} else {
		sink = notify.NewQueueSink(0)
	}

	bus := events.NewBus()
	g := graph.NewStore()
	tracer := trace.New(settings.Trace.Capacity)
	sessions := session.NewManager(settings.SessionOptions(trustStore))
	learner := qlearn.New(qlearn.Options{})
	alerts := monitoring.NewAlertManager(settings.AlertThresholds(), bus, sink)
	metrics := monitoring.NewMetrics()
	engine := triggers.NewEngine(nil, bus)

	registry := skills.NewRegistry(settings.SkillOptions())
	registerSkills(registry, sink)

	orch := &orchestrator.Orchestrator{
		NodeID:        settings.Node.ID,
		Sessions:      sessions,
		Registry:      registry,
		Tracer:        tracer,
		Chain:         ch,
		Graph:         g,
		Learner:       learner,
		Alerts:        alerts,
		Metrics:       metrics,
		Bus:           bus,
		Thresholds:    settings.TierThresholds(),
		ConfidenceCap: settings.ConfidenceCap,
	}

	collector := monitoring.NewCollector(5 * time.Second)

	streamer := ws.NewStreamer(bus)
	go streamer.Run(ctx)

	go alertLoop(ctx, settings, ch, sessions, learner, alerts, collector, metrics)
	go chainLoop(ctx, settings, ch, bus)
	go evictLoop(ctx, settings, sessions)
	go triggerLoop(ctx, engine, sessions, tracer)

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{})
	defer limiter.Close()

	server := &api.Server{
		Orch:      orch,
		Chain:     ch,
		Graph:     g,
		Tracer:    tracer,
		Sessions:  sessions,
		Learner:   learner,
		Registry:  registry,
		Alerts:    alerts,
		Collector: collector,
		Triggers:  engine,
		Streamer:  streamer,
		Limiter:   limiter,
	}
	server.RegisterSources()
	if err := server.Start(settings.Server.Port); err != nil {
		log.Fatalf("server: %v", err)
	}
}

// registerSkills binds every routing domain to its dog. The handlers
// acknowledge and notify; real skill backends replace them per
// deployment.
func registerSkills(registry *skills.Registry, sink notify.Sink) {
	for _, d := range policy.Domains() {
		d := d
		registry.Register(d.Name, d.Handler, func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
			if d.Name == "protection" {
				if risk, _ := payload["risk"].(string); risk == core.RiskCritical.String() {
					sink.Notify("judgment", "critical action blocked",
						"a critical-risk action was stopped by the warden",
						notify.PriorityUrgent, payload)
				}
			}
			return map[string]interface{}{
				"handled_by": d.Handler,
				"domain":     d.Name,
				"tool":       d.PreferredTool(),
			}, nil
		})
	}
}

// alertLoop periodically collects system state and re-evaluates the
// alert thresholds against it.
func alertLoop(ctx context.Context, settings config.Settings, ch *chain.Chain,
	sessions *session.Manager, learner *qlearn.Learner,
	alerts *monitoring.AlertManager, collector *monitoring.Collector,
	metrics *monitoring.Metrics) {

	interval := time.Duration(settings.Metrics.CollectEveryMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collector.Collect(ctx)

			stats := learner.Snapshot()
			var maxIdle time.Duration
			for _, u := range sessions.Users() {
				if s, ok := sessions.Get(u); ok {
					if idle := time.Since(s.LastSeenAt); idle > maxIdle {
						maxIdle = idle
					}
				}
			}

			alerts.Evaluate(monitoring.Inputs{
				AvgQScore:      stats.AvgQ,
				QScoreKnown:    stats.Episodes > 0,
				ChainIntact:    !ch.ReadOnly(),
				MaxSessionIdle: maxIdle,
			})
			metrics.AlertsActive.Set(float64(len(alerts.Active())))
		}
	}
}

// chainLoop drives the idle-close trigger and announces sealed blocks.
func chainLoop(ctx context.Context, settings config.Settings, ch *chain.Chain, bus events.Emitter) {
	idle := time.Duration(settings.Chain.IdleCloseMs) * time.Millisecond
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b, err := ch.CloseIfIdle()
			if err != nil {
				log.Printf("idle close failed: %v", err)
				continue
			}
			if b != nil {
				bus.Emit(events.TypeBlockSealed, "chain", fmt.Sprintf("%d", b.Slot), map[string]interface{}{
					"slot":      b.Slot,
					"judgments": len(b.Judgments),
				})
			}
		}
	}
}

// triggerLoop evaluates the proactive triggers against what the node
// can observe on its own: failed trace steps become error records.
// Goals, focus, and energy arrive only when an embedder feeds them.
func triggerLoop(ctx context.Context, engine *triggers.Engine,
	sessions *session.Manager, tracer *trace.Tracer) {

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, user := range sessions.Users() {
				var errs []triggers.ErrorRecord
				for _, rec := range tracer.ByUser(user, 50) {
					for _, step := range rec.Steps {
						if !step.OK {
							errs = append(errs, triggers.ErrorRecord{
								Kind: rec.Domain + ":" + step.Stage,
								At:   rec.Timestamp,
							})
						}
					}
				}
				fired := engine.Evaluate(triggers.Snapshot{UserID: user, Errors: errs})
				for _, sg := range fired {
					sessions.AddSuggestion(user, sg)
				}
			}
		}
	}
}

// evictLoop sweeps idle sessions.
func evictLoop(ctx context.Context, settings config.Settings, sessions *session.Manager) {
	ticker := time.NewTicker(time.Duration(settings.Session.EvictSweepEveryS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.EvictIdle(); n > 0 {
				log.Printf("evicted %d idle sessions", n)
			}
		}
	}
}
