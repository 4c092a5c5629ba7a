// Package config loads node settings from YAML with env fallbacks for
// the connection strings. Every knob has a default; a missing file
// yields a fully usable Settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/arbiternet/arbiter/internal/chain"
	"github.com/arbiternet/arbiter/internal/circuitbreaker"
	"github.com/arbiternet/arbiter/internal/core"
	"github.com/arbiternet/arbiter/internal/monitoring"
	"github.com/arbiternet/arbiter/internal/policy"
	"github.com/arbiternet/arbiter/internal/session"
	"github.com/arbiternet/arbiter/internal/skills"
	"github.com/arbiternet/arbiter/internal/trace"
)

// Settings is the full node configuration.
type Settings struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Node struct {
		ID string `yaml:"id"`
	} `yaml:"node"`

	// ConfidenceCap bounds every returned decision confidence.
	ConfidenceCap float64 `yaml:"confidence-cap"`

	// Trust overrides the tier cutoffs. Zero fields keep the defaults.
	Trust struct {
		Guardian    float64 `yaml:"guardian"`
		Steward     float64 `yaml:"steward"`
		Builder     float64 `yaml:"builder"`
		Contributor float64 `yaml:"contributor"`
	} `yaml:"trust-thresholds"`

	Chain struct {
		SlotJudgmentLimit int `yaml:"slot-judgment-limit"`
		IdleCloseMs       int `yaml:"idle-close-ms"`
	} `yaml:"chain"`

	Circuit struct {
		FailureThreshold int `yaml:"failure-threshold"`
		BaseBackoffMs    int `yaml:"base-backoff-ms"`
		MaxBackoffMs     int `yaml:"max-backoff-ms"`
	} `yaml:"circuit"`

	Skill struct {
		DeadlineMs    int `yaml:"deadline-ms"`
		MaxConcurrent int `yaml:"max-concurrent"`
	} `yaml:"skill"`

	Metrics struct {
		Thresholds struct {
			QScoreFloor      float64 `yaml:"q-score-floor"`
			CacheHitFloor    float64 `yaml:"cache-hit-floor"`
			SessionIdleMaxMs int     `yaml:"session-idle-max-ms"`
		} `yaml:"thresholds"`
		CollectEveryMs int `yaml:"collect-every-ms"`
	} `yaml:"metrics"`

	Trace struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"trace"`

	Session struct {
		IdleTTLMs        int `yaml:"idle-ttl-ms"`
		TrustHalfLifeMs  int `yaml:"trust-half-life-ms"`
		EvictSweepEveryS int `yaml:"evict-sweep-every-s"`
	} `yaml:"session"`

	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Webhook struct {
		URL     string `yaml:"url"`
		Workers int    `yaml:"workers"`
	} `yaml:"webhook"`
}

// Default returns the settings a node runs with when no file is given.
func Default() Settings {
	var s Settings
	s.applyDefaults()
	return s
}

// Load reads settings from a YAML file. An empty path or a missing
// file is not an error and yields defaults; a malformed file is.
func Load(path string) (Settings, error) {
	s := Default()
	if path == "" {
		s.applyEnv()
		return s, nil
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		s.applyEnv()
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&s); err != nil {
		return s, fmt.Errorf("parse config %s: %w", path, err)
	}
	s.applyDefaults()
	s.applyEnv()
	return s, nil
}

func (s *Settings) applyDefaults() {
	if s.Server.Port <= 0 {
		s.Server.Port = 8080
	}
	if s.Node.ID == "" {
		s.Node.ID = "arbiter"
	}
	if s.ConfidenceCap <= 0 || s.ConfidenceCap > 1 {
		s.ConfidenceCap = core.PhiInverse
	}
	if s.Circuit.FailureThreshold <= 0 {
		s.Circuit.FailureThreshold = 5
	}
	if s.Skill.DeadlineMs <= 0 {
		s.Skill.DeadlineMs = 5000
	}
	if s.Trace.Capacity <= 0 {
		s.Trace.Capacity = trace.DefaultCapacity
	}
	if s.Metrics.CollectEveryMs <= 0 {
		s.Metrics.CollectEveryMs = 15000
	}
	if s.Session.EvictSweepEveryS <= 0 {
		s.Session.EvictSweepEveryS = 600
	}
	if s.Webhook.Workers <= 0 {
		s.Webhook.Workers = 4
	}
}

// applyEnv lets the connection strings come from the environment, which
// godotenv populates from .env at startup.
func (s *Settings) applyEnv() {
	if v := os.Getenv("ARBITER_POSTGRES_DSN"); v != "" {
		s.Postgres.DSN = v
	}
	if v := os.Getenv("ARBITER_REDIS_ADDR"); v != "" {
		s.Redis.Addr = v
	}
	if v := os.Getenv("ARBITER_REDIS_PASSWORD"); v != "" {
		s.Redis.Password = v
	}
	if v := os.Getenv("ARBITER_WEBHOOK_URL"); v != "" {
		s.Webhook.URL = v
	}
}

// TierThresholds maps the trust section onto the policy cutoffs. Unset
// fields fall back to the published defaults.
func (s Settings) TierThresholds() policy.TierThresholds {
	th := policy.DefaultTierThresholds()
	if s.Trust.Guardian > 0 {
		th.Guardian = s.Trust.Guardian
	}
	if s.Trust.Steward > 0 {
		th.Steward = s.Trust.Steward
	}
	if s.Trust.Builder > 0 {
		th.Builder = s.Trust.Builder
	}
	if s.Trust.Contributor > 0 {
		th.Contributor = s.Trust.Contributor
	}
	return th
}

// ChainConfig builds the chain configuration for this node.
func (s Settings) ChainConfig() chain.Config {
	return chain.Config{
		ProducerID:        s.Node.ID,
		SlotJudgmentLimit: s.Chain.SlotJudgmentLimit,
		IdleClose:         time.Duration(s.Chain.IdleCloseMs) * time.Millisecond,
	}
}

// BreakerConfig is the per-skill circuit breaker default.
func (s Settings) BreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: s.Circuit.FailureThreshold,
		BaseBackoff:      time.Duration(s.Circuit.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:       time.Duration(s.Circuit.MaxBackoffMs) * time.Millisecond,
	}
}

// SkillOptions builds the registry options.
func (s Settings) SkillOptions() skills.Options {
	return skills.Options{
		Deadline:       time.Duration(s.Skill.DeadlineMs) * time.Millisecond,
		MaxConcurrent:  s.Skill.MaxConcurrent,
		BreakerDefault: s.BreakerConfig(),
	}
}

// SessionOptions builds the session manager options. The trust store
// is wired separately by the embedder.
func (s Settings) SessionOptions(store session.TrustStore) session.Options {
	return session.Options{
		IdleTTL:       time.Duration(s.Session.IdleTTLMs) * time.Millisecond,
		TrustHalfLife: time.Duration(s.Session.TrustHalfLifeMs) * time.Millisecond,
		Thresholds:    s.TierThresholds(),
		Store:         store,
	}
}

// AlertThresholds maps the metrics section onto the alert floors.
func (s Settings) AlertThresholds() monitoring.Thresholds {
	return monitoring.Thresholds{
		QScoreFloor:    s.Metrics.Thresholds.QScoreFloor,
		CacheHitFloor:  s.Metrics.Thresholds.CacheHitFloor,
		SessionIdleMax: time.Duration(s.Metrics.Thresholds.SessionIdleMaxMs) * time.Millisecond,
	}
}
