// Package middleware holds the HTTP middleware of the API surface.
package middleware

import (
	"log"
	"net/http"
	"sync"
	"time"
)

// RateLimiter enforces a per-user sliding window on decision calls so
// one chatty embedder cannot starve the pipeline.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	cfg     RateLimitConfig
	logger  *log.Logger
	stop    chan struct{}
}

// RateLimitConfig bounds calls per user. Burst allows short spikes
// above the per-minute limit.
type RateLimitConfig struct {
	MaxCallsPerMinute int
	BurstSize         int
}

type window struct {
	count   int
	started time.Time
}

// NewRateLimiter builds a limiter; zero config means 60/min with a 2x
// burst.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxCallsPerMinute <= 0 {
		cfg.MaxCallsPerMinute = 60
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}
	rl := &RateLimiter{
		windows: make(map[string]*window),
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		stop:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether one more call from key fits the window.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	w, ok := rl.windows[key]
	if !ok || now.Sub(w.started) > time.Minute {
		rl.windows[key] = &window{count: 1, started: now}
		rl.mu.Unlock()
		return true
	}
	w.count++
	count := w.count
	rl.mu.Unlock()

	// BurstSize is the hard cap; between the per-minute rate and the
	// cap a call still passes, logged as a soft overrun.
	if count > rl.cfg.BurstSize {
		rl.logger.Printf("rate limit exceeded (burst): key=%s count=%d", key, count)
		return false
	}
	if count > rl.cfg.MaxCallsPerMinute {
		rl.logger.Printf("rate above per-minute limit: key=%s count=%d", key, count)
	}
	return true
}

// Wrap returns mux middleware keyed by the keyFn result; an empty key
// bypasses the limiter.
func (rl *RateLimiter) Wrap(keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key != "" && !rl.Allow(key) {
				w.Header().Set("Retry-After", "60")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Close stops the background sweeper.
func (rl *RateLimiter) Close() {
	close(rl.stop)
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * time.Minute)
			rl.mu.Lock()
			for key, w := range rl.windows {
				if w.started.Before(cutoff) {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
