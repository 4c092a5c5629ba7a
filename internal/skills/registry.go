// Package skills dispatches domain work to named handlers ("dogs").
// Every invocation runs under a per-domain circuit breaker with a
// deadline and comes back in a uniform result envelope, so the
// orchestrator never has to care which dog did the work.
package skills

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/arbiternet/arbiter/internal/circuitbreaker"
	"github.com/arbiternet/arbiter/internal/core"
)

// Handler is one callable skill. The returned map lands in the result
// envelope verbatim.
type Handler func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)

// ErrUnknownDomain is returned when no dog is registered for a domain.
var ErrUnknownDomain = errors.New("no handler registered for domain")

// errCircuitOpen is the published envelope error string.
const errCircuitOpen = "circuit-open"

// DefaultDeadline bounds each invocation when settings leave it zero.
const DefaultDeadline = 5 * time.Second

// entry binds a dog name to its handler.
type entry struct {
	dog string
	fn  Handler
}

// Registry routes invocations by domain.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]entry
	counts   map[string]uint64 // invocations per dog
	breakers *circuitbreaker.Manager
	deadline time.Duration
	slots    chan struct{} // bounded concurrency; full means reject
	logger   *log.Logger
}

// Options tunes the registry; zero values take defaults.
type Options struct {
	Deadline       time.Duration
	MaxConcurrent  int // default 16
	BreakerDefault circuitbreaker.Config
}

// NewRegistry builds an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 16
	}
	return &Registry{
		entries:  make(map[string]entry),
		counts:   make(map[string]uint64),
		breakers: circuitbreaker.NewManager(opts.BreakerDefault),
		deadline: opts.Deadline,
		slots:    make(chan struct{}, opts.MaxConcurrent),
		logger:   log.New(log.Writer(), "[SKILLS] ", log.LstdFlags),
	}
}

// Register binds a dog to a domain, replacing any previous handler.
func (r *Registry) Register(domain, dog string, fn Handler) {
	r.mu.Lock()
	r.entries[domain] = entry{dog: dog, fn: fn}
	r.mu.Unlock()
}

// Dog returns the handler name for a domain, or "".
func (r *Registry) Dog(domain string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[domain].dog
}

// Domains lists registered domains.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for d := range r.entries {
		out = append(out, d)
	}
	return out
}

// Counts returns cumulative invocations per dog.
func (r *Registry) Counts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.counts))
	for dog, n := range r.counts {
		out[dog] = n
	}
	return out
}

// Breakers exposes the per-domain breaker manager for monitoring.
func (r *Registry) Breakers() *circuitbreaker.Manager {
	return r.breakers
}

// Invoke runs the domain's dog under its breaker and deadline. The
// envelope always comes back non-nil; failures are carried in it, and
// the error return is reserved for unknown domains.
func (r *Registry) Invoke(ctx context.Context, domain string, payload map[string]interface{}) (core.SkillResult, error) {
	r.mu.RLock()
	e, ok := r.entries[domain]
	r.mu.RUnlock()
	if !ok {
		return core.SkillResult{OK: false, Error: ErrUnknownDomain.Error()},
			fmt.Errorf("skills: %w: %s", ErrUnknownDomain, domain)
	}

	start := time.Now()

	// Bounded queue: a saturated registry sheds load the same way an
	// open breaker does.
	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	default:
		r.logger.Printf("queue full, rejecting %s invocation for domain %s", e.dog, domain)
		return envelope(nil, errCircuitOpen, start), nil
	}

	r.mu.Lock()
	r.counts[e.dog]++
	r.mu.Unlock()

	// The deadline wraps the breaker call itself, so its select bounds
	// the wait even when a handler never looks at its context.
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	var result map[string]interface{}
	br := r.breakers.Get(domain)
	err := br.Call(ctx, func(ctx context.Context) error {
		var ferr error
		result, ferr = e.fn(ctx, payload)
		if ferr == nil && ctx.Err() != nil {
			ferr = ctx.Err()
		}
		return ferr
	})

	switch {
	case err == nil:
		return envelope(result, "", start), nil
	case errors.Is(err, circuitbreaker.ErrOpen):
		return envelope(nil, errCircuitOpen, start), nil
	case errors.Is(err, circuitbreaker.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return envelope(nil, "deadline-exceeded", start), nil
	default:
		return envelope(nil, err.Error(), start), nil
	}
}

func envelope(result map[string]interface{}, errStr string, start time.Time) core.SkillResult {
	return core.SkillResult{
		OK:     errStr == "",
		Result: result,
		Error:  errStr,
		TookMs: time.Since(start).Milliseconds(),
	}
}

// IsCircuitOpen reports whether an envelope failed because the domain
// breaker rejected or the queue was full.
func IsCircuitOpen(res core.SkillResult) bool {
	return !res.OK && res.Error == errCircuitOpen
}
