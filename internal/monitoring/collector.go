// Package monitoring is the observability ring of the node: a snapshot
// collector fanning out over registered sources, a threshold alert
// manager with fired/cleared diffing, Prometheus vectors, and the
// published text exposition.
package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// Source produces one named section of a snapshot. Sources must be
// cheap and read-only; a failing source yields an error field in its
// section, never a failed snapshot.
type Source func(ctx context.Context) (map[string]interface{}, error)

// Section is one source's contribution.
type Section struct {
	Data map[string]interface{} `json:"data,omitempty"`
	Err  string                 `json:"error,omitempty"`
}

// Snapshot is one collected view of the node.
type Snapshot struct {
	Taken    time.Time          `json:"taken"`
	Took     time.Duration      `json:"took"`
	Sections map[string]Section `json:"sections"`
}

// Collector gathers snapshots from registered sources in parallel.
type Collector struct {
	mu      sync.RWMutex
	sources map[string]Source
	timeout time.Duration
	started time.Time
}

// NewCollector creates a collector with a built-in system source
// (uptime, heap usage, goroutines).
func NewCollector(timeout time.Duration) *Collector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Collector{
		sources: make(map[string]Source),
		timeout: timeout,
		started: time.Now(),
	}
	c.Register("system", c.systemSource)
	return c
}

// Register adds or replaces a named source.
func (c *Collector) Register(name string, src Source) {
	c.mu.Lock()
	c.sources[name] = src
	c.mu.Unlock()
}

// Collect fans out to every source in parallel and assembles one
// snapshot. A panicking or failing source contributes only its error.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.RLock()
	names := make([]string, 0, len(c.sources))
	srcs := make([]Source, 0, len(c.sources))
	for name, src := range c.sources {
		names = append(names, name)
		srcs = append(srcs, src)
	}
	c.mu.RUnlock()

	start := time.Now()
	results := make([]Section, len(srcs))
	var wg sync.WaitGroup
	for i := range srcs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = Section{Err: fmt.Sprintf("source panicked: %v", r)}
				}
			}()
			data, err := srcs[i](ctx)
			if err != nil {
				results[i] = Section{Err: err.Error()}
				return
			}
			results[i] = Section{Data: data}
		}(i)
	}
	wg.Wait()

	snap := Snapshot{
		Taken:    start,
		Took:     time.Since(start),
		Sections: make(map[string]Section, len(names)),
	}
	for i, name := range names {
		snap.Sections[name] = results[i]
	}
	return snap
}

// System runs only the built-in system source.
func (c *Collector) System() (map[string]interface{}, error) {
	return c.systemSource(context.Background())
}

// Uptime reports time since the collector was constructed.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.started)
}

func (c *Collector) systemSource(ctx context.Context) (map[string]interface{}, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return map[string]interface{}{
		"uptime_seconds":    c.Uptime().Seconds(),
		"memory_used_bytes": ms.HeapAlloc,
		"goroutines":        runtime.NumGoroutine(),
	}, nil
}
