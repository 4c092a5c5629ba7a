package skills

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiternet/arbiter/internal/circuitbreaker"
)

func TestInvokeReturnsEnvelope(t *testing.T) {
	r := NewRegistry(Options{})
	r.Register("design", "architect", func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"sketch": payload["topic"]}, nil
	})

	res, err := r.Invoke(context.Background(), "design", map[string]interface{}{"topic": "cache"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "cache", res.Result["sketch"])
	assert.Empty(t, res.Error)
	assert.GreaterOrEqual(t, res.TookMs, int64(0))

	assert.Equal(t, uint64(1), r.Counts()["architect"])
	assert.Equal(t, "architect", r.Dog("design"))
}

func TestInvokeUnknownDomain(t *testing.T) {
	r := NewRegistry(Options{})
	res, err := r.Invoke(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownDomain)
	assert.False(t, res.OK)
}

func TestHandlerErrorLandsInEnvelope(t *testing.T) {
	r := NewRegistry(Options{})
	r.Register("analysis", "scout", func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("profiler crashed")
	})

	res, err := r.Invoke(context.Background(), "analysis", nil)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "profiler crashed", res.Error)
}

func TestDeadlineEnforced(t *testing.T) {
	r := NewRegistry(Options{Deadline: 20 * time.Millisecond})
	r.Register("memory", "keeper", func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		select {
		case <-time.After(500 * time.Millisecond):
			return map[string]interface{}{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	start := time.Now()
	res, err := r.Invoke(context.Background(), "memory", nil)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "deadline-exceeded", res.Error)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestDeadlineBoundsHandlersThatIgnoreContext(t *testing.T) {
	r := NewRegistry(Options{Deadline: 20 * time.Millisecond})
	r.Register("memory", "keeper", func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		time.Sleep(500 * time.Millisecond)
		return map[string]interface{}{}, nil
	})

	// Invoke must return at the deadline, not when the handler does.
	start := time.Now()
	res, err := r.Invoke(context.Background(), "memory", nil)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "deadline-exceeded", res.Error)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestBreakerOpensPerDomain(t *testing.T) {
	r := NewRegistry(Options{
		BreakerDefault: circuitbreaker.Config{
			FailureThreshold: 2,
			BaseBackoff:      time.Minute,
		},
	})
	r.Register("wisdom", "sage", func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("no counsel today")
	})
	r.Register("design", "architect", func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	})

	for i := 0; i < 2; i++ {
		res, err := r.Invoke(context.Background(), "wisdom", nil)
		require.NoError(t, err)
		assert.False(t, res.OK)
	}

	res, err := r.Invoke(context.Background(), "wisdom", nil)
	require.NoError(t, err)
	assert.True(t, IsCircuitOpen(res))

	// The design breaker is independent and stays closed.
	res, err = r.Invoke(context.Background(), "design", nil)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestQueueOverflowRejectsAsCircuitOpen(t *testing.T) {
	r := NewRegistry(Options{MaxConcurrent: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	r.Register("cleanup", "sweeper", func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		close(started)
		<-release
		return map[string]interface{}{}, nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := r.Invoke(context.Background(), "cleanup", nil)
		assert.NoError(t, err)
		assert.True(t, res.OK)
	}()

	<-started
	res, err := r.Invoke(context.Background(), "cleanup", nil)
	require.NoError(t, err)
	assert.True(t, IsCircuitOpen(res))

	close(release)
	wg.Wait()
}
