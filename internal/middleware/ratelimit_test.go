package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 3, BurstSize: 5})
	defer rl.Close()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("alice"))
	}
	// Over the per-minute limit but inside the burst allowance.
	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("alice"))
	// Past the burst.
	assert.False(t, rl.Allow("alice"))

	// Another key has its own window.
	assert.True(t, rl.Allow("bob"))
}

func TestWrapRejectsWith429(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1})
	defer rl.Close()

	handler := rl.Wrap(func(r *http.Request) string {
		return r.Header.Get("X-User-ID")
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/process", nil)
		if user != "" {
			req.Header.Set("X-User-ID", user)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, call("carol"))
	assert.Equal(t, http.StatusTooManyRequests, call("carol"))

	// Empty key bypasses the limiter.
	assert.Equal(t, http.StatusOK, call(""))
	assert.Equal(t, http.StatusOK, call(""))
}
