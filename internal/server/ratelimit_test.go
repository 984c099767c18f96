package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(rl *RateLimiter, start time.Time) *time.Time {
	now := start
	rl.now = func() time.Time { return now }
	return &now
}

func TestRateLimiter_AllowsBurstThenRejects(t *testing.T) {
	rl := NewRateLimiter(3)
	fixedClock(rl, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	for i := range 3 {
		require.NoError(t, rl.Allow("10.0.0.1"), "submission %d", i+1)
	}

	err := rl.Allow("10.0.0.1")
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 3, rle.Limit)
	assert.InDelta(t, float64(20*time.Second), float64(rle.RetryAfter), float64(time.Millisecond))

	assert.NoError(t, rl.Allow("10.0.0.2"), "clients are limited separately")
}

func TestRateLimiter_Refills(t *testing.T) {
	rl := NewRateLimiter(60)
	now := fixedClock(rl, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	for range 60 {
		require.NoError(t, rl.Allow("scribe"))
	}
	require.Error(t, rl.Allow("scribe"))

	*now = now.Add(time.Second)
	assert.NoError(t, rl.Allow("scribe"))
	assert.Error(t, rl.Allow("scribe"))
}

func TestRateLimiter_RejectionDoesNotConsume(t *testing.T) {
	rl := NewRateLimiter(1)
	now := fixedClock(rl, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	require.NoError(t, rl.Allow("a"))
	for range 5 {
		require.Error(t, rl.Allow("a"))
	}
	*now = now.Add(time.Minute)
	assert.NoError(t, rl.Allow("a"))
}

func TestRateLimiter_PrunesIdleClients(t *testing.T) {
	rl := NewRateLimiter(5)
	now := fixedClock(rl, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	require.NoError(t, rl.Allow("a"))
	require.NoError(t, rl.Allow("b"))
	assert.Equal(t, 2, rl.Clients())

	*now = now.Add(staleAfter + time.Second)
	require.NoError(t, rl.Allow("c"))
	assert.Equal(t, 1, rl.Clients())
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0)
	for range 100 {
		require.NoError(t, rl.Allow("a"))
	}
	assert.Equal(t, 0, rl.Clients())

	var nilLimiter *RateLimiter
	assert.NoError(t, nilLimiter.Allow("a"))
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded list", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "10.0.0.1:5000", "203.0.113.7"},
		{"forwarded single", map[string]string{"X-Forwarded-For": " 203.0.113.8 "}, "10.0.0.1:5000", "203.0.113.8"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.2"}, "10.0.0.1:5000", "198.51.100.2"},
		{"remote addr", nil, "192.0.2.4:443", "192.0.2.4"},
		{"remote without port", nil, "192.0.2.5", "192.0.2.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/runs", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(req))
		})
	}
}
