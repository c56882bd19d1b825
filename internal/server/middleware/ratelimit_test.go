package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/synckit/pkg/api"
)

func TestRateLimiter_Allow(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute, testLogger())
	defer limiter.Stop()

	allowed, _ := limiter.Allow("1.2.3.4")
	assert.True(t, allowed)
	allowed, _ = limiter.Allow("1.2.3.4")
	assert.True(t, allowed)

	allowed, retryAfter := limiter.Allow("1.2.3.4")
	assert.False(t, allowed)
	assert.Positive(t, retryAfter)

	// Другой ключ не задет
	allowed, _ = limiter.Allow("5.6.7.8")
	assert.True(t, allowed)
}

func TestRateLimitMiddleware_SendsRetryAfter(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimitMiddleware(1, time.Minute, testLogger())(next)

	req := httptest.NewRequest(http.MethodGet, "/storage/cards", nil)
	req.RemoteAddr = "1.2.3.4:5678"

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req)
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)
	require.Equal(t, http.StatusTooManyRequests, second.Code)

	retryAfter, err := strconv.Atoi(second.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Positive(t, retryAfter)

	var errBody api.ErrorBody
	require.NoError(t, json.NewDecoder(second.Body).Decode(&errBody))
	assert.Equal(t, http.StatusTooManyRequests, errBody.Code)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name     string
		forward  string
		realIP   string
		remote   string
		expected string
	}{
		{name: "x-forwarded-for single", forward: "10.0.0.1", remote: "1.2.3.4:5678", expected: "10.0.0.1"},
		{name: "x-forwarded-for list", forward: "10.0.0.1, 10.0.0.2", remote: "1.2.3.4:5678", expected: "10.0.0.1"},
		{name: "x-real-ip", realIP: "10.0.0.3", remote: "1.2.3.4:5678", expected: "10.0.0.3"},
		{name: "remote addr", remote: "1.2.3.4:5678", expected: "1.2.3.4:5678"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.forward != "" {
				req.Header.Set("X-Forwarded-For", tt.forward)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			assert.Equal(t, tt.expected, getClientIP(req))
		})
	}
}
