package supabase

import (
	"math"
	"math/rand"
	"net/http"
	"time"
)

// RetryConfig configures retry behavior for idempotent requests.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Jitter adds randomness to backoff (0.0 to 1.0)
	Jitter               float64
	RetryableStatusCodes []int
}

// DefaultRetryConfig returns the defaults used by LoadConfig.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryableStatusCodes: []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

func (r RetryConfig) retryableStatus(code int) bool {
	for _, c := range r.RetryableStatusCodes {
		if c == code {
			return true
		}
	}
	return false
}

// backoff returns the wait before the attempt following the given one (1-based).
func (r RetryConfig) backoff(attempt int) time.Duration {
	mult := r.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(r.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if r.MaxBackoff > 0 && d > float64(r.MaxBackoff) {
		d = float64(r.MaxBackoff)
	}
	if r.Jitter > 0 {
		d += d * r.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}
