package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

// RateLimiter throttles outgoing requests with a token bucket so a wide
// worker pool cannot hammer the server past the configured request rate.
type RateLimiter struct {
	limiter  *rate.Limiter
	settings *config.RateLimitSettings
	metrics  RateLimitMetrics
	mu       sync.RWMutex
}

type RateLimitMetrics struct {
	TotalRequests       int64
	AllowedRequests     int64
	RateLimitedRequests int64
	WaitTime            time.Duration
	LastUpdate          time.Time
}

func NewRateLimiter(settings *config.RateLimitSettings) *RateLimiter {
	limiter := rate.NewLimiter(rate.Limit(settings.RequestsPerSecond), settings.BurstSize)

	return &RateLimiter{
		limiter:  limiter,
		settings: settings,
		metrics: RateLimitMetrics{
			LastUpdate: time.Now(),
		},
	}
}

// Wait blocks until a token is available or the context (bounded by the
// limiter's own timeout) gives up.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	start := time.Now()

	rl.mu.Lock()
	rl.metrics.TotalRequests++
	rl.mu.Unlock()

	if rl.settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rl.settings.Timeout)
		defer cancel()
	}

	err := rl.limiter.Wait(ctx)
	waitTime := time.Since(start)

	rl.mu.Lock()
	if err != nil {
		rl.metrics.RateLimitedRequests++
	} else {
		rl.metrics.AllowedRequests++
		rl.metrics.WaitTime += waitTime
	}
	rl.metrics.LastUpdate = time.Now()
	rl.mu.Unlock()

	return err
}

func (rl *RateLimiter) Allow() bool {
	allowed := rl.limiter.Allow()

	rl.mu.Lock()
	rl.metrics.TotalRequests++
	if allowed {
		rl.metrics.AllowedRequests++
	} else {
		rl.metrics.RateLimitedRequests++
	}
	rl.metrics.LastUpdate = time.Now()
	rl.mu.Unlock()

	return allowed
}

func (rl *RateLimiter) GetMetrics() RateLimitMetrics {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return rl.metrics
}

func (rl *RateLimiter) CurrentRate() float64 {
	return float64(rl.limiter.Limit())
}

func (rl *RateLimiter) retryAfter() time.Duration {
	reservation := rl.limiter.Reserve()
	defer reservation.Cancel()

	return reservation.Delay()
}

type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return e.Message
}

func (e *RateLimitError) IsRetryable() bool {
	return true
}

// rateLimiterTransport gates requests through the limiter before handing
// them to the next RoundTripper.
type rateLimiterTransport struct {
	next        http.RoundTripper
	rateLimiter *RateLimiter
	metrics     MetricsCollector
}

func (t *rateLimiterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.rateLimiter.Wait(req.Context()); err != nil {
		if t.metrics != nil {
			t.metrics.RecordRateLimit(true)
		}
		return nil, &RateLimitError{
			Message:    "local rate limit wait gave up: " + err.Error(),
			RetryAfter: t.rateLimiter.retryAfter(),
		}
	}

	if t.metrics != nil {
		t.metrics.RecordRateLimit(false)
	}
	return t.next.RoundTrip(req)
}
