package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

type RetryableOperation func() error

// Retryer reruns failed operations with exponential backoff. With the
// default MaxAttempts of 1 it degrades to a single attempt: a failure is
// surfaced to the caller, which classifies it per object instead of hiding
// it behind silent re-requests.
type Retryer struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	multiplier  float64
	jitter      bool
}

func NewRetryer(settings *config.RetrySettings) *Retryer {
	if settings == nil {
		settings = &config.RetrySettings{
			MaxAttempts:  1,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		}
	}

	maxAttempts := settings.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &Retryer{
		maxAttempts: maxAttempts,
		baseDelay:   settings.InitialDelay,
		maxDelay:    settings.MaxDelay,
		multiplier:  settings.Multiplier,
		jitter:      settings.Jitter,
	}
}

// Execute runs operation up to maxAttempts times, backing off between
// attempts. Non-retryable failures and context cancellation end the loop
// immediately.
func (r *Retryer) Execute(ctx context.Context, operation RetryableOperation, operationName string) error {
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		var apiErr *APIError
		if ae, ok := err.(*APIError); ok {
			apiErr = ae
		} else {
			apiErr = NewAPIError(err, operationName)
		}

		if !apiErr.IsRetryable() {
			return apiErr
		}

		if attempt == r.maxAttempts {
			break
		}

		delay := r.calculateDelay(attempt, apiErr.RetryAfter)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	if apiErr, ok := lastErr.(*APIError); ok {
		return apiErr
	}
	return NewAPIError(lastErr, operationName)
}

func (r *Retryer) calculateDelay(attempt int, retryAfter time.Duration) time.Duration {
	// The server's own Retry-After wins when it is sane.
	if retryAfter > 0 && retryAfter <= r.maxDelay {
		return retryAfter
	}

	delay := float64(r.baseDelay) * math.Pow(r.multiplier, float64(attempt-1))
	if time.Duration(delay) > r.maxDelay {
		delay = float64(r.maxDelay)
	}

	finalDelay := time.Duration(delay)

	if r.jitter && finalDelay > 0 {
		jitterAmount := finalDelay / 4
		finalDelay += time.Duration(float64(jitterAmount) * (2*rand.Float64() - 1))
		if finalDelay < 0 {
			finalDelay = time.Duration(delay) / 2
		}
	}

	return finalDelay
}

type RetryMetrics struct {
	TotalRequests   int64
	RetriedRequests int64
	FailedRequests  int64
	AverageAttempts float64
	RetryReasons    map[ErrorKind]int64
	LastUpdate      time.Time
}

// retryTransport implements http.RoundTripper retry around the rest of the
// middleware chain.
type retryTransport struct {
	retryer *Retryer
	next    http.RoundTripper
	metrics RetryMetrics
	mu      sync.RWMutex
}

func newRetryTransport(settings *config.RetrySettings, next http.RoundTripper) *retryTransport {
	if next == nil {
		next = http.DefaultTransport
	}

	return &retryTransport{
		retryer: NewRetryer(settings),
		next:    next,
		metrics: RetryMetrics{
			RetryReasons: make(map[ErrorKind]int64),
			LastUpdate:   time.Now(),
		},
	}
}

func (rt *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	var lastResp *http.Response
	var attemptCount int

	rt.mu.Lock()
	rt.metrics.TotalRequests++
	rt.mu.Unlock()

	operation := func() error {
		attemptCount++

		if attemptCount > 1 && bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := rt.next.RoundTrip(req)
		if err != nil {
			return NewAPIError(err, req.URL.Path)
		}

		if resp.StatusCode >= 400 {
			// A retried response body must be drained so the connection can
			// be reused; NewHTTPError reads it for the error message.
			apiErr := NewHTTPError(resp, req.URL.Path)
			resp.Body.Close()
			lastResp = nil
			return apiErr
		}

		lastResp = resp
		return nil
	}

	err := rt.retryer.Execute(req.Context(), operation, req.URL.Path)

	rt.updateMetrics(attemptCount, err)

	if err != nil {
		return nil, err
	}

	return lastResp, nil
}

func (rt *retryTransport) updateMetrics(attemptCount int, finalErr error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if attemptCount > 1 {
		rt.metrics.RetriedRequests++
	}

	if finalErr != nil {
		rt.metrics.FailedRequests++
		if apiErr, ok := finalErr.(*APIError); ok {
			rt.metrics.RetryReasons[apiErr.Kind]++
		}
	}

	totalAttempts := rt.metrics.AverageAttempts*float64(rt.metrics.TotalRequests-1) + float64(attemptCount)
	rt.metrics.AverageAttempts = totalAttempts / float64(rt.metrics.TotalRequests)
	rt.metrics.LastUpdate = time.Now()
}

func (rt *retryTransport) GetMetrics() RetryMetrics {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	metrics := rt.metrics
	metrics.RetryReasons = make(map[ErrorKind]int64)
	for k, v := range rt.metrics.RetryReasons {
		metrics.RetryReasons[k] = v
	}

	return metrics
}
