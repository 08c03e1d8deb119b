package client

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

var ErrBreakerOpen = errors.New("breaker is open: server looks down, failing fast")

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker fails requests fast once the server has produced a run of
// consecutive transport failures, instead of letting every queued task ride
// out its own timeout against a dead server. After the cooldown one probe
// request is let through; its outcome decides whether the breaker closes.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool
	onStateChange       func(from, to BreakerState)
}

func NewBreaker(settings *config.BreakerSettings) *Breaker {
	return &Breaker{
		threshold: settings.Threshold,
		cooldown:  settings.Cooldown,
		state:     BreakerClosed,
	}
}

func (b *Breaker) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow reports whether a request may proceed right now.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrBreakerOpen
		}
		b.setState(BreakerHalfOpen)
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Record feeds the outcome of an allowed request back into the breaker.
// Only transport-class failures count against it; a 404 or 403 proves the
// server is alive.
func (b *Breaker) Record(err error) {
	transportFailure := err != nil && isTransportFailure(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		if transportFailure {
			b.consecutiveFailures++
			if b.consecutiveFailures >= b.threshold {
				b.setState(BreakerOpen)
				b.openedAt = time.Now()
			}
		} else {
			b.consecutiveFailures = 0
		}
	case BreakerHalfOpen:
		b.probing = false
		if transportFailure {
			b.setState(BreakerOpen)
			b.openedAt = time.Now()
			b.consecutiveFailures = b.threshold
		} else {
			b.setState(BreakerClosed)
			b.consecutiveFailures = 0
		}
	case BreakerOpen:
		// Late results from requests that were already in flight when the
		// breaker tripped.
		if !transportFailure {
			b.setState(BreakerClosed)
			b.consecutiveFailures = 0
		}
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(BreakerClosed)
	b.consecutiveFailures = 0
	b.probing = false
}

// setState must be called with the mutex held.
func (b *Breaker) setState(state BreakerState) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	if b.onStateChange != nil {
		b.onStateChange(prev, state)
	}
}

func isTransportFailure(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == KindTransport
	}
	return isNetworkError(err)
}

type breakerTransport struct {
	next    http.RoundTripper
	breaker *Breaker
	metrics MetricsCollector
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}

	resp, err := t.next.RoundTrip(req)

	outcome := err
	if outcome == nil && resp != nil && resp.StatusCode >= 500 {
		outcome = &APIError{Kind: KindTransport, StatusCode: resp.StatusCode}
	}
	t.breaker.Record(outcome)

	if t.metrics != nil {
		t.metrics.RecordBreakerState(t.breaker.State().String())
	}

	return resp, err
}
