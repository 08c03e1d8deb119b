package client

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

func transportErr() error {
	return &APIError{Kind: KindTransport, Message: "connection refused", Retryable: true}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b := NewBreaker(&config.BreakerSettings{Threshold: 3, Cooldown: time.Minute})

	for i := 0; i < 2; i++ {
		b.Record(transportErr())
		if b.State() != BreakerClosed {
			t.Fatalf("breaker opened too early at failure %d", i+1)
		}
	}

	b.Record(transportErr())
	if b.State() != BreakerOpen {
		t.Errorf("expected open after 3 consecutive failures, got %s", b.State())
	}

	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker(&config.BreakerSettings{Threshold: 3, Cooldown: time.Minute})

	b.Record(transportErr())
	b.Record(transportErr())
	b.Record(nil)
	b.Record(transportErr())
	b.Record(transportErr())

	if b.State() != BreakerClosed {
		t.Errorf("a success must reset the consecutive failure count, state=%s", b.State())
	}
}

func TestBreakerIgnoresNonTransportFailures(t *testing.T) {
	b := NewBreaker(&config.BreakerSettings{Threshold: 2, Cooldown: time.Minute})

	notFound := &APIError{Kind: KindNotFound, StatusCode: 404, Message: "not found"}
	denied := &APIError{Kind: KindPermissionDenied, StatusCode: 403, Message: "forbidden"}

	for i := 0; i < 5; i++ {
		b.Record(notFound)
		b.Record(denied)
	}

	if b.State() != BreakerClosed {
		t.Errorf("domain responses prove the server is alive, state=%s", b.State())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker(&config.BreakerSettings{Threshold: 1, Cooldown: 10 * time.Millisecond})

	b.Record(transportErr())
	if b.State() != BreakerOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	time.Sleep(20 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe to be allowed after cooldown, got %v", err)
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open during probe, got %s", b.State())
	}

	// A second caller must not slip through while the probe is in flight.
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected concurrent requests rejected during probe, got %v", err)
	}

	b.Record(nil)
	if b.State() != BreakerClosed {
		t.Errorf("expected closed after successful probe, got %s", b.State())
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := NewBreaker(&config.BreakerSettings{Threshold: 1, Cooldown: 5 * time.Millisecond})

	b.Record(transportErr())
	time.Sleep(10 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe allowed, got %v", err)
	}
	b.Record(transportErr())

	if b.State() != BreakerOpen {
		t.Errorf("expected reopen after failed probe, got %s", b.State())
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	b := NewBreaker(&config.BreakerSettings{Threshold: 1, Cooldown: time.Minute})

	var transitions []BreakerState
	b.OnStateChange(func(from, to BreakerState) {
		transitions = append(transitions, to)
	})

	b.Record(transportErr())

	if len(transitions) != 1 || transitions[0] != BreakerOpen {
		t.Errorf("expected a single transition to open, got %v", transitions)
	}
}

func TestIsNetworkError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "sonar.example.com"}, expected: true},
		{name: "op error", err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}, expected: true},
		{name: "keyword match", err: errors.New("read: connection reset by peer"), expected: true},
		{name: "unrelated", err: errors.New("invalid value"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isNetworkError(tt.err); got != tt.expected {
				t.Errorf("isNetworkError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}
