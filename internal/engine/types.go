package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okorach/sonar-tools-sub002/pkg/client"
)

// Logger is the minimal logging surface the engine needs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// Recorder receives per-task metrics.
type Recorder interface {
	RecordTask(operation, outcome string, duration time.Duration)
}

// OutcomeKind classifies how a task ended.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTimeout
	OutcomeTransportError
	OutcomeDomainError
	OutcomeUnexpectedError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeTransportError:
		return "transport_error"
	case OutcomeDomainError:
		return "domain_error"
	case OutcomeUnexpectedError:
		return "unexpected_error"
	default:
		return "unknown"
	}
}

// Outcome is the classified end state of one task.
type Outcome struct {
	Kind    OutcomeKind
	Code    string // error kind or status code for domain failures
	Message string
	Err     error
}

func (o Outcome) Success() bool {
	return o.Kind == OutcomeSuccess
}

// Task is one unit of independent work. Key is a stable identity used for
// logs, metrics and re-sorting results after collection.
type Task struct {
	Key string
	Op  func(ctx context.Context) (interface{}, error)
}

// Result pairs a task with its outcome. Results arrive in completion
// order, not submission order.
type Result struct {
	Key      string
	Value    interface{}
	Outcome  Outcome
	Duration time.Duration
}

// Summary aggregates a finished batch.
type Summary struct {
	Total            int
	Succeeded        int
	Timeouts         int
	TransportErrors  int
	DomainErrors     int
	UnexpectedErrors int
	Unauthorized     bool
	Duration         time.Duration
}

// Failed counts every non-success outcome.
func (s Summary) Failed() int {
	return s.Timeouts + s.TransportErrors + s.DomainErrors + s.UnexpectedErrors
}

// Add folds one result into the aggregate. Callers consuming Run's
// stream directly use it to build the same summary RunAll reports.
func (s Summary) Add(r Result) Summary {
	s.Total++
	switch r.Outcome.Kind {
	case OutcomeSuccess:
		s.Succeeded++
	case OutcomeTimeout:
		s.Timeouts++
	case OutcomeTransportError:
		s.TransportErrors++
	case OutcomeDomainError:
		s.DomainErrors++
		if client.IsUnauthorized(r.Outcome.Err) {
			s.Unauthorized = true
		}
	case OutcomeUnexpectedError:
		s.UnexpectedErrors++
	}
	return s
}

// panicError carries a recovered panic out of a task goroutine.
type panicError struct {
	value interface{}
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// classify maps a task error to its outcome. Panics become unexpected
// errors, deadline and transport failures get their own kinds, everything
// else is a domain failure attributed to the object, not the batch.
func classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess}
	}

	var pe *panicError
	if errors.As(err, &pe) {
		return Outcome{Kind: OutcomeUnexpectedError, Message: pe.Error(), Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || client.IsTimeout(err) {
		return Outcome{Kind: OutcomeTimeout, Message: err.Error(), Err: err}
	}

	if client.IsTransport(err) || client.IsRateLimited(err) {
		return Outcome{Kind: OutcomeTransportError, Message: err.Error(), Err: err}
	}

	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return Outcome{
			Kind:    OutcomeDomainError,
			Code:    apiErr.Kind.String(),
			Message: apiErr.Message,
			Err:     err,
		}
	}

	return Outcome{Kind: OutcomeDomainError, Message: err.Error(), Err: err}
}
