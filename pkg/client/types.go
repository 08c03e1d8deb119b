package client

import (
	"time"
)

// Logger is the subset of the logging surface this package needs, so the
// client does not depend on a concrete logger implementation.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

type MetricsCollector interface {
	RecordRequest(method, endpoint string, duration time.Duration, statusCode int)
	RecordError(method, endpoint string, errorKind string)
	RecordRateLimit(limited bool)
	RecordBreakerState(state string)
}

type ClientStats struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	AverageLatency     time.Duration
	RateLimitHits      int64
	BreakerTrips       int64
	LastActivity       time.Time
}

// Paging mirrors the paging envelope the Web API returns on list endpoints.
type Paging struct {
	PageIndex int `json:"pageIndex"`
	PageSize  int `json:"pageSize"`
	Total     int `json:"total"`
}

// HasMore reports whether pages remain after the one this envelope came with.
func (p Paging) HasMore() bool {
	if p.PageSize <= 0 {
		return false
	}
	return p.PageIndex*p.PageSize < p.Total
}

// ForEachPage drives a paged fetch: it calls fetch with page numbers starting
// at 1 until the returned paging covers the full result set or fetch fails.
func ForEachPage(fetch func(page int) (Paging, error)) error {
	for page := 1; ; page++ {
		paging, err := fetch(page)
		if err != nil {
			return err
		}
		if !paging.HasMore() {
			return nil
		}
	}
}

// apiErrorBody is the error envelope of the Web API:
// {"errors":[{"msg":"..."}]}.
type apiErrorBody struct {
	Errors []struct {
		Msg string `json:"msg"`
	} `json:"errors"`
}
