package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind categorizes Web API failures so callers can branch on the class
// of failure instead of parsing status codes.
type ErrorKind int

const (
	// KindTransport covers 5xx responses and network level failures. The
	// request may never have reached the server.
	KindTransport ErrorKind = iota
	// KindTimeout covers context deadline or cancellation.
	KindTimeout
	// KindNotFound covers 404: the remote object does not exist.
	KindNotFound
	// KindUnauthorized covers 401: the token is invalid. Nothing else in the
	// batch can succeed, so callers treat it as fatal for the whole run.
	KindUnauthorized
	// KindPermissionDenied covers 403: the token lacks a permission on this
	// object, other objects may still work.
	KindPermissionDenied
	// KindAlreadyExists covers the 400 the server answers when creating an
	// object whose key is taken.
	KindAlreadyExists
	// KindRateLimited covers 429 and local limiter give-ups.
	KindRateLimited
	// KindDomain covers the remaining 4xx: the request was understood and
	// rejected.
	KindDomain
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindPermissionDenied:
		return "permission_denied"
	case KindAlreadyExists:
		return "already_exists"
	case KindRateLimited:
		return "rate_limited"
	case KindDomain:
		return "domain"
	default:
		return "unknown"
	}
}

// APIError carries the classification and context of a failed Web API call.
type APIError struct {
	Kind          ErrorKind
	OriginalError error
	StatusCode    int
	Message       string
	Endpoint      string
	Retryable     bool
	RetryAfter    time.Duration
	Timestamp     time.Time
}

func (e *APIError) Error() string {
	if e.Message != "" {
		if e.Endpoint != "" {
			return fmt.Sprintf("%s: %s", e.Endpoint, e.Message)
		}
		return e.Message
	}
	if e.OriginalError != nil {
		return e.OriginalError.Error()
	}
	return fmt.Sprintf("api error: kind=%s, endpoint=%s", e.Kind.String(), e.Endpoint)
}

func (e *APIError) Unwrap() error {
	return e.OriginalError
}

func (e *APIError) IsRetryable() bool {
	return e.Retryable
}

// NewAPIError classifies a request-level failure (no HTTP response).
func NewAPIError(err error, endpoint string) *APIError {
	if err == nil {
		return nil
	}

	apiErr := &APIError{
		OriginalError: err,
		Endpoint:      endpoint,
		Timestamp:     time.Now(),
	}

	categorizeError(apiErr)
	return apiErr
}

// NewHTTPError classifies a non-2xx HTTP response. It consumes the body to
// extract the server's error messages.
func NewHTTPError(resp *http.Response, endpoint string) *APIError {
	if resp == nil {
		return &APIError{
			Kind:      KindTransport,
			Message:   "nil HTTP response",
			Endpoint:  endpoint,
			Retryable: true,
			Timestamp: time.Now(),
		}
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Endpoint:   endpoint,
		Timestamp:  time.Now(),
	}

	serverMsg := readErrorMessages(resp)
	categorizeHTTPError(apiErr, resp, serverMsg)
	return apiErr
}

// readErrorMessages pulls the "errors":[{"msg":...}] envelope out of an
// error response body. The body is capped so a misbehaving server cannot
// make us buffer arbitrarily much.
func readErrorMessages(resp *http.Response) string {
	if resp.Body == nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return ""
	}

	var body apiErrorBody
	if err := json.Unmarshal(data, &body); err != nil || len(body.Errors) == 0 {
		return strings.TrimSpace(string(data))
	}

	msgs := make([]string, 0, len(body.Errors))
	for _, e := range body.Errors {
		if e.Msg != "" {
			msgs = append(msgs, e.Msg)
		}
	}
	return strings.Join(msgs, "; ")
}

func categorizeError(apiErr *APIError) {
	err := apiErr.OriginalError

	if errors.Is(err, ErrBreakerOpen) {
		apiErr.Kind = KindTransport
		apiErr.Retryable = true
		apiErr.Message = err.Error()
		return
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		apiErr.Kind = KindRateLimited
		apiErr.Retryable = true
		apiErr.RetryAfter = rateLimitErr.RetryAfter
		apiErr.Message = rateLimitErr.Message
		return
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		apiErr.Kind = KindTimeout
		apiErr.Retryable = false
		return
	}

	if isNetworkError(err) {
		apiErr.Kind = KindTransport
		apiErr.Retryable = true
		return
	}

	apiErr.Kind = KindTransport
	apiErr.Retryable = false
}

func categorizeHTTPError(apiErr *APIError, resp *http.Response, serverMsg string) {
	statusCode := resp.StatusCode

	switch {
	case statusCode >= 500:
		apiErr.Kind = KindTransport
		apiErr.Retryable = true
		apiErr.Message = fmt.Sprintf("server error %d: %s", statusCode, firstNonEmpty(serverMsg, resp.Status))
		apiErr.RetryAfter = parseRetryAfter(resp)

	case statusCode == http.StatusTooManyRequests:
		apiErr.Kind = KindRateLimited
		apiErr.Retryable = true
		apiErr.Message = firstNonEmpty(serverMsg, "rate limit exceeded")
		apiErr.RetryAfter = parseRetryAfter(resp)
		if apiErr.RetryAfter == 0 {
			apiErr.RetryAfter = 60 * time.Second
		}

	case statusCode == http.StatusUnauthorized:
		apiErr.Kind = KindUnauthorized
		apiErr.Retryable = false
		apiErr.Message = firstNonEmpty(serverMsg, "authentication failed: check the token")

	case statusCode == http.StatusForbidden:
		apiErr.Kind = KindPermissionDenied
		apiErr.Retryable = false
		apiErr.Message = firstNonEmpty(serverMsg, "insufficient permissions")

	case statusCode == http.StatusNotFound:
		apiErr.Kind = KindNotFound
		apiErr.Retryable = false
		apiErr.Message = firstNonEmpty(serverMsg, "object not found")

	case statusCode == http.StatusBadRequest && looksLikeAlreadyExists(serverMsg):
		apiErr.Kind = KindAlreadyExists
		apiErr.Retryable = false
		apiErr.Message = serverMsg

	case statusCode >= 400:
		apiErr.Kind = KindDomain
		apiErr.Retryable = false
		apiErr.Message = fmt.Sprintf("request rejected %d: %s", statusCode, firstNonEmpty(serverMsg, resp.Status))

	default:
		apiErr.Kind = KindTransport
		apiErr.Retryable = true
		apiErr.Message = fmt.Sprintf("unexpected status %d: %s", statusCode, resp.Status)
	}
}

// looksLikeAlreadyExists matches the message shapes the server uses when a
// create collides with an existing key, for example
// "Could not create Project, key already exists: foo" or
// "Name 'Sonar way' has already been taken".
func looksLikeAlreadyExists(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "already exists") ||
		strings.Contains(lower, "already been taken") ||
		strings.Contains(lower, "already used")
}

func parseRetryAfter(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	networkKeywords := []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"no route to host",
		"broken pipe",
		"i/o timeout",
		"eof",
	}
	for _, keyword := range networkKeywords {
		if strings.Contains(errMsg, keyword) {
			return true
		}
	}

	return false
}

// ErrUnsupportedOperation marks a feature the connected edition or
// version does not provide (portfolios below Enterprise, applications
// below Developer). Callers skip with a warning, never retry.
var ErrUnsupportedOperation = errors.New("operation not supported by this edition")

func IsUnsupportedOperation(err error) bool {
	return errors.Is(err, ErrUnsupportedOperation)
}

// Kind helpers for call sites that branch on failure class.

func GetKind(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	if isNetworkError(err) {
		return KindTransport
	}
	return KindTransport
}

func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindNotFound
}

func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindUnauthorized
}

func IsPermissionDenied(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindPermissionDenied
}

func IsAlreadyExists(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindAlreadyExists
}

func IsRateLimited(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == KindRateLimited
	}
	var rlErr *RateLimitError
	return errors.As(err, &rlErr)
}

func IsTransport(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == KindTransport
	}
	return isNetworkError(err)
}

func IsTimeout(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == KindTimeout
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return isNetworkError(err)
}
