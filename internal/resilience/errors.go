// Package resilience provides the retry, error-classification, and circuit
// breaker layer shared by all upstream service calls.
package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// UpstreamError is the terminal failure of one upstream call: a non-retryable
// status, or retries exhausted. StatusCode 0 means the failure was
// connection-level (timeout, refused connection, protocol error) and Body
// carries the cause text instead of a response body.
type UpstreamError struct {
	Service    string
	URL        string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s upstream connection failure for %s: %s", e.Service, e.URL, e.Body)
	}
	return fmt.Sprintf("%s upstream error %d for %s", e.Service, e.StatusCode, e.URL)
}

// AsUpstream unwraps err into an UpstreamError, if one is in the chain.
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	ok := errors.As(err, &ue)
	return ue, ok
}

// MalformedResponseError means an upstream answered 2xx with a body that does
// not match its contract (history response not an array, prediction without a
// numeric score, ...). It indicates a contract break, not bad data, and is
// never retried.
type MalformedResponseError struct {
	Service string
	Detail  string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s returned a malformed response: %s", e.Service, e.Detail)
}

// IsMalformed reports whether err wraps a MalformedResponseError.
func IsMalformed(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}

// transientError marks an error as retryable inside the retry loop. It is
// internal plumbing between the request executor and Do; callers only ever
// see UpstreamError once attempts are exhausted.
type transientError struct {
	err        error
	statusCode int
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps err as retryable, recording the HTTP status that
// triggered it (0 for connection-level failures).
func MarkTransient(err error, statusCode int) error {
	return &transientError{err: err, statusCode: statusCode}
}

// TransientStatus returns the HTTP status recorded when err was marked
// transient. ok is false for connection-level failures, which carry no
// status.
func TransientStatus(err error) (status int, ok bool) {
	var te *transientError
	if errors.As(err, &te) && te.statusCode > 0 {
		return te.statusCode, true
	}
	return 0, false
}

// IsTransient reports whether err should be retried: either it was explicitly
// marked transient (a retryable HTTP status), or it is a connection-level
// failure (timeout, refused/reset connection, DNS, broken transport).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *transientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// Wrapped transport errors from net/http surface as plain strings.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"unexpected eof",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// StatusSet is a set of HTTP status codes.
type StatusSet map[int]struct{}

// NewStatusSet builds a StatusSet from a list of codes.
func NewStatusSet(codes ...int) StatusSet {
	s := make(StatusSet, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}
	return s
}

// Contains reports whether code is in the set.
func (s StatusSet) Contains(code int) bool {
	_, ok := s[code]
	return ok
}

// DefaultRetryableStatuses are the statuses retried by default. Server errors
// outside this set fail fast; retrying a plain 500 would hide real upstream
// bugs behind latency.
func DefaultRetryableStatuses() StatusSet {
	return NewStatusSet(429, 502, 503, 504)
}
