// Package upstream implements the resilient request executor shared by the
// three service adapters: bounded concurrency, per-call timeouts, retry with
// exponential backoff, and typed failure classification.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/offer-orchestrator/internal/resilience"
)

// RequestIDHeader carries the correlation id on every upstream call.
const RequestIDHeader = "X-Request-ID"

// Client executes JSON requests against one upstream service.
type Client struct {
	service           string
	baseURL           string
	http              *http.Client
	retry             resilience.RetryConfig
	retryableStatuses resilience.StatusSet
	limiter           *semaphore.Weighted
	breaker           *resilience.CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-call timeout (default 5s). No upstream call ever
// waits unboundedly.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRetry overrides the retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithRetryableStatuses overrides the set of statuses treated as transient.
func WithRetryableStatuses(set resilience.StatusSet) Option {
	return func(c *Client) {
		if len(set) > 0 {
			c.retryableStatuses = set
		}
	}
}

// WithLimiter installs a shared concurrency limiter. The permit is held only
// while the network call is in flight, never across backoff sleeps, so a
// retrying call cannot starve other requests.
func WithLimiter(sem *semaphore.Weighted) Option {
	return func(c *Client) { c.limiter = sem }
}

// WithBreaker installs a circuit breaker in front of the retry loop.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the named upstream rooted at baseURL.
func New(service, baseURL string, opts ...Option) *Client {
	c := &Client{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry:             resilience.DefaultRetryConfig(),
		retryableStatuses: resilience.DefaultRetryableStatuses(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger(service, "request")
	}
	return c
}

// Service returns the upstream name used for failure tagging.
func (c *Client) Service() string { return c.service }

type callOptions struct {
	okStatuses    resilience.StatusSet
	allow404Empty bool
	requestID     string
}

// CallOption configures one logical request.
type CallOption func(*callOptions)

// OKStatuses sets the success allow-list for this call (default {200}).
func OKStatuses(codes ...int) CallOption {
	return func(o *callOptions) { o.okStatuses = resilience.NewStatusSet(codes...) }
}

// Allow404AsEmpty makes a 404 return an empty JSON array immediately instead
// of an error. Used only by the history fetch, where a missing member is a
// legitimate empty result, not a failure; it is never retried.
func Allow404AsEmpty() CallOption {
	return func(o *callOptions) { o.allow404Empty = true }
}

// WithRequestID propagates the correlation id to the upstream.
func WithRequestID(rid string) CallOption {
	return func(o *callOptions) { o.requestID = rid }
}

var emptyObject = json.RawMessage(`{}`)
var emptyArray = json.RawMessage(`[]`)

// DoJSON executes one logical request and returns the raw JSON body.
//
// Outcomes:
//   - success status with a parseable body: the body
//   - success status with an empty/unparsable body: an empty JSON object
//     (some upstreams answer 2xx with no body)
//   - 404 with Allow404AsEmpty: an empty JSON array
//   - retryable status or connection-level failure: retried with backoff;
//     once attempts are exhausted, *resilience.UpstreamError (StatusCode 0
//     for connection-level causes)
//   - any other status: *resilience.UpstreamError immediately, no retry
func (c *Client) DoJSON(ctx context.Context, method, path string, body any, opts ...CallOption) (json.RawMessage, error) {
	co := callOptions{okStatuses: resilience.NewStatusSet(http.StatusOK)}
	for _, o := range opts {
		o(&co)
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: marshal request", c.service)
		}
	}

	url := c.baseURL + path

	if err := c.breaker.Allow(); err != nil {
		return nil, eris.Wrapf(err, "%s: %s", c.service, url)
	}

	raw, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) (json.RawMessage, error) {
		return c.attempt(ctx, method, url, payload, co)
	})
	c.breaker.Record(err)
	if err != nil {
		if _, ok := resilience.AsUpstream(err); ok {
			return nil, err
		}
		// Retries exhausted. A retryable status keeps its code; a
		// connection-level failure reports status 0 with the cause text.
		status, _ := resilience.TransientStatus(err)
		return nil, &resilience.UpstreamError{
			Service:    c.service,
			URL:        url,
			StatusCode: status,
			Body:       err.Error(),
		}
	}
	return raw, nil
}

// attempt issues a single network call. The limiter permit wraps exactly the
// request/response exchange; it is released before any classification or
// backoff so slots are not held while sleeping.
func (c *Client) attempt(ctx context.Context, method, url string, payload []byte, co callOptions) (json.RawMessage, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: create request", c.service)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if co.requestID != "" {
		req.Header.Set(RequestIDHeader, co.requestID)
	}

	status, respBody, err := c.exchange(ctx, req)
	if err != nil {
		// Transport-level failure; IsTransient decides whether it retries.
		return nil, err
	}

	if co.allow404Empty && status == http.StatusNotFound {
		return emptyArray, nil
	}

	if co.okStatuses.Contains(status) {
		if len(bytes.TrimSpace(respBody)) == 0 || !json.Valid(respBody) {
			return emptyObject, nil
		}
		return json.RawMessage(respBody), nil
	}

	if c.retryableStatuses.Contains(status) {
		return nil, resilience.MarkTransient(
			eris.Errorf("%s: transient status %d from %s", c.service, status, url), status)
	}

	return nil, &resilience.UpstreamError{
		Service:    c.service,
		URL:        url,
		StatusCode: status,
		Body:       string(respBody),
	}
}

// exchange performs the HTTP round trip under the concurrency limiter.
func (c *Client) exchange(ctx context.Context, req *http.Request) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return 0, nil, eris.Wrap(err, "acquire upstream permit")
		}
		defer c.limiter.Release(1)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}
