package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/TeamWiseflow/wiseflow-go/pkg/observability"
	"github.com/TeamWiseflow/wiseflow-go/pkg/ratelimit"
	"github.com/TeamWiseflow/wiseflow-go/pkg/respcache"
)

// Default client parameters.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = time.Second
	DefaultConcurrency = 5

	// maxBodyBytes bounds response bodies read into memory.
	maxBodyBytes = 10 * 1024 * 1024

	// rateLimitSlack is added past the provider reset before retrying.
	rateLimitSlack = 5 * time.Second

	// minRateLimitWait floors the wait computed from the reset header.
	minRateLimitWait = time.Second

	// rateLimitRetryCap bounds reset-and-retry cycles within one call.
	rateLimitRetryCap = 5

	// breakerConsecutiveFailures trips the per-host circuit.
	breakerConsecutiveFailures = 5

	// breakerOpenTimeout is how long an open circuit stays open.
	breakerOpenTimeout = 30 * time.Second
)

// Provider rate-limit response headers.
const (
	headerRateLimit     = "X-RateLimit-Limit"
	headerRateRemaining = "X-RateLimit-Remaining"
	headerRateReset     = "X-RateLimit-Reset"
	headerRetryAfter    = "Retry-After"
	headerETag          = "ETag"
	headerIfNoneMatch   = "If-None-Match"
)

// RateInfo is the provider-announced quota extracted from response headers.
type RateInfo struct {
	Limit     int
	Remaining int
	Reset     time.Time

	// Known is true when the provider sent rate headers at all.
	Known bool
}

// Request describes one uniform HTTP call.
type Request struct {
	Method  string
	URL     string
	Query   url.Values
	Body    []byte
	Headers map[string]string

	// Timeout overrides the client timeout for this call when positive.
	Timeout time.Duration

	// ForceRefresh bypasses the cache fast path.
	ForceRefresh bool
}

// Response is the outcome of a successful call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FromCache  bool
	Rate       RateInfo
}

// Config holds fetch policy.
type Config struct {
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	Concurrency int

	// UserAgent is sent on every request when set.
	UserAgent string

	// BreakerDisabled turns off the per-host circuit breaker.
	BreakerDisabled bool

	// Transport overrides the HTTP transport, typically to add tracing.
	// Nil uses http.DefaultTransport.
	Transport http.RoundTripper

	// Metrics, when set, counts response cache lookup outcomes.
	Metrics *observability.CollectMetrics
}

// Client funnels all connector fetches through a shared semaphore, a rate
// governor, an optional response cache, and a per-host circuit breaker.
type Client struct {
	cfg      Config
	http     *http.Client
	governor *ratelimit.Governor
	cache    *respcache.Cache
	sem      *semaphore.Weighted
	flight   singleflight.Group
	logger   *slog.Logger

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
}

// NewClient creates a Client. The cache may be nil to disable caching.
func NewClient(cfg Config, governor *ratelimit.Governor, cache *respcache.Cache, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	if logger == nil {
		logger = slog.Default()
	}

	if governor == nil {
		governor = ratelimit.NewGovernor(ratelimit.WithLogger(logger))
	}

	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		governor: governor,
		cache:    cache,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Governor exposes the rate governor, shared with connectors that throttle at
// a coarser granularity.
func (c *Client) Governor() *ratelimit.Governor { return c.governor }

// recordCacheLookup counts one cache lookup outcome when metrics are wired.
func (c *Client) recordCacheLookup(ctx context.Context, hit bool) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordCacheLookup(ctx, hit)
	}
}

// Call performs one uniform HTTP call with cache, throttle, and retry policy.
// Concurrent cacheable calls for the same key share a single in-flight fetch.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	parsed, err := url.Parse(req.URL)
	if err != nil {
		return nil, &APIError{Kind: KindTransport, Message: "invalid url", Err: err}
	}

	cacheable := c.cache != nil && req.Method == http.MethodGet
	key := respcache.Key(req.Method, parsed.Host+parsed.Path, req.Query)

	if cacheable && !req.ForceRefresh {
		body, hit := c.cache.Get(key)
		if hit {
			fetchesTotal.WithLabelValues(outcomeCacheHit).Inc()
			c.recordCacheLookup(ctx, true)

			return &Response{StatusCode: http.StatusOK, Body: body, FromCache: true}, nil
		}

		c.recordCacheLookup(ctx, false)
	}

	if !cacheable {
		return c.callWithRetries(ctx, req, parsed, key, cacheable)
	}

	// Single-flight: concurrent callers for one key share the result.
	shared, err, _ := c.flight.Do(key, func() (any, error) {
		return c.callWithRetries(ctx, req, parsed, key, cacheable)
	})
	if err != nil {
		return nil, err
	}

	resp, ok := shared.(*Response)
	if !ok {
		return nil, &APIError{Kind: KindTransport, Message: "unexpected singleflight result"}
	}

	return resp, nil
}

// callWithRetries drives the attempt loop: throttle, send, classify, retry.
func (c *Client) callWithRetries(
	ctx context.Context, req Request, parsed *url.URL, key string, cacheable bool,
) (*Response, error) {
	semErr := c.sem.Acquire(ctx, 1)
	if semErr != nil {
		return nil, &APIError{Kind: KindTransport, Message: "cancelled before send", Err: semErr}
	}
	defer c.sem.Release(1)

	host := parsed.Host
	attempts := c.cfg.MaxRetries + 1
	rateLimitRetries := 0

	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if wait, throttled := c.governor.ShouldThrottle(host); throttled {
			sleepErr := sleepCtx(ctx, wait)
			if sleepErr != nil {
				return nil, &APIError{Kind: KindTransport, Message: "cancelled during throttle wait", Err: sleepErr}
			}
		}

		c.governor.Register(host)

		start := time.Now()

		httpResp, sendErr := c.send(ctx, req, parsed, key, cacheable)
		latency := time.Since(start)

		if sendErr != nil {
			// No status came back: a fast connection refusal must not look
			// like a fast healthy response to the governor.
			lastErr = &APIError{Kind: KindTransport, Message: "request failed", Err: sendErr}
			fetchesTotal.WithLabelValues(outcomeTransport).Inc()

			backoffErr := c.backoff(ctx, attempt)
			if backoffErr != nil {
				return nil, lastErr
			}

			continue
		}

		body, readErr := readBody(httpResp)
		if readErr != nil {
			lastErr = &APIError{Kind: KindTransport, Message: "read body", Err: readErr}

			backoffErr := c.backoff(ctx, attempt)
			if backoffErr != nil {
				return nil, lastErr
			}

			continue
		}

		rate := parseRateInfo(httpResp.Header)
		c.governor.Adapt(host, latency, httpResp.StatusCode)

		switch {
		case httpResp.StatusCode == http.StatusNotModified:
			return c.serveRevalidated(key, httpResp, rate)

		case httpResp.StatusCode >= http.StatusOK && httpResp.StatusCode < http.StatusMultipleChoices:
			if cacheable {
				putErr := c.cache.Put(key, body, httpResp.Header.Get(headerETag))
				if putErr != nil {
					c.logger.Warn("cache write failed", slog.String("key", key), slog.String("error", putErr.Error()))
				}
			}

			fetchesTotal.WithLabelValues(outcomeSuccess).Inc()

			return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body, Rate: rate}, nil

		case isRateLimited(httpResp.StatusCode, body, rate):
			lastErr = &APIError{
				Kind:       KindRateLimited,
				StatusCode: httpResp.StatusCode,
				Message:    "provider rate limit exceeded",
				Reset:      rate.Reset,
			}

			if rateLimitRetries >= rateLimitRetryCap {
				fetchesTotal.WithLabelValues(outcomeRateLimited).Inc()

				return nil, lastErr
			}

			rateLimitRetries++
			attempt-- // Reset waits do not consume the attempt budget.

			wait := resetWait(rate.Reset)

			c.logger.Warn("rate limited, waiting for reset",
				slog.String("host", host),
				slog.Duration("wait", wait),
			)

			sleepErr := sleepCtx(ctx, wait)
			if sleepErr != nil {
				return nil, lastErr
			}

		case httpResp.StatusCode >= http.StatusInternalServerError:
			lastErr = &APIError{
				Kind:       KindServerError,
				StatusCode: httpResp.StatusCode,
				Message:    http.StatusText(httpResp.StatusCode),
				Details:    truncate(string(body)),
			}

			retryErr := c.serverErrorWait(ctx, httpResp.Header, attempt)
			if retryErr != nil {
				fetchesTotal.WithLabelValues(outcomeServerError).Inc()

				return nil, lastErr
			}

		default:
			kind := classifyStatus(httpResp.StatusCode, false)
			fetchesTotal.WithLabelValues(string(kind)).Inc()

			return nil, &APIError{
				Kind:       kind,
				StatusCode: httpResp.StatusCode,
				Message:    http.StatusText(httpResp.StatusCode),
				Details:    truncate(string(body)),
			}
		}
	}

	if lastErr == nil {
		lastErr = &APIError{Kind: KindTransport, Message: "retries exhausted"}
	}

	return nil, lastErr
}

// send builds and executes one HTTP request through the per-host breaker.
func (c *Client) send(
	ctx context.Context, req Request, parsed *url.URL, key string, cacheable bool,
) (*http.Response, error) {
	target := *parsed
	if len(req.Query) > 0 {
		target.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	callCtx := ctx

	if req.Timeout > 0 {
		var cancel context.CancelFunc

		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}

	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	if cacheable {
		if etag, ok := c.cache.ETag(key); ok {
			httpReq.Header.Set(headerIfNoneMatch, etag)
		}
	}

	if c.cfg.BreakerDisabled {
		return c.http.Do(httpReq) //nolint:wrapcheck // classified by caller
	}

	result, execErr := c.breaker(parsed.Host).Execute(func() (any, error) {
		return c.http.Do(httpReq) //nolint:wrapcheck // classified by caller
	})
	if execErr != nil {
		return nil, execErr //nolint:wrapcheck // classified by caller
	}

	resp, ok := result.(*http.Response)
	if !ok {
		return nil, fmt.Errorf("unexpected breaker result %T", result)
	}

	return resp, nil
}

// serveRevalidated returns the cached body after a 304, refreshing its TTL.
func (c *Client) serveRevalidated(key string, httpResp *http.Response, rate RateInfo) (*Response, error) {
	if c.cache == nil {
		return nil, &APIError{Kind: KindTransport, Message: "304 without cache"}
	}

	c.cache.Touch(key)

	body, _ := c.cache.Get(key)
	fetchesTotal.WithLabelValues(outcomeRevalidated).Inc()

	return &Response{
		StatusCode: http.StatusOK,
		Header:     httpResp.Header,
		Body:       body,
		FromCache:  true,
		Rate:       rate,
	}, nil
}

// serverErrorWait sleeps Retry-After when present, else exponential backoff.
// Returns an error when the attempt budget is exhausted or ctx is done.
func (c *Client) serverErrorWait(ctx context.Context, header http.Header, attempt int) error {
	if attempt >= c.cfg.MaxRetries {
		return fmt.Errorf("retries exhausted after attempt %d", attempt)
	}

	if after := header.Get(headerRetryAfter); after != "" {
		if secs, err := strconv.Atoi(after); err == nil && secs > 0 {
			return sleepCtx(ctx, time.Duration(secs)*time.Second)
		}
	}

	return c.backoffWait(ctx, attempt)
}

// backoff sleeps between attempts; it fails when no attempts remain.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	if attempt >= c.cfg.MaxRetries {
		return fmt.Errorf("retries exhausted after attempt %d", attempt)
	}

	return c.backoffWait(ctx, attempt)
}

// backoffWait sleeps retryDelay·2^attempt, honoring cancellation.
func (c *Client) backoffWait(ctx context.Context, attempt int) error {
	delay := c.cfg.RetryDelay * (1 << attempt)

	return sleepCtx(ctx, delay)
}

// breaker returns the circuit breaker for host, creating it on first use.
func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()

	cb, ok := c.breakers[host]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    host,
			Timeout: breakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerConsecutiveFailures
			},
		})
		c.breakers[host] = cb
	}

	return cb
}

// isRateLimited detects provider throttling: 429 always, plus 403 responses
// whose quota is exhausted or whose body announces the limit.
func isRateLimited(status int, body []byte, rate RateInfo) bool {
	if status == http.StatusTooManyRequests {
		return true
	}

	if status != http.StatusForbidden {
		return false
	}

	if rate.Known && rate.Remaining == 0 {
		return true
	}

	return bytes.Contains(bytes.ToLower(body), []byte("rate limit exceeded"))
}

// resetWait computes the wait until the provider window resets, plus slack.
func resetWait(reset time.Time) time.Duration {
	if reset.IsZero() {
		return minRateLimitWait
	}

	wait := time.Until(reset) + rateLimitSlack
	if wait < minRateLimitWait {
		wait = minRateLimitWait
	}

	return wait
}

// parseRateInfo extracts provider quota headers.
func parseRateInfo(header http.Header) RateInfo {
	var info RateInfo

	if v := header.Get(headerRateLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.Limit = n
			info.Known = true
		}
	}

	if v := header.Get(headerRateRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.Remaining = n
			info.Known = true
		}
	}

	if v := header.Get(headerRateReset); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			info.Reset = time.Unix(unix, 0)
		}
	}

	return info
}

// readBody reads at most maxBodyBytes and closes the response body.
func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return body, nil
}

// truncate bounds error detail strings.
func truncate(s string) string {
	const limit = 200

	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}

	return s[:limit] + "..."
}

// sleepCtx sleeps for d or until ctx is cancelled. This is a cooperative
// cancellation point for running tasks.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // cancellation passes through
	case <-timer.C:
		return nil
	}
}
