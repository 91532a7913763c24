// Package web implements the web connector: it crawls a URL list under the
// rate governor, renders pages to Markdown through an HTMLFetcher, and keeps
// crawl statistics plus a bounded failed-URL map for later retries.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/TeamWiseflow/wiseflow-go/pkg/connector"
	"github.com/TeamWiseflow/wiseflow-go/pkg/item"
	"github.com/TeamWiseflow/wiseflow-go/pkg/ratelimit"
)

// Family is the source family this connector serves.
const Family = "web"

// DefaultConcurrency bounds simultaneous in-flight page fetches.
const DefaultConcurrency = 5

// maxFailedURLs bounds the failed-URL map.
const maxFailedURLs = 500

// defaultRetryCount is the per-URL retry ceiling for RetryFailedURLs.
const defaultRetryCount = 3

// binaryExtensions are path suffixes skipped without a fetch.
var binaryExtensions = map[string]bool{
	".7z": true, ".avi": true, ".bin": true, ".bmp": true, ".dmg": true,
	".doc": true, ".docx": true, ".exe": true, ".gif": true, ".gz": true,
	".ico": true, ".iso": true, ".jpeg": true, ".jpg": true, ".mkv": true,
	".mov": true, ".mp3": true, ".mp4": true, ".pdf": true, ".png": true,
	".ppt": true, ".pptx": true, ".rar": true, ".svg": true, ".tar": true,
	".webp": true, ".xls": true, ".xlsx": true, ".zip": true,
}

// FailedURL records one crawl failure for later retry.
type FailedURL struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	Attempts  int       `json:"attempts"`
}

// Stats are cumulative crawl counters.
type Stats struct {
	TotalRequests      int     `json:"total_requests"`
	SuccessfulRequests int     `json:"successful_requests"`
	FailedRequests     int     `json:"failed_requests"`
	CachedRequests     int     `json:"cached_requests"`
	DomainsAccessed    int     `json:"domains_accessed"`
	AvgProcessingTime  float64 `json:"avg_processing_time"`
	SuccessRate        float64 `json:"success_rate"`
}

// Connector crawls URL lists into Markdown DataItems.
type Connector struct {
	*connector.Base

	fetcher  HTMLFetcher
	governor *ratelimit.Governor
	sem      *semaphore.Weighted

	mu         sync.Mutex
	failed     map[string]*FailedURL
	domains    map[string]bool
	retryCount int

	totalRequests   int
	successRequests int
	failedRequests  int
	cachedRequests  int
	totalDuration   time.Duration
}

// Config parameterizes the web connector.
type Config struct {
	Name        string
	Concurrency int
	MaxRetries  int
	RetryDelay  time.Duration

	// RetryCount caps per-URL retries via RetryFailedURLs.
	RetryCount int

	// Raw is the connector configuration exposed (redacted) via Status.
	Raw map[string]any

	Logger *slog.Logger
}

// New creates a web connector. A nil fetcher selects the default
// MarkdownFetcher; a nil governor gets fresh default budgets.
func New(cfg Config, fetcher HTMLFetcher, governor *ratelimit.Governor) *Connector {
	if cfg.Name == "" {
		cfg.Name = Family
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	if cfg.RetryCount <= 0 {
		cfg.RetryCount = defaultRetryCount
	}

	if fetcher == nil {
		fetcher = NewMarkdownFetcher()
	}

	if governor == nil {
		governor = ratelimit.NewGovernor()
	}

	return &Connector{
		Base: connector.NewBase(connector.BaseConfig{
			Name:       cfg.Name,
			Family:     Family,
			Config:     cfg.Raw,
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
			Logger:     cfg.Logger,
		}),
		fetcher:    fetcher,
		governor:   governor,
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		failed:     make(map[string]*FailedURL),
		domains:    make(map[string]bool),
		retryCount: cfg.RetryCount,
	}
}

// Initialize implements Connector.
func (c *Connector) Initialize(context.Context) error { return nil }

// Shutdown implements Connector.
func (c *Connector) Shutdown(context.Context) error { return nil }

// Collect crawls the URL list in params ("urls") through the shared retry
// harness. Per-run overrides: "headers" (map), "timeout_s" (int),
// "force_refresh" (bool). An empty list returns immediately without touching
// the fetcher. Individual page failures land in the failed-URL map instead of
// failing the pass; the pass itself errors only when the context is cancelled.
func (c *Connector) Collect(ctx context.Context, params connector.Params) ([]*item.DataItem, error) {
	if len(params.Strings("urls")) == 0 {
		return nil, nil
	}

	return c.CollectWithRetry(ctx, params, c.collectOnce)
}

// collectOnce performs one crawl pass over the URL list.
func (c *Connector) collectOnce(ctx context.Context, params connector.Params) ([]*item.DataItem, error) {
	urls := params.Strings("urls")
	opts := optionsFromParams(params)

	var (
		wg      sync.WaitGroup
		itemsMu sync.Mutex
		items   []*item.DataItem
	)

	for _, rawURL := range urls {
		semErr := c.sem.Acquire(ctx, 1)
		if semErr != nil {
			break
		}

		wg.Add(1)

		go func(rawURL string) {
			defer wg.Done()
			defer c.sem.Release(1)

			di := c.crawlOne(ctx, rawURL, opts)
			if di == nil {
				return
			}

			itemsMu.Lock()
			items = append(items, di)
			itemsMu.Unlock()
		}(rawURL)
	}

	wg.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("crawl interrupted: %w", ctxErr)
	}

	return items, nil
}

// optionsFromParams maps per-run overrides onto FetchOptions.
func optionsFromParams(params connector.Params) FetchOptions {
	opts := FetchOptions{}

	if headers, ok := params["headers"].(map[string]string); ok {
		opts.Headers = headers
	}

	if timeoutS := params.Int("timeout_s", 0); timeoutS > 0 {
		opts.Timeout = time.Duration(timeoutS) * time.Second
	}

	if force, ok := params["force_refresh"].(bool); ok {
		opts.ForceRefresh = force
	}

	return opts
}

// crawlOne fetches a single URL and converts the result to a DataItem, or
// records the failure and returns nil.
func (c *Connector) crawlOne(ctx context.Context, rawURL string, opts FetchOptions) *item.DataItem {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		c.recordFailure(rawURL, "invalid url")

		return nil
	}

	if binaryExtensions[strings.ToLower(path.Ext(parsed.Path))] {
		c.Logger().Debug("skipping binary url", slog.String("url", rawURL))

		return nil
	}

	host := parsed.Host

	if wait, throttled := c.governor.ShouldThrottle(host); throttled {
		waitErr := sleepCtx(ctx, wait)
		if waitErr != nil {
			return nil
		}
	}

	c.governor.Register(host)

	start := time.Now()
	result := c.fetcher.Fetch(ctx, rawURL, opts)
	latency := time.Since(start)

	c.governor.Adapt(host, latency, result.HTTPStatus)

	if !result.OK {
		c.recordFailure(rawURL, result.Error)
		c.recordRequest(host, latency, false, false)

		return nil
	}

	c.recordRequest(host, latency, true, result.FromCache)
	c.clearFailure(rawURL)

	return c.buildItem(rawURL, host, result, latency)
}

// buildItem assembles the DataItem for a successfully crawled page.
func (c *Connector) buildItem(rawURL, host string, result FetchResult, latency time.Duration) *item.DataItem {
	di, err := item.New(rawURL, result.Markdown)
	if err != nil {
		c.recordFailure(rawURL, "empty page content")

		return nil
	}

	di.ContentType = "text/markdown"
	di.URL = rawURL

	title, _ := result.Metadata["title"].(string)
	if title != "" {
		di.WithMeta("title", title)
	}

	author, _ := result.Metadata["author"].(string)
	if author == "" {
		// Fall back to the host when the page does not name an author.
		author = host
	}

	di.WithMeta("author", author)

	if published, ok := result.Metadata["publish_date"].(string); ok && published != "" {
		di.WithMeta("publish_date", published)
	}

	if len(result.Media) > 0 {
		di.WithMeta("images", result.Media)
	}

	di.WithMeta("domain", host)
	di.WithMeta("crawl_duration_ms", latency.Milliseconds())
	di.WithMeta("word_count", len(strings.Fields(result.Markdown)))

	return di
}

// RetryFailedURLs re-crawls failed URLs younger than maxAge whose attempt
// count has not reached the retry ceiling. Returns the recovered items.
func (c *Connector) RetryFailedURLs(ctx context.Context, maxAge time.Duration) ([]*item.DataItem, error) {
	c.mu.Lock()

	eligible := make([]string, 0, len(c.failed))
	cutoff := time.Now().Add(-maxAge)

	for rawURL, failure := range c.failed {
		if failure.Timestamp.After(cutoff) && failure.Attempts < c.retryCount {
			eligible = append(eligible, rawURL)
		}
	}
	c.mu.Unlock()

	if len(eligible) == 0 {
		return nil, nil
	}

	return c.Collect(ctx, connector.Params{"urls": eligible})
}

// FailedURLs returns a copy of the failed-URL map.
func (c *Connector) FailedURLs() map[string]FailedURL {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]FailedURL, len(c.failed))
	for rawURL, failure := range c.failed {
		out[rawURL] = *failure
	}

	return out
}

// Stats returns a snapshot of the crawl counters.
func (c *Connector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		TotalRequests:      c.totalRequests,
		SuccessfulRequests: c.successRequests,
		FailedRequests:     c.failedRequests,
		CachedRequests:     c.cachedRequests,
		DomainsAccessed:    len(c.domains),
	}

	if c.totalRequests > 0 {
		stats.AvgProcessingTime = c.totalDuration.Seconds() / float64(c.totalRequests)
		stats.SuccessRate = float64(c.successRequests) / float64(c.totalRequests)
	}

	return stats
}

// recordRequest updates the crawl counters for one fetch.
func (c *Connector) recordRequest(host string, latency time.Duration, success, fromCache bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests++
	c.totalDuration += latency
	c.domains[host] = true

	if fromCache {
		c.cachedRequests++
	}

	if success {
		c.successRequests++
	} else {
		c.failedRequests++
	}
}

// recordFailure notes a failed URL, bounded by maxFailedURLs.
func (c *Connector) recordFailure(rawURL, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.failed[rawURL]; ok {
		existing.Error = message
		existing.Timestamp = time.Now()
		existing.Attempts++

		return
	}

	if len(c.failed) >= maxFailedURLs {
		// Drop the oldest entry to stay bounded.
		var (
			oldestURL string
			oldestAt  time.Time
		)

		for failedURL, failure := range c.failed {
			if oldestURL == "" || failure.Timestamp.Before(oldestAt) {
				oldestURL = failedURL
				oldestAt = failure.Timestamp
			}
		}

		delete(c.failed, oldestURL)
	}

	c.failed[rawURL] = &FailedURL{Error: message, Timestamp: time.Now(), Attempts: 1}
}

// clearFailure removes a URL from the failed map after a successful crawl.
func (c *Connector) clearFailure(rawURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.failed, rawURL)
}

// sleepCtx sleeps for d or until ctx is cancelled.
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
