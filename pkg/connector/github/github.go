// Package github implements the REST connector for GitHub-shaped providers:
// repositories, issues, pull requests, users and searches, fetched through
// the shared fetch client with conditional-request caching and provider
// rate-limit compliance.
package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/TeamWiseflow/wiseflow-go/pkg/connector"
	"github.com/TeamWiseflow/wiseflow-go/pkg/fetch"
	"github.com/TeamWiseflow/wiseflow-go/pkg/item"
)

// Family is the source family this connector serves.
const Family = "github"

// DefaultAPIBase is the public GitHub API endpoint.
const DefaultAPIBase = "https://api.github.com"

// Pagination limits.
const (
	perPage         = 100
	defaultMaxItems = 200
)

// quotaFloor is the remaining-request threshold below which the connector
// waits for the provider window to reset.
const quotaFloor = 5

// quotaSlack is added past the reset before resuming.
const quotaSlack = 5 * time.Second

// jwtSegments is the number of dot-separated segments in a JWT.
const jwtSegments = 3

// Connector collects GitHub records into DataItems.
type Connector struct {
	*connector.Base

	client  *fetch.Client
	apiBase string
	token   *oauth2.Token

	rateMu   sync.Mutex
	lastRate fetch.RateInfo
}

// Config parameterizes the connector.
type Config struct {
	Name    string
	APIBase string

	// Token is either an opaque personal access token or a JWT; the
	// serialization scheme is chosen accordingly.
	Token string

	MaxRetries int
	RetryDelay time.Duration

	// Raw is the connector configuration exposed (redacted) via Status.
	Raw map[string]any

	Logger *slog.Logger
}

// New creates a GitHub connector on top of the shared fetch client.
func New(cfg Config, client *fetch.Client) *Connector {
	if cfg.Name == "" {
		cfg.Name = Family
	}

	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}

	return &Connector{
		Base: connector.NewBase(connector.BaseConfig{
			Name:       cfg.Name,
			Family:     Family,
			Config:     cfg.Raw,
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
			SafeKeys:   []string{"per_page"},
			Logger:     cfg.Logger,
		}),
		client:  client,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		token:   buildToken(cfg.Token),
	}
}

// buildToken wraps the credential in an oauth2 token whose type selects the
// Authorization scheme: JWTs (three dot-separated base64 segments) serialize
// as "Bearer", opaque tokens as "token".
func buildToken(raw string) *oauth2.Token {
	if raw == "" {
		return nil
	}

	tokenType := "token"
	if isJWT(raw) {
		tokenType = "Bearer"
	}

	return &oauth2.Token{AccessToken: raw, TokenType: tokenType}
}

// isJWT reports whether the credential looks like a JWT.
func isJWT(raw string) bool {
	parts := strings.Split(raw, ".")
	if len(parts) != jwtSegments {
		return false
	}

	for _, part := range parts {
		if part == "" {
			return false
		}

		_, err := base64.RawURLEncoding.DecodeString(part)
		if err != nil {
			return false
		}
	}

	return true
}

// Initialize implements Connector.
func (c *Connector) Initialize(context.Context) error { return nil }

// Shutdown implements Connector.
func (c *Connector) Shutdown(context.Context) error { return nil }

// supportedKinds lists the collection kinds Collect dispatches on.
var supportedKinds = map[string]bool{
	"repo": true, "contents": true, "commits": true, "issues": true, "pulls": true,
	"user": true, "search_repos": true, "search_code": true, "search_issues": true,
}

// Collect dispatches on params["kind"] (repo, contents, commits, issues,
// pulls, user, search_repos, search_code, search_issues) through the shared
// retry harness. Unsupported kinds fail before the first attempt.
func (c *Connector) Collect(ctx context.Context, params connector.Params) ([]*item.DataItem, error) {
	kind := params.String("kind", "repo")
	if !supportedKinds[kind] {
		return nil, fmt.Errorf("%w: unsupported kind %q", connector.ErrUnknownFamily, kind)
	}

	return c.CollectWithRetry(ctx, params, func(ctx context.Context, params connector.Params) ([]*item.DataItem, error) {
		return c.collectKind(ctx, kind, params)
	})
}

// collectKind runs one collection attempt for an already validated kind.
func (c *Connector) collectKind(ctx context.Context, kind string, params connector.Params) ([]*item.DataItem, error) {
	switch kind {
	case "repo":
		return c.collectRepository(ctx, params.String("repo", ""))
	case "contents":
		return c.collectContents(ctx, params.String("repo", ""), params.String("path", ""))
	case "commits":
		return c.collectCommits(ctx, params.String("repo", ""), params.Int("max_items", defaultMaxItems))
	case "issues":
		return c.collectIssues(ctx, params.String("repo", ""), false, params.Int("max_items", defaultMaxItems))
	case "pulls":
		return c.collectIssues(ctx, params.String("repo", ""), true, params.Int("max_items", defaultMaxItems))
	case "user":
		return c.collectUser(ctx, params.String("user", ""))
	case "search_repos":
		return c.collectSearch(ctx, "repositories", params.String("query", ""), params.Int("max_items", defaultMaxItems))
	case "search_code":
		return c.collectSearch(ctx, "code", params.String("query", ""), params.Int("max_items", defaultMaxItems))
	case "search_issues":
		return c.collectSearch(ctx, "issues", params.String("query", ""), params.Int("max_items", defaultMaxItems))
	default:
		return nil, fmt.Errorf("%w: unsupported kind %q", connector.ErrUnknownFamily, kind)
	}
}

// get performs one API call, honoring the tracked provider quota.
func (c *Connector) get(ctx context.Context, apiPath string, query url.Values, headers map[string]string) ([]byte, error) {
	waitErr := c.waitForQuota(ctx)
	if waitErr != nil {
		return nil, waitErr
	}

	reqHeaders := map[string]string{
		"Accept": "application/vnd.github+json",
	}

	for name, value := range headers {
		reqHeaders[name] = value
	}

	if c.token != nil {
		reqHeaders["Authorization"] = c.token.Type() + " " + c.token.AccessToken
	}

	resp, err := c.client.Call(ctx, fetch.Request{
		URL:     c.apiBase + apiPath,
		Query:   query,
		Headers: reqHeaders,
	})
	if err != nil {
		return nil, err //nolint:wrapcheck // typed fetch error passes through
	}

	if resp.Rate.Known {
		c.rateMu.Lock()
		c.lastRate = resp.Rate
		c.rateMu.Unlock()
	}

	return resp.Body, nil
}

// waitForQuota sleeps until the provider window resets when the tracked
// remaining quota is nearly exhausted.
func (c *Connector) waitForQuota(ctx context.Context) error {
	c.rateMu.Lock()
	rate := c.lastRate
	c.rateMu.Unlock()

	if !rate.Known || rate.Remaining >= quotaFloor || rate.Reset.IsZero() {
		return nil
	}

	wait := time.Until(rate.Reset) + quotaSlack
	if wait <= 0 {
		return nil
	}

	c.Logger().Warn("provider quota nearly exhausted, waiting for reset",
		slog.Int("remaining", rate.Remaining),
		slog.Duration("wait", wait),
	)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // cancellation passes through
	case <-timer.C:
		return nil
	}
}

// paginate walks a list endpoint page by page until an empty page or
// maxItems, returning the raw elements.
func (c *Connector) paginate(
	ctx context.Context, apiPath string, query url.Values, maxItems int, itemsOf func([]byte) ([]json.RawMessage, error),
) ([]json.RawMessage, error) {
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}

	var out []json.RawMessage

	for page := 1; len(out) < maxItems; page++ {
		pageQuery := url.Values{}

		for name, values := range query {
			pageQuery[name] = values
		}

		pageQuery.Set("per_page", strconv.Itoa(perPage))
		pageQuery.Set("page", strconv.Itoa(page))

		body, err := c.get(ctx, apiPath, pageQuery, nil)
		if err != nil {
			return out, err
		}

		elems, parseErr := itemsOf(body)
		if parseErr != nil {
			return out, parseErr
		}

		if len(elems) == 0 {
			break
		}

		out = append(out, elems...)

		if len(elems) < perPage {
			break
		}
	}

	if len(out) > maxItems {
		out = out[:maxItems]
	}

	return out, nil
}

// rawArray decodes a top-level JSON array.
func rawArray(body []byte) ([]json.RawMessage, error) {
	var elems []json.RawMessage

	err := json.Unmarshal(body, &elems)
	if err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}

	return elems, nil
}

// searchItems decodes the "items" array of a search response.
func searchItems(body []byte) ([]json.RawMessage, error) {
	var envelope struct {
		Items []json.RawMessage `json:"items"`
	}

	err := json.Unmarshal(body, &envelope)
	if err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	return envelope.Items, nil
}
