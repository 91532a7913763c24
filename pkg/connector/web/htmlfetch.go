package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
)

// FetchOptions are per-request overrides for an HTMLFetcher.
type FetchOptions struct {
	Headers      map[string]string
	Timeout      time.Duration
	ForceRefresh bool
}

// FetchResult is the outcome of rendering one page.
type FetchResult struct {
	Markdown   string
	Metadata   map[string]any
	Media      []string
	OK         bool
	Error      string
	HTTPStatus int

	// FromCache marks pages a caching fetcher served without a network
	// round trip.
	FromCache bool
}

// HTMLFetcher obtains rendered Markdown plus metadata and media references
// for a URL. The engine treats it as an injectable collaborator.
type HTMLFetcher interface {
	Fetch(ctx context.Context, rawURL string, opts FetchOptions) FetchResult
}

// defaultFetchTimeout bounds one page fetch when no override is given.
const defaultFetchTimeout = 30 * time.Second

// maxPageBytes bounds HTML documents read into memory.
const maxPageBytes = 5 * 1024 * 1024

// MarkdownFetcher is the default HTMLFetcher: plain HTTP GET, metadata
// extraction via goquery, and body conversion to Markdown.
type MarkdownFetcher struct {
	client *http.Client
}

// NewMarkdownFetcher creates the default fetcher.
func NewMarkdownFetcher() *MarkdownFetcher {
	return &MarkdownFetcher{
		client: &http.Client{Timeout: defaultFetchTimeout},
	}
}

// Fetch implements HTMLFetcher.
func (f *MarkdownFetcher) Fetch(ctx context.Context, rawURL string, opts FetchOptions) FetchResult {
	callCtx := ctx

	if opts.Timeout > 0 {
		var cancel context.CancelFunc

		callCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return FetchResult{Error: fmt.Sprintf("build request: %v", err)}
	}

	for name, value := range opts.Headers {
		req.Header.Set(name, value)
	}

	resp, doErr := f.client.Do(req)
	if doErr != nil {
		return FetchResult{Error: doErr.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return FetchResult{
			HTTPStatus: resp.StatusCode,
			Error:      fmt.Sprintf("http status %d", resp.StatusCode),
		}
	}

	html, readErr := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if readErr != nil {
		return FetchResult{HTTPStatus: resp.StatusCode, Error: fmt.Sprintf("read body: %v", readErr)}
	}

	markdown, convErr := htmltomarkdown.ConvertString(string(html))
	if convErr != nil {
		return FetchResult{HTTPStatus: resp.StatusCode, Error: fmt.Sprintf("convert markdown: %v", convErr)}
	}

	metadata, media := extractPageMetadata(rawURL, string(html))

	return FetchResult{
		Markdown:   markdown,
		Metadata:   metadata,
		Media:      media,
		OK:         true,
		HTTPStatus: resp.StatusCode,
	}
}

// extractPageMetadata pulls title, author, publish date and image references
// from the document head and body.
func extractPageMetadata(rawURL, html string) (map[string]any, []string) {
	metadata := make(map[string]any)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return metadata, nil
	}

	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		metadata["title"] = title
	}

	if og, ok := metaContent(doc, `meta[property="og:title"]`); ok {
		metadata["title"] = og
	}

	if author, ok := metaContent(doc, `meta[name="author"]`); ok {
		metadata["author"] = author
	} else if site, siteOK := metaContent(doc, `meta[property="og:site_name"]`); siteOK {
		metadata["author"] = site
	}

	if published, ok := metaContent(doc, `meta[property="article:published_time"]`); ok {
		metadata["publish_date"] = published
	}

	base, _ := url.Parse(rawURL)

	var media []string

	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		src, exists := sel.Attr("src")
		if !exists || src == "" {
			return
		}

		if base != nil {
			if resolved, resolveErr := base.Parse(src); resolveErr == nil {
				src = resolved.String()
			}
		}

		media = append(media, src)
	})

	return metadata, media
}

// metaContent reads the content attribute of the first matching meta tag.
func metaContent(doc *goquery.Document, selector string) (string, bool) {
	content, exists := doc.Find(selector).First().Attr("content")
	content = strings.TrimSpace(content)

	return content, exists && content != ""
}
