// Package scrape fetches public web pages with browser-like headers for the
// scraping-based verification adapters. It classifies upstream failures into
// the live error taxonomy and retries transient ones exactly once.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/onnwee/live-herald/live"
)

// maxBodyBytes bounds how much of a page is read.
const maxBodyBytes = 8 << 20

// UserAgent is sent on every page fetch.
const UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Page is a fetched document.
type Page struct {
	URL    string
	Status int
	Body   []byte
}

// Client fetches pages.
type Client struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	// RetryDelay is the pause before the single inline retry.
	RetryDelay time.Duration
}

// New returns a client with a 15s request timeout.
func New(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Logger:     logger,
		RetryDelay: 500 * time.Millisecond,
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Get fetches pageURL. Any 2xx, 403 and 429 response is returned as a Page so
// callers can inspect block pages; 404 yields live.ErrNotFound; other statuses
// and network failures are errors, with transient ones retried once.
func (c *Client) Get(ctx context.Context, pageURL string, header http.Header) (*Page, error) {
	var page *Page
	err := retry.Do(
		func() error {
			p, err := c.fetch(ctx, pageURL, header)
			if err != nil {
				if !live.IsTransient(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			page = p
			return nil
		},
		retry.Attempts(2),
		retry.Delay(c.RetryDelay),
		retry.MaxDelay(c.RetryDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger().Debug("retrying page fetch", slog.String("url", pageURL), slog.Uint64("attempt", uint64(n+1)), slog.Any("err", err))
		}),
	)
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (c *Client) fetch(ctx context.Context, pageURL string, header http.Header) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "none")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	for k, vs := range header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger().Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pageURL, err)
	}
	c.logger().Debug("page fetched",
		slog.String("url", pageURL),
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(body)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusTooManyRequests:
		return &Page{URL: pageURL, Status: resp.StatusCode, Body: body}, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", pageURL, live.ErrNotFound)
	default:
		return nil, &live.StatusError{URL: pageURL, Code: resp.StatusCode, Body: truncate(body, 200)}
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

// IsNotFound reports whether err is a 404 from Get.
func IsNotFound(err error) bool { return errors.Is(err, live.ErrNotFound) }
