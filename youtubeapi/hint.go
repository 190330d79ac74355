package youtubeapi

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/onnwee/live-herald/ledger"
	"github.com/onnwee/live-herald/live"
	"github.com/onnwee/live-herald/scrape"
)

// DefaultPageBaseURL is the public site root the hint pages are read from.
const DefaultPageBaseURL = "https://www.youtube.com"

// minIndicators is how many distinct live markers a page must show.
const minIndicators = 2

// Hint is the heuristic verdict of the channel's /live page.
type Hint struct {
	Live       bool
	Indicators []string
	PageURL    string
	VideoID    string // from the canonical watch link, when present
	Title      string
}

var indicatorPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"is_live", regexp.MustCompile(`"islive"\s*:\s*true`)},
	{"badge_style", regexp.MustCompile(`"style"\s*:\s*"(live|badge_style_type_live_now)"`)},
	{"badge_live", regexp.MustCompile(`"isbadgelive"\s*:\s*true`)},
	{"live_badge", regexp.MustCompile(`"livebadge"\s*:`)},
	{"broadcast_content", regexp.MustCompile(`"livebroadcastcontent"\s*:\s*"live"`)},
	{"watching_now", regexp.MustCompile(`watching now`)},
	{"started_streaming", regexp.MustCompile(`started streaming`)},
}

// ParseHint counts live indicators in a /live page.
func ParseHint(body []byte) (Hint, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Hint{}, fmt.Errorf("parse hint page: %w", err)
	}
	var h Hint

	if href, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok {
		if u, err := url.Parse(href); err == nil && strings.HasSuffix(u.Path, "/watch") {
			if v := u.Query().Get("v"); v != "" {
				h.VideoID = v
				h.Indicators = append(h.Indicators, "canonical_watch")
			}
		}
	}
	if title, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		h.Title = strings.TrimSpace(title)
	}

	var text strings.Builder
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if src := s.Text(); strings.Contains(src, "ytInitialData") || strings.Contains(src, "ytInitialPlayerResponse") {
			text.WriteString(src)
			text.WriteByte('\n')
		}
	})
	text.WriteString(doc.Find("body").Text())
	lower := strings.ToLower(text.String())

	for _, p := range indicatorPatterns {
		if p.re.MatchString(lower) {
			h.Indicators = append(h.Indicators, p.name)
		}
	}
	h.Live = len(h.Indicators) >= minIndicators
	return h, nil
}

// HintFetcher reads and caches /live pages.
type HintFetcher struct {
	Scraper *scrape.Client
	// Cache holds hints for 60s; nil disables caching.
	Cache   *ledger.Cache
	BaseURL string
	Logger  *slog.Logger
}

func (f *HintFetcher) base() string {
	if f.BaseURL != "" {
		return strings.TrimSuffix(f.BaseURL, "/")
	}
	return DefaultPageBaseURL
}

// candidates lists the /live URLs tried for handle, in order.
func (f *HintFetcher) candidates(handle string) []string {
	h := url.PathEscape(handle)
	if strings.HasPrefix(handle, "UC") && len(handle) == 24 {
		return []string{f.base() + "/channel/" + h + "/live"}
	}
	return []string{
		f.base() + "/@" + h + "/live",
		f.base() + "/c/" + h + "/live",
		f.base() + "/user/" + h + "/live",
	}
}

// Fetch returns the hint for handle. A handle no URL form resolves is a
// negative hint.
func (f *HintFetcher) Fetch(ctx context.Context, handle string) (Hint, error) {
	handle = normalizeHandle(handle)
	if f.Cache == nil {
		return f.fetch(ctx, handle)
	}
	return ledger.Fetch(ctx, f.Cache, handle, ledger.HintTTL, func(ctx context.Context) (Hint, error) {
		return f.fetch(ctx, handle)
	})
}

func (f *HintFetcher) fetch(ctx context.Context, handle string) (Hint, error) {
	for _, u := range f.candidates(handle) {
		page, err := f.Scraper.Get(ctx, u, nil)
		if scrape.IsNotFound(err) {
			continue
		}
		if err != nil {
			return Hint{}, fmt.Errorf("youtube hint %s: %w", u, err)
		}
		// Throttle and consent pages carry no indicators and would read as
		// offline.
		switch page.Status {
		case http.StatusTooManyRequests:
			return Hint{}, fmt.Errorf("youtube hint %s: %w", u, live.ErrRateLimited)
		case http.StatusForbidden:
			return Hint{}, fmt.Errorf("youtube hint %s: %w", u, live.ErrBlocked)
		}
		h, err := ParseHint(page.Body)
		if err != nil {
			return Hint{}, err
		}
		h.PageURL = u
		if f.Logger != nil {
			f.Logger.Debug("youtube hint", slog.String("handle", handle), slog.Bool("live", h.Live), slog.Any("indicators", h.Indicators))
		}
		return h, nil
	}
	return Hint{}, nil
}

func normalizeHandle(h string) string {
	return strings.TrimPrefix(strings.TrimSpace(h), "@")
}
