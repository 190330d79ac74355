// Package gamelink finds an affiliate shop link for the game a creator is
// streaming. Results, including misses, are cached for 30 minutes.
package gamelink

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/onnwee/live-herald/ledger"
	"github.com/onnwee/live-herald/scrape"
)

// DefaultBaseURL is the shop the search runs against.
const DefaultBaseURL = "https://www.instant-gaming.com"

// Match cutoffs for the raw category name and its normalized form.
const (
	rawCutoff        = 0.4
	normalizedCutoff = 0.3
)

// Match is the best product found for a category.
type Match struct {
	Title        string
	ProductURL   string
	AffiliateURL string
	Confidence   float64
}

// Finder searches the shop.
type Finder struct {
	Scraper *scrape.Client
	// Cache is required.
	Cache *ledger.Cache
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// AffiliateTag is appended as igr=<tag>. Empty disables the finder.
	AffiliateTag string
	Logger       *slog.Logger
}

func (f *Finder) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func (f *Finder) base() string {
	if f.BaseURL != "" {
		return strings.TrimSuffix(f.BaseURL, "/")
	}
	return DefaultBaseURL
}

// Enabled reports whether an affiliate tag is configured.
func (f *Finder) Enabled() bool { return f != nil && f.AffiliateTag != "" }

// Link returns the affiliate URL for category, or "" when nothing matches.
func (f *Finder) Link(ctx context.Context, category string) (string, error) {
	if !f.Enabled() {
		return "", nil
	}
	m, err := f.Search(ctx, category)
	if err != nil || m == nil {
		return "", err
	}
	return m.AffiliateURL, nil
}

// Search returns the best match for game, or nil.
func (f *Finder) Search(ctx context.Context, game string) (*Match, error) {
	if strings.TrimSpace(game) == "" {
		return nil, nil
	}
	normalized := Normalize(game)
	return ledger.Fetch(ctx, f.Cache, normalized, ledger.GameLinkTTL, func(ctx context.Context) (*Match, error) {
		return f.search(ctx, game, normalized)
	})
}

type product struct {
	title string
	url   string
}

func (f *Finder) search(ctx context.Context, game, normalized string) (*Match, error) {
	searchURL := f.base() + "/en/search/?q=" + url.QueryEscape(normalized)
	page, err := f.Scraper.Get(ctx, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("game search %q: %w", normalized, err)
	}
	if page.Status != 200 {
		return nil, fmt.Errorf("game search %q: HTTP %d", normalized, page.Status)
	}
	products, err := f.parse(page.Body)
	if err != nil {
		return nil, err
	}

	titles := make([]string, len(products))
	for i, p := range products {
		titles[i] = p.title
	}
	best, score := bestMatch(game, titles, rawCutoff)
	if best < 0 {
		best, score = bestMatch(normalized, titles, normalizedCutoff)
	}
	if best < 0 {
		f.logger().Debug("no game link match", slog.String("game", game), slog.Int("products", len(products)))
		return nil, nil
	}
	p := products[best]
	sep := "?"
	if strings.Contains(p.url, "?") {
		sep = "&"
	}
	m := &Match{
		Title:        p.title,
		ProductURL:   p.url,
		AffiliateURL: p.url + sep + "igr=" + url.QueryEscape(f.AffiliateTag),
		Confidence:   score,
	}
	f.logger().Debug("game link found", slog.String("game", game), slog.String("title", m.Title), slog.Float64("confidence", m.Confidence))
	return m, nil
}

func (f *Finder) parse(body []byte) ([]product, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse search page: %w", err)
	}
	sel := doc.Find("a.cover")
	if sel.Length() == 0 {
		sel = doc.Find(`a[href*="/en/"]`)
	}
	var out []product
	sel.Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if !strings.Contains(href, "/en/") {
			return
		}
		title, _ := a.Find("img").Attr("alt")
		title = strings.TrimSpace(title)
		if title == "" {
			return
		}
		if strings.HasPrefix(href, "/") {
			href = f.base() + href
		}
		out = append(out, product{title: title, url: href})
	})
	return out, nil
}

var specialCases = map[string]string{
	"call of duty": "call of duty black ops 6",
	"cod":          "call of duty black ops 6",
	"warzone":      "call of duty warzone",
	"fortnite":     "fortnite",
	"minecraft":    "minecraft java edition",
	"gta":          "grand theft auto v",
	"gta 5":        "grand theft auto v",
	"gta v":        "grand theft auto v",
}

var editionWords = []string{"edition", "deluxe", "ultimate", "season", "beta", "early access", "definitive", "complete", "goty", "remastered"}

// Normalize lowercases game, maps well-known short names and strips edition
// words and punctuation.
func Normalize(game string) string {
	g := strings.ToLower(game)
	if r, ok := specialCases[strings.TrimSpace(g)]; ok {
		g = r
	}
	for _, w := range editionWords {
		g = strings.ReplaceAll(g, w, "")
	}
	g = strings.NewReplacer(":", "", "-", " ", "_", " ").Replace(g)
	return strings.Join(strings.Fields(g), " ")
}

func bestMatch(name string, candidates []string, cutoff float64) (int, float64) {
	best, bestScore := -1, 0.0
	for i, c := range candidates {
		if s := Similarity(name, c); s >= cutoff && s > bestScore {
			best, bestScore = i, s
		}
	}
	return best, bestScore
}
