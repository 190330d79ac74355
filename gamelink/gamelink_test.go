package gamelink

import (
	"context"
	"math"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/live-herald/ledger"
	"github.com/onnwee/live-herald/scrape"
	"github.com/onnwee/live-herald/testutil"
)

const searchPage = `<html><body>
<div class="item"><a class="cover" href="/en/2190-buy-minecraft-java-edition-pc-game/"><img alt="Minecraft: Java &amp; Bedrock Edition"></a></div>
<div class="item"><a class="cover" href="/en/9999-buy-minecraft-dungeons-pc-game/"><img alt="Minecraft Dungeons"></a></div>
<div class="item"><a class="cover" href="/en/1-buy-something/"><img alt=""></a></div>
</body></html>`

func newFinder(t *testing.T, tag string) (*Finder, *testutil.MockServer, *testutil.FakeClock) {
	t.Helper()
	m := testutil.NewMockServer(t)
	clock := testutil.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sc := scrape.New(nil)
	sc.RetryDelay = time.Millisecond
	return &Finder{
		Scraper:      sc,
		Cache:        ledger.NewCache(ledger.NewStore(0), "gamelink", clock),
		BaseURL:      m.URL,
		AffiliateTag: tag,
	}, m, clock
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"Minecraft":                      "minecraft java",
		"GTA V":                          "grand theft auto v",
		"Elden Ring: Deluxe Edition":     "elden ring",
		"Counter-Strike_2":               "counter strike 2",
		"  The Witcher 3  GOTY ":         "the witcher 3",
		"Baldur's Gate 3 - Early Access": "baldur's gate 3",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"abcd", "abcd", 1},
		{"abcd", "ABCD", 1},
		{"abcd", "wxyz", 0},
		{"abcd", "bcde", 0.75},
		{"", "", 1},
	}
	for _, tt := range tests {
		if got := Similarity(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Similarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestLink(t *testing.T) {
	f, m, _ := newFinder(t, "herald")
	m.Handle("/en/search/", func(w http.ResponseWriter, r *http.Request) {
		if q := r.URL.Query().Get("q"); q != "minecraft dungeons" {
			t.Errorf("q = %q", q)
		}
		_, _ = w.Write([]byte(searchPage))
	})

	link, err := f.Link(context.Background(), "Minecraft Dungeons")
	if err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	if !strings.HasSuffix(link, "/en/9999-buy-minecraft-dungeons-pc-game/?igr=herald") || !strings.HasPrefix(link, m.URL) {
		t.Errorf("Link() = %q", link)
	}
}

func TestLink_CachesHitsAndMisses(t *testing.T) {
	f, m, clock := newFinder(t, "herald")
	m.HTML("/en/search/", http.StatusOK, searchPage)

	for i := 0; i < 3; i++ {
		if _, err := f.Link(context.Background(), "Minecraft Dungeons"); err != nil {
			t.Fatal(err)
		}
		if link, err := f.Link(context.Background(), "Qqqq"); err != nil || link != "" {
			t.Fatalf("Link(miss) = %q, %v", link, err)
		}
	}
	if m.Hits("/en/search/") != 2 {
		t.Errorf("search hits = %d, want 2", m.Hits("/en/search/"))
	}
	clock.Advance(ledger.GameLinkTTL)
	if _, err := f.Link(context.Background(), "Minecraft Dungeons"); err != nil {
		t.Fatal(err)
	}
	if m.Hits("/en/search/") != 3 {
		t.Errorf("search hits after ttl = %d, want 3", m.Hits("/en/search/"))
	}
}

func TestLink_DisabledWithoutTag(t *testing.T) {
	f, m, _ := newFinder(t, "")
	m.HTML("/en/search/", http.StatusOK, searchPage)

	if link, err := f.Link(context.Background(), "Minecraft"); link != "" || err != nil {
		t.Errorf("Link() = %q, %v", link, err)
	}
	if m.TotalHits() != 0 {
		t.Error("disabled finder made requests")
	}
}

func TestLink_ErrorsAreNotCached(t *testing.T) {
	f, m, _ := newFinder(t, "herald")
	m.HTML("/en/search/", http.StatusInternalServerError, "oops")

	if _, err := f.Link(context.Background(), "Minecraft"); err == nil {
		t.Fatal("expected error")
	}
	m.HTML("/en/search/", http.StatusOK, searchPage)
	if link, err := f.Link(context.Background(), "Minecraft"); err != nil || link == "" {
		t.Errorf("Link() after recovery = %q, %v", link, err)
	}
}
