// Package tiktok is the anti-bot-constrained verification adapter. It combines
// the webcast room endpoints with a parse of the public profile page and
// parks handles in an escalating backoff while they are being blocked.
package tiktok

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/onnwee/live-herald/ledger"
	"github.com/onnwee/live-herald/live"
	"github.com/onnwee/live-herald/scrape"
	"github.com/onnwee/live-herald/telemetry"
)

// Default upstream roots.
const (
	DefaultWebBaseURL     = "https://www.tiktok.com"
	DefaultMobileBaseURL  = "https://m.tiktok.com"
	DefaultWebcastBaseURL = "https://webcast.tiktok.com"
)

// Observation methods.
const (
	MethodWebcast     = "webcast"
	MethodPageOnly    = "page_only"
	MethodBothOffline = "both_offline"
	MethodBlocked     = "blocked"
	MethodBackoff     = "backoff"
)

// Category is reported for every live TikTok observation.
const Category = "TikTok Live"

// FollowerRecorder receives follower counts learned from profile pages.
type FollowerRecorder interface {
	Remember(id live.Identity, n int)
}

// Adapter probes TikTok identities.
type Adapter struct {
	Scraper *scrape.Client
	// Backoff holds per-handle block penalties; required.
	Backoff   *ledger.Backoff
	Followers FollowerRecorder
	Clock     ledger.Clock
	Logger    *slog.Logger

	WebBaseURL     string
	MobileBaseURL  string
	WebcastBaseURL string
}

func (a *Adapter) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *Adapter) clock() ledger.Clock {
	if a.Clock != nil {
		return a.Clock
	}
	return ledger.SystemClock
}

func trimBase(s, def string) string {
	if s == "" {
		return def
	}
	return strings.TrimSuffix(s, "/")
}

func (a *Adapter) webBase() string     { return trimBase(a.WebBaseURL, DefaultWebBaseURL) }
func (a *Adapter) mobileBase() string  { return trimBase(a.MobileBaseURL, DefaultMobileBaseURL) }
func (a *Adapter) webcastBase() string { return trimBase(a.WebcastBaseURL, DefaultWebcastBaseURL) }

func normalize(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

// profileURLs lists the page endpoints in escalation order.
func (a *Adapter) profileURLs(handle string) []string {
	h := "@" + url.PathEscape(handle)
	return []string{
		a.webBase() + "/" + h,
		a.webBase() + "/" + h + "/live",
		a.mobileBase() + "/" + h,
	}
}

// pageSignal is the outcome of walking the profile endpoints.
type pageSignal struct {
	ok      bool // a profile was parsed or the account does not exist
	profile Profile
	blocked int
	err     error // last non-block failure
}

func (a *Adapter) pageSignal(ctx context.Context, handle string) pageSignal {
	var sig pageSignal
	for _, u := range a.profileURLs(handle) {
		page, err := a.Scraper.Get(ctx, u, nil)
		if scrape.IsNotFound(err) {
			return pageSignal{ok: true}
		}
		if err != nil {
			sig.err = err
			continue
		}
		if IsBlocked(page) {
			sig.blocked++
			a.logger().Debug("tiktok page blocked", slog.String("url", u), slog.Int("status", page.Status), slog.Int("bytes", len(page.Body)))
			continue
		}
		p, err := ParseProfile(page.Body, handle)
		if errors.Is(err, errNoProfileData) {
			// A plausible-looking page without data is an interstitial.
			sig.blocked++
			continue
		}
		if err != nil {
			sig.err = err
			continue
		}
		return pageSignal{ok: true, profile: p}
	}
	return sig
}

// Probe checks one identity. Within the backoff window it answers Unknown
// without touching the network.
func (a *Adapter) Probe(ctx context.Context, id live.Identity) (live.Observation, error) {
	handle := normalize(id.Handle)
	now := a.clock().Now()
	if !a.Backoff.Eligible(handle, now) {
		return live.Unknown(MethodBackoff), nil
	}

	room := a.roomSignal(ctx, handle)
	page := a.pageSignal(ctx, handle)

	if page.ok && a.Followers != nil && page.profile.FollowerCount > 0 {
		a.Followers.Remember(id, page.profile.FollowerCount)
	}

	switch {
	case room.live:
		a.Backoff.Reset(handle)
		obs := a.liveObservation(handle, page.profile, MethodWebcast, live.ConfidenceHigh)
		if room.title != "" {
			obs.Title = room.title
		}
		if room.viewers > 0 {
			obs.ViewerCount = room.viewers
		}
		if room.cover != "" {
			obs.ThumbnailURL = room.cover
		}
		if obs.AvatarURL == "" {
			obs.AvatarURL = room.avatar
		}
		return obs, nil

	case page.ok && page.profile.Live:
		a.Backoff.Reset(handle)
		a.logger().Warn("tiktok live via page only",
			slog.String("handle", handle),
			slog.Bool("webcast_unavailable", room.unavailable))
		return a.liveObservation(handle, page.profile, MethodPageOnly, live.ConfidenceLow), nil

	case page.ok:
		a.Backoff.Reset(handle)
		obs := live.Offline(MethodBothOffline)
		obs.AvatarURL = page.profile.AvatarURL
		obs.FollowerCount = page.profile.FollowerCount
		obs.URL = profileURL(handle)
		return obs, nil

	case page.blocked == len(a.profileURLs(handle)):
		e := a.Backoff.Strike(handle, now)
		telemetry.CountStrike(string(live.PlatformTikTok))
		a.logger().Warn("tiktok blocked on all endpoints",
			slog.String("handle", handle),
			slog.Int("strikes", e.Strikes),
			slog.Time("next_eligible_at", e.NextEligibleAt))
		return live.Unknown(MethodBlocked), nil

	default:
		err := page.err
		if err == nil {
			err = live.ErrBlocked
		}
		return live.Observation{}, fmt.Errorf("tiktok profile %q: %w", handle, err)
	}
}

func (a *Adapter) liveObservation(handle string, p Profile, method string, conf live.Confidence) live.Observation {
	title := p.Title
	if title == "" {
		title = handle + " Live Stream"
	}
	return live.Observation{
		Status:        live.StatusLive,
		Confidence:    conf,
		Method:        method,
		Category:      Category,
		Title:         title,
		ViewerCount:   p.ViewerCount,
		ThumbnailURL:  p.CoverURL,
		AvatarURL:     p.AvatarURL,
		FollowerCount: p.FollowerCount,
		URL:           profileURL(handle) + "/live",
	}
}

// CountFollowers reads the follower count from the profile page. Handles in
// backoff are refused.
func (a *Adapter) CountFollowers(ctx context.Context, handle string) (int, error) {
	handle = normalize(handle)
	if !a.Backoff.Eligible(handle, a.clock().Now()) {
		return 0, fmt.Errorf("tiktok %s: %w", handle, live.ErrBlocked)
	}
	sig := a.pageSignal(ctx, handle)
	if !sig.ok {
		if sig.err != nil {
			return 0, sig.err
		}
		return 0, fmt.Errorf("tiktok %s: %w", handle, live.ErrBlocked)
	}
	return sig.profile.FollowerCount, nil
}

func profileURL(handle string) string { return "https://www.tiktok.com/@" + handle }
