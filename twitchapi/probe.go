package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/live-herald/ledger"
	"github.com/onnwee/live-herald/live"
	"github.com/onnwee/live-herald/telemetry"
)

const (
	// MethodHelix tags observations produced from Helix.
	MethodHelix = "helix"
	// MethodBackoff tags probes skipped while a login is rate limited.
	MethodBackoff = "backoff"
)

// FollowerCounter returns a (possibly cached) follower count for an identity.
type FollowerCounter interface {
	Count(ctx context.Context, id live.Identity) (int, error)
}

// Adapter probes Twitch identities.
type Adapter struct {
	Helix *HelixClient
	// Users caches login resolution; nil disables caching.
	Users *ledger.Cache
	// Followers enriches live observations; nil skips the lookup.
	Followers FollowerCounter
	// RateLimits pauses a login after a Helix 429; nil disables it.
	RateLimits *ledger.Backoff
	Clock      ledger.Clock
	Logger     *slog.Logger
}

func (a *Adapter) now() time.Time {
	if a.Clock != nil {
		return a.Clock.Now()
	}
	return time.Now()
}

func loginKey(login string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(login), "@"))
}

func (a *Adapter) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *Adapter) user(ctx context.Context, login string) (*User, error) {
	login = loginKey(login)
	if a.Users == nil {
		return a.Helix.GetUser(ctx, login)
	}
	return ledger.Fetch(ctx, a.Users, login, ledger.ChannelIDTTL, func(ctx context.Context) (*User, error) {
		return a.Helix.GetUser(ctx, login)
	})
}

// Probe reports whether the identity is live on Twitch. Unknown logins are
// offline, not errors. A 429 pauses the login for RateLimitSchedule; probes
// inside that window are Unknown and make no request.
func (a *Adapter) Probe(ctx context.Context, id live.Identity) (live.Observation, error) {
	if a.RateLimits == nil {
		return a.probe(ctx, id)
	}
	key := loginKey(id.Handle)
	now := a.now()
	if !a.RateLimits.Eligible(key, now) {
		return live.Unknown(MethodBackoff), nil
	}
	obs, err := a.probe(ctx, id)
	switch {
	case err == nil:
		a.RateLimits.Reset(key)
	case live.Classify(err) == live.ClassRateLimited:
		e := a.RateLimits.Strike(key, now)
		telemetry.CountStrike(string(live.PlatformTwitch))
		a.logger().Warn("helix rate limited, pausing login",
			slog.String("handle", id.Handle),
			slog.Time("next_eligible_at", e.NextEligibleAt))
	}
	return obs, err
}

func (a *Adapter) probe(ctx context.Context, id live.Identity) (live.Observation, error) {
	u, err := a.user(ctx, id.Handle)
	if errors.Is(err, live.ErrNotFound) {
		a.logger().Debug("twitch user not found", slog.String("handle", id.Handle))
		return live.Offline(MethodHelix), nil
	}
	if err != nil {
		return live.Observation{}, fmt.Errorf("resolve twitch user %q: %w", id.Handle, err)
	}

	streams, err := a.Helix.GetStreams(ctx, u.ID)
	if errors.Is(err, live.ErrNotFound) {
		return live.Offline(MethodHelix), nil
	}
	if err != nil {
		return live.Observation{}, fmt.Errorf("twitch streams for %q: %w", id.Handle, err)
	}

	obs := live.Offline(MethodHelix)
	obs.AvatarURL = u.ProfileImageURL
	obs.URL = "https://www.twitch.tv/" + u.Login
	if len(streams) == 0 {
		return obs, nil
	}

	s := streams[0]
	obs.Status = live.StatusLive
	obs.Confidence = live.ConfidenceHigh
	obs.ViewerCount = s.ViewerCount
	obs.Category = s.GameName
	obs.Title = s.Title
	obs.ThumbnailURL = ThumbnailURL(s.ThumbnailURL)

	if a.Followers != nil {
		n, err := a.Followers.Count(ctx, id)
		if err != nil {
			a.logger().Debug("twitch follower lookup failed", slog.String("handle", id.Handle), slog.Any("err", err))
		} else {
			obs.FollowerCount = n
		}
	}
	return obs, nil
}

// CountFollowers returns the uncached follower total for a login.
func (a *Adapter) CountFollowers(ctx context.Context, handle string) (int, error) {
	u, err := a.user(ctx, handle)
	if err != nil {
		return 0, err
	}
	return a.Helix.GetFollowerCount(ctx, u.ID)
}

// ThumbnailURL fills the Helix size template with 1920x1080.
func ThumbnailURL(tmpl string) string {
	return strings.NewReplacer("{width}", "1920", "{height}", "1080").Replace(tmpl)
}
