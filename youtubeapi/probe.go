package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onnwee/live-herald/ledger"
	"github.com/onnwee/live-herald/live"
	"github.com/onnwee/live-herald/telemetry"
)

// Observation methods.
const (
	MethodHint     = "hint"
	MethodHintOnly = "hint_only"
	MethodDataAPI  = "data_api"
)

// Adapter probes YouTube identities, spending Data API quota only on channels
// whose /live page looks live.
type Adapter struct {
	Hints *HintFetcher
	// Data is nil when no API key is configured; positive hints are then
	// reported as low-confidence live.
	Data *DataClient
	// Channels caches handle to channel id resolution.
	Channels *ledger.Cache
	// Quota suspends Data API use per handle after a quota response.
	Quota  *ledger.Backoff
	Clock  ledger.Clock
	Logger *slog.Logger
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

func quotaKey(handle string) string { return strings.ToLower(normalizeHandle(handle)) }

// Probe runs the hint phase and, on a positive hint, the metered phase.
func (a *Adapter) Probe(ctx context.Context, id live.Identity) (live.Observation, error) {
	hint, err := a.Hints.Fetch(ctx, id.Handle)
	if err != nil {
		return live.Observation{}, err
	}
	if !hint.Live {
		obs := live.Offline(MethodHint)
		obs.URL = channelURL(id.Handle)
		return obs, nil
	}
	if a.Data == nil {
		return hintOnly(id, hint), nil
	}

	key := quotaKey(id.Handle)
	now := a.clock().Now()
	if a.Quota != nil && !a.Quota.Eligible(key, now) {
		return hintOnly(id, hint), nil
	}

	obs, err := a.confirm(ctx, id, hint)
	if IsQuotaError(err) {
		if a.Quota != nil {
			e := a.Quota.Strike(key, now)
			a.logger().Warn("youtube quota exhausted, suspending data api",
				slog.String("handle", id.Handle),
				slog.Time("next_eligible_at", e.NextEligibleAt))
		}
		telemetry.CountQuotaBackoff()
		return hintOnly(id, hint), nil
	}
	if err != nil {
		return live.Observation{}, err
	}
	return obs, nil
}

func (a *Adapter) confirm(ctx context.Context, id live.Identity, hint Hint) (live.Observation, error) {
	videoID := hint.VideoID
	if videoID == "" {
		chID, err := a.channelID(ctx, id.Handle)
		if errors.Is(err, live.ErrNotFound) {
			return live.Offline(MethodDataAPI), nil
		}
		if err != nil {
			return live.Observation{}, err
		}
		videoID, err = a.Data.LiveVideoID(ctx, chID)
		if err != nil {
			return live.Observation{}, err
		}
		if videoID == "" {
			return live.Offline(MethodDataAPI), nil
		}
	}

	v, err := a.Data.Video(ctx, videoID)
	if errors.Is(err, live.ErrNotFound) {
		return live.Offline(MethodDataAPI), nil
	}
	if err != nil {
		return live.Observation{}, err
	}
	if !v.Live {
		return live.Offline(MethodDataAPI), nil
	}
	return live.Observation{
		Status:       live.StatusLive,
		Confidence:   live.ConfidenceHigh,
		Method:       MethodDataAPI,
		ViewerCount:  v.ConcurrentViewers,
		Title:        v.Title,
		ThumbnailURL: v.ThumbnailURL,
		URL:          "https://www.youtube.com/watch?v=" + v.ID,
	}, nil
}

func (a *Adapter) channelID(ctx context.Context, handle string) (string, error) {
	handle = normalizeHandle(handle)
	if strings.HasPrefix(handle, "UC") && len(handle) == 24 {
		return handle, nil
	}
	if a.Channels == nil {
		return a.Data.ChannelID(ctx, handle)
	}
	return ledger.Fetch(ctx, a.Channels, strings.ToLower(handle), ledger.ChannelIDTTL, func(ctx context.Context) (string, error) {
		return a.Data.ChannelID(ctx, handle)
	})
}

// CountFollowers returns the subscriber count. It refuses while the handle
// is in quota backoff.
func (a *Adapter) CountFollowers(ctx context.Context, handle string) (int, error) {
	if a.Data == nil {
		return 0, errors.New("youtube data api not configured")
	}
	key := quotaKey(handle)
	now := a.clock().Now()
	if a.Quota != nil && !a.Quota.Eligible(key, now) {
		return 0, fmt.Errorf("youtube %s: %w", handle, live.ErrQuotaExceeded)
	}
	chID, err := a.channelID(ctx, handle)
	if err == nil {
		var n int
		n, err = a.Data.SubscriberCount(ctx, chID)
		if err == nil {
			return n, nil
		}
	}
	if IsQuotaError(err) {
		if a.Quota != nil {
			a.Quota.Strike(key, now)
		}
		telemetry.CountQuotaBackoff()
		return 0, fmt.Errorf("youtube %s: %w", handle, live.ErrQuotaExceeded)
	}
	return 0, err
}

func hintOnly(id live.Identity, h Hint) live.Observation {
	obs := live.Observation{
		Status:     live.StatusLive,
		Confidence: live.ConfidenceLow,
		Method:     MethodHintOnly,
		Title:      h.Title,
		URL:        channelURL(id.Handle) + "/live",
	}
	if h.VideoID != "" {
		obs.URL = "https://www.youtube.com/watch?v=" + h.VideoID
	}
	return obs
}

func channelURL(handle string) string {
	h := normalizeHandle(handle)
	if strings.HasPrefix(h, "UC") && len(h) == 24 {
		return "https://www.youtube.com/channel/" + h
	}
	return "https://www.youtube.com/@" + h
}
