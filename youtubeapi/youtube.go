// Package youtubeapi is the quota-constrained verification adapter. A cheap
// scrape of the channel's /live page gives a hint; only a positive hint is
// confirmed through the metered YouTube Data API.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/live-herald/live"
)

// DataClient wraps the YouTube Data API calls the probe spends quota on.
type DataClient struct {
	svc *yt.Service
}

// NewDataClient builds a client authenticated with apiKey. Extra options
// are appended (endpoint or HTTP client overrides).
func NewDataClient(ctx context.Context, apiKey string, opts ...option.ClientOption) (*DataClient, error) {
	var all []option.ClientOption
	if apiKey != "" {
		all = append(all, option.WithAPIKey(apiKey))
	}
	all = append(all, opts...)
	svc, err := yt.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &DataClient{svc: svc}, nil
}

// ChannelID resolves a handle (or legacy username) to a channel id.
func (c *DataClient) ChannelID(ctx context.Context, handle string) (string, error) {
	res, err := c.svc.Channels.List([]string{"id"}).ForHandle("@" + handle).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("channels.list forHandle: %w", err)
	}
	if len(res.Items) > 0 {
		return res.Items[0].Id, nil
	}
	res, err = c.svc.Channels.List([]string{"id"}).ForUsername(handle).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("channels.list forUsername: %w", err)
	}
	if len(res.Items) == 0 {
		return "", fmt.Errorf("channel %q: %w", handle, live.ErrNotFound)
	}
	return res.Items[0].Id, nil
}

// LiveVideoID returns the id of the channel's current live broadcast, or "".
func (c *DataClient) LiveVideoID(ctx context.Context, channelID string) (string, error) {
	res, err := c.svc.Search.List([]string{"id"}).
		ChannelId(channelID).
		EventType("live").
		Type("video").
		MaxResults(1).
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("search.list live: %w", err)
	}
	for _, item := range res.Items {
		if item.Id != nil && item.Id.VideoId != "" {
			return item.Id.VideoId, nil
		}
	}
	return "", nil
}

// LiveVideo is the subset of a video the notification needs.
type LiveVideo struct {
	ID                string
	Title             string
	ChannelTitle      string
	ThumbnailURL      string
	Live              bool
	ConcurrentViewers int
	StartedAt         time.Time
}

// Video loads a video with its live streaming details. Missing videos yield
// live.ErrNotFound.
func (c *DataClient) Video(ctx context.Context, videoID string) (*LiveVideo, error) {
	res, err := c.svc.Videos.List([]string{"snippet", "liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("videos.list: %w", err)
	}
	if len(res.Items) == 0 {
		return nil, fmt.Errorf("video %q: %w", videoID, live.ErrNotFound)
	}
	v := res.Items[0]
	out := &LiveVideo{ID: v.Id}
	if v.Snippet != nil {
		out.Title = v.Snippet.Title
		out.ChannelTitle = v.Snippet.ChannelTitle
		out.Live = v.Snippet.LiveBroadcastContent == "live"
		out.ThumbnailURL = bestThumbnail(v.Snippet.Thumbnails)
	}
	if d := v.LiveStreamingDetails; d != nil {
		out.ConcurrentViewers = int(d.ConcurrentViewers)
		if t, err := time.Parse(time.RFC3339, d.ActualStartTime); err == nil {
			out.StartedAt = t
		}
		if d.ActualStartTime != "" && d.ActualEndTime == "" {
			out.Live = true
		}
		if d.ActualEndTime != "" {
			out.Live = false
		}
	}
	return out, nil
}

// SubscriberCount returns the public subscriber count of channelID.
func (c *DataClient) SubscriberCount(ctx context.Context, channelID string) (int, error) {
	res, err := c.svc.Channels.List([]string{"statistics"}).Id(channelID).Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("channels.list statistics: %w", err)
	}
	if len(res.Items) == 0 || res.Items[0].Statistics == nil {
		return 0, fmt.Errorf("channel %q: %w", channelID, live.ErrNotFound)
	}
	return int(res.Items[0].Statistics.SubscriberCount), nil
}

func bestThumbnail(t *yt.ThumbnailDetails) string {
	if t == nil {
		return ""
	}
	for _, th := range []*yt.Thumbnail{t.Maxres, t.Standard, t.High, t.Medium, t.Default} {
		if th != nil && th.Url != "" {
			return th.Url
		}
	}
	return ""
}

// IsQuotaError reports whether err is a Data API quota or rate limit response.
func IsQuotaError(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	switch gerr.Code {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		for _, e := range gerr.Errors {
			switch e.Reason {
			case "quotaExceeded", "dailyLimitExceeded", "rateLimitExceeded", "userRateLimitExceeded":
				return true
			}
		}
		return strings.Contains(strings.ToLower(gerr.Message), "quota")
	}
	return false
}
