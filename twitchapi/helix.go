// Package twitchapi is the API-backed verification adapter. It resolves
// logins through Twitch Helix with an app access token, reads live streams
// and follower totals, and maps them onto live observations.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/onnwee/live-herald/live"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// helixMaxAttempts bounds calls per request: one retry for transient
// failures or an expired token.
const helixMaxAttempts = 2

// HelixClient provides the Helix calls the live probe needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	BaseURL        string
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return DefaultBaseURL
}

var errUnauthorized = errors.New("helix: unauthorized")

// get issues a GET against path and decodes the JSON body into out.
func (hc *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	return retry.Do(
		func() error {
			err := hc.getOnce(ctx, path, q, out)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, errUnauthorized):
				hc.AppTokenSource.Invalidate()
				return err
			case live.IsTransient(err):
				return err
			default:
				return retry.Unrecoverable(err)
			}
		},
		retry.Attempts(helixMaxAttempts),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(time.Second),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

func (hc *HelixClient) getOnce(ctx context.Context, path string, q url.Values, out any) error {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	u := hc.base() + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return errUnauthorized
	case http.StatusNotFound:
		return fmt.Errorf("helix %s: %w", path, live.ErrNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("helix %s: %w", path, live.ErrRateLimited)
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &live.StatusError{URL: "helix " + path, Code: resp.StatusCode, Body: string(b)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode helix %s: %w", path, err)
	}
	return nil
}

// User is a Helix user.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// GetUser resolves a login name. Unknown logins yield live.ErrNotFound.
func (hc *HelixClient) GetUser(ctx context.Context, login string) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.get(ctx, "/users", url.Values{"login": {login}}, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("user %q: %w", login, live.ErrNotFound)
	}
	return &body.Data[0], nil
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	u, err := hc.GetUser(ctx, login)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// Stream is a live Helix stream.
type Stream struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	GameName     string    `json:"game_name"`
	Title        string    `json:"title"`
	ViewerCount  int       `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	ThumbnailURL string    `json:"thumbnail_url"`
	Type         string    `json:"type"`
}

// GetStreams returns the live streams of userID; empty when offline.
func (hc *HelixClient) GetStreams(ctx context.Context, userID string) ([]Stream, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID empty")
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.get(ctx, "/streams", url.Values{"user_id": {userID}}, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetFollowerCount returns the follower total of broadcasterID.
func (hc *HelixClient) GetFollowerCount(ctx context.Context, broadcasterID string) (int, error) {
	if broadcasterID == "" {
		return 0, fmt.Errorf("broadcasterID empty")
	}
	var body struct {
		Total int `json:"total"`
	}
	q := url.Values{"broadcaster_id": {broadcasterID}, "first": {strconv.Itoa(1)}}
	if err := hc.get(ctx, "/channels/followers", q, &body); err != nil {
		return 0, err
	}
	return body.Total, nil
}
