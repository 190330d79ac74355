package tiktok

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/onnwee/live-herald/scrape"
)

// Room status codes reported by the webcast endpoints.
const (
	roomStatusLive  = 2
	roomStatusEnded = 4
)

// webcastAppID is the aid parameter the public web client sends.
const webcastAppID = "1988"

type roomResponse struct {
	StatusCode int `json:"statusCode"`
	Data       struct {
		User struct {
			RoomID       flexString `json:"roomId"`
			Nickname     string     `json:"nickname"`
			AvatarLarger string     `json:"avatarLarger"`
		} `json:"user"`
		LiveRoom struct {
			Status        int    `json:"status"`
			Title         string `json:"title"`
			CoverURL      string `json:"coverUrl"`
			LiveRoomStats struct {
				UserCount int `json:"userCount"`
			} `json:"liveRoomStats"`
		} `json:"liveRoom"`
	} `json:"data"`
}

type aliveResponse struct {
	Data []struct {
		Alive bool `json:"alive"`
	} `json:"data"`
}

// roomSignal is the outcome of the live-connection attempt.
type roomSignal struct {
	live        bool
	unavailable bool // blocked or failed; not evidence either way
	err         error
	title       string
	cover       string
	viewers     int
	avatar      string
}

func (a *Adapter) roomSignal(ctx context.Context, handle string) roomSignal {
	q := url.Values{}
	q.Set("aid", webcastAppID)
	q.Set("uniqueId", handle)
	q.Set("sourceType", "54")
	roomURL := a.webBase() + "/api-live/user/room/?" + q.Encode()

	page, err := a.Scraper.Get(ctx, roomURL, apiHeader())
	if scrape.IsNotFound(err) {
		return roomSignal{}
	}
	if err != nil {
		return roomSignal{unavailable: true, err: err}
	}
	if page.Status == http.StatusForbidden || page.Status == http.StatusTooManyRequests {
		return roomSignal{unavailable: true}
	}
	var rr roomResponse
	if err := json.Unmarshal(page.Body, &rr); err != nil {
		// An HTML challenge page in place of JSON.
		return roomSignal{unavailable: true, err: fmt.Errorf("decode room info: %w", err)}
	}
	if rr.StatusCode != 0 {
		return roomSignal{}
	}

	sig := roomSignal{
		title:   rr.Data.LiveRoom.Title,
		cover:   rr.Data.LiveRoom.CoverURL,
		viewers: rr.Data.LiveRoom.LiveRoomStats.UserCount,
		avatar:  rr.Data.User.AvatarLarger,
	}
	switch {
	case rr.Data.LiveRoom.Status == roomStatusLive:
		sig.live = true
	case rr.Data.LiveRoom.Status == roomStatusEnded:
	case rr.Data.User.RoomID.present():
		alive, err := a.checkAlive(ctx, string(rr.Data.User.RoomID))
		if err != nil {
			sig.unavailable = true
			sig.err = err
			break
		}
		sig.live = alive
	}
	return sig
}

func (a *Adapter) checkAlive(ctx context.Context, roomID string) (bool, error) {
	q := url.Values{}
	q.Set("aid", webcastAppID)
	q.Set("room_ids", roomID)
	page, err := a.Scraper.Get(ctx, a.webcastBase()+"/webcast/room/check_alive/?"+q.Encode(), apiHeader())
	if err != nil {
		return false, fmt.Errorf("check_alive %s: %w", roomID, err)
	}
	var ar aliveResponse
	if err := json.Unmarshal(page.Body, &ar); err != nil {
		return false, fmt.Errorf("decode check_alive: %w", err)
	}
	return len(ar.Data) > 0 && ar.Data[0].Alive, nil
}

func apiHeader() http.Header {
	return http.Header{
		"Accept":         {"application/json, text/plain, */*"},
		"Sec-Fetch-Dest": {"empty"},
		"Sec-Fetch-Mode": {"cors"},
		"Referer":        {"https://www.tiktok.com/"},
	}
}
