package tiktok

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/onnwee/live-herald/scrape"
)

// Block detection thresholds.
const (
	minPlausibleBody = 1024
	markerWindow     = 5000
)

var blockMarkers = [][]byte{
	[]byte("slardar"),
	[]byte("guru meditation"),
	[]byte("404 not found"),
	[]byte("tlb"),
	[]byte("blocked"),
	[]byte("verify to continue"),
}

// IsBlocked reports whether a fetched page is an anti-bot response rather than
// a profile.
func IsBlocked(p *scrape.Page) bool {
	if p == nil {
		return true
	}
	if p.Status == http.StatusForbidden || p.Status == http.StatusTooManyRequests {
		return true
	}
	if len(p.Body) < minPlausibleBody {
		return true
	}
	if len(p.Body) < markerWindow {
		lower := bytes.ToLower(p.Body)
		for _, m := range blockMarkers {
			if bytes.Contains(lower, m) {
				return true
			}
		}
	}
	return false
}

// errNoProfileData marks a page that carries none of the known data blobs.
var errNoProfileData = errors.New("no profile data in page")

// Profile is what the public profile page reveals.
type Profile struct {
	Live          bool
	RoomID        string
	Nickname      string
	AvatarURL     string
	FollowerCount int
	Title         string
	ViewerCount   int
	CoverURL      string
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) present() bool {
	s := string(f)
	return s != "" && s != "0"
}

type pageUser struct {
	UniqueID     string     `json:"uniqueId"`
	Nickname     string     `json:"nickname"`
	RoomID       flexString `json:"roomId"`
	LiveStatus   int        `json:"liveStatus"`
	AvatarLarger string     `json:"avatarLarger"`
	AvatarMedium string     `json:"avatarMedium"`
	AvatarThumb  string     `json:"avatarThumb"`
}

func (u pageUser) avatar() string {
	for _, a := range []string{u.AvatarLarger, u.AvatarMedium, u.AvatarThumb} {
		if a != "" {
			return a
		}
	}
	return ""
}

type pageStats struct {
	FollowerCount int `json:"followerCount"`
}

type liveRoomInfo struct {
	Status      int    `json:"status"`
	Title       string `json:"title"`
	UserCount   int    `json:"userCount"`
	TitleStruct struct {
		Default string `json:"default"`
	} `json:"titleStruct"`
	Cover struct {
		URLList []string `json:"url_list"`
	} `json:"cover"`
	LiveRoomStats struct {
		UserCount int `json:"userCount"`
	} `json:"liveRoomStats"`
}

type universalData struct {
	DefaultScope struct {
		UserDetail *struct {
			StatusCode int `json:"statusCode"`
			UserInfo   struct {
				User     pageUser  `json:"user"`
				Stats    pageStats `json:"stats"`
				LiveRoom *struct {
					Status int `json:"status"`
				} `json:"liveRoom"`
			} `json:"userInfo"`
		} `json:"webapp.user-detail"`
	} `json:"__DEFAULT_SCOPE__"`
}

type sigiState struct {
	Live *struct {
		LiveStatus int `json:"liveStatus"`
	} `json:"Live"`
	LiveModule *struct {
		Data struct {
			LiveStatus int `json:"liveStatus"`
		} `json:"data"`
	} `json:"LiveModule"`
	UserModule struct {
		Users map[string]pageUser  `json:"users"`
		Stats map[string]pageStats `json:"stats"`
	} `json:"UserModule"`
	LiveRoom *struct {
		LiveRoomInfo liveRoomInfo `json:"liveRoomInfo"`
	} `json:"LiveRoom"`
}

// ParseProfile extracts the live state of handle from a profile page.
func ParseProfile(body []byte, handle string) (Profile, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Profile{}, fmt.Errorf("parse profile page: %w", err)
	}
	if raw := strings.TrimSpace(doc.Find("script#__UNIVERSAL_DATA_FOR_REHYDRATION__").Text()); raw != "" {
		var ud universalData
		if err := json.Unmarshal([]byte(raw), &ud); err != nil {
			return Profile{}, fmt.Errorf("decode universal data: %w", err)
		}
		if d := ud.DefaultScope.UserDetail; d != nil {
			u := d.UserInfo.User
			p := Profile{
				RoomID:        string(u.RoomID),
				Nickname:      u.Nickname,
				AvatarURL:     u.avatar(),
				FollowerCount: d.UserInfo.Stats.FollowerCount,
			}
			p.Live = u.LiveStatus == 1 || u.RoomID.present()
			if lr := d.UserInfo.LiveRoom; lr != nil {
				p.Live = p.Live || lr.Status == roomStatusLive
			}
			return p, nil
		}
	}
	if raw := strings.TrimSpace(doc.Find("script#SIGI_STATE").Text()); raw != "" {
		var st sigiState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return Profile{}, fmt.Errorf("decode sigi state: %w", err)
		}
		return st.profile(handle), nil
	}
	return Profile{}, errNoProfileData
}

func (st sigiState) profile(handle string) Profile {
	var p Profile
	status := 0
	if st.Live != nil {
		status = st.Live.LiveStatus
	}
	if status == 0 && st.LiveModule != nil {
		status = st.LiveModule.Data.LiveStatus
	}
	for key, u := range st.UserModule.Users {
		if !strings.EqualFold(u.UniqueID, handle) && !strings.EqualFold(key, handle) {
			continue
		}
		if u.RoomID.present() {
			status = 1
		}
		if u.LiveStatus != 0 {
			status = u.LiveStatus
		}
		p.RoomID = string(u.RoomID)
		p.Nickname = u.Nickname
		p.AvatarURL = u.avatar()
		if s, ok := st.UserModule.Stats[key]; ok {
			p.FollowerCount = s.FollowerCount
		}
		break
	}
	if lr := st.LiveRoom; lr != nil {
		info := lr.LiveRoomInfo
		if info.Status == roomStatusLive {
			status = 1
		}
		p.Title = info.Title
		if info.TitleStruct.Default != "" {
			p.Title = info.TitleStruct.Default
		}
		p.ViewerCount = info.UserCount
		if p.ViewerCount == 0 {
			p.ViewerCount = info.LiveRoomStats.UserCount
		}
		if len(info.Cover.URLList) > 0 {
			p.CoverURL = info.Cover.URLList[0]
		}
	}
	p.Live = status == 1
	return p
}
