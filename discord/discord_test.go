package discord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/onnwee/live-herald/live"
	"github.com/onnwee/live-herald/notify"
	"github.com/onnwee/live-herald/testutil"
)

// rewriteTransport sends every request to the test server.
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = strings.TrimPrefix(t.host, "http://")
	return t.Transport.RoundTrip(req)
}

func newMessenger(t *testing.T) (*Messenger, *testutil.MockServer) {
	t.Helper()
	m := testutil.NewMockServer(t)
	msgr, err := New("token", "g1", "r1", nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	msgr.Session.Client = &http.Client{Transport: &rewriteTransport{Transport: http.DefaultTransport, host: m.URL}}
	msgr.Session.MaxRestRetries = 0
	return msgr, m
}

var content = notify.Content{
	Entity:   live.Entity{ID: "e1", DisplayName: "Karma", Tier: live.TierPrivileged, MemberRef: "u1"},
	Platform: live.PlatformTwitch,
	Observation: live.Observation{
		Status: live.StatusLive, Title: "building", Category: "Minecraft",
		ViewerCount: 12, URL: "https://www.twitch.tv/karma", ThumbnailURL: "https://img.test/t.jpg",
	},
	Streak: 3,
}

func TestSendPublicNotification(t *testing.T) {
	msgr, m := newMessenger(t)
	m.Handle("/api/v9/channels/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bot token" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		var body struct {
			Content string `json:"content"`
			Embeds  []struct {
				Title  string `json:"title"`
				Fields []struct {
					Name string `json:"name"`
				} `json:"fields"`
			} `json:"embeds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Content != "Karma is live on Twitch!" || len(body.Embeds) != 1 || len(body.Embeds[0].Fields) != 3 {
			t.Errorf("body = %+v", body)
		}
		_, _ = w.Write([]byte(`{"id":"m42","channel_id":"c1"}`))
	})

	ref, err := msgr.SendPublicNotification(context.Background(), "c1", content)
	if err != nil {
		t.Fatalf("SendPublicNotification() error = %v", err)
	}
	if ref != "m42" {
		t.Errorf("ref = %q, want m42", ref)
	}
}

func TestDeleteMessage(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"deleted", http.StatusNoContent, "", func(err error) bool { return err == nil }},
		{"unknown message", http.StatusNotFound, `{"message":"Unknown Message","code":10008}`, func(err error) bool { return errors.Is(err, notify.ErrMessageGone) }},
		{"plain 404", http.StatusNotFound, `{}`, func(err error) bool { return errors.Is(err, notify.ErrMessageGone) }},
		{"server error is transient", http.StatusServiceUnavailable, `{}`, live.IsTransient},
		{"forbidden is not transient", http.StatusForbidden, `{"message":"Missing Permissions","code":50013}`, func(err error) bool { return err != nil && !live.IsTransient(err) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgr, m := newMessenger(t)
			m.Handle("/api/v9/channels/c1/messages/m1", func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodDelete {
					t.Errorf("method = %s", r.Method)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			if err := msgr.DeleteMessage(context.Background(), "c1", "m1"); !tt.check(err) {
				t.Errorf("DeleteMessage() error = %v", err)
			}
		})
	}
}

func TestSendPrivateNotification(t *testing.T) {
	msgr, m := newMessenger(t)
	m.JSON("/api/v9/users/@me/channels", map[string]interface{}{"id": "dm1", "type": 1})
	m.JSON("/api/v9/channels/dm1/messages", map[string]interface{}{"id": "m1", "channel_id": "dm1"})

	if err := msgr.SendPrivateNotification(context.Background(), "u9", content); err != nil {
		t.Fatalf("SendPrivateNotification() error = %v", err)
	}
	if m.Hits("/api/v9/channels/dm1/messages") != 1 {
		t.Error("direct message not sent")
	}
}

func TestSetLiveTag(t *testing.T) {
	msgr, m := newMessenger(t)
	var methods []string
	m.Handle("/api/v9/guilds/g1/members/u1/roles/r1", func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})

	if err := msgr.SetLiveTag(context.Background(), content.Entity, true); err != nil {
		t.Fatal(err)
	}
	if err := msgr.SetLiveTag(context.Background(), content.Entity, false); err != nil {
		t.Fatal(err)
	}
	if len(methods) != 2 || methods[0] != http.MethodPut || methods[1] != http.MethodDelete {
		t.Errorf("methods = %v, want PUT then DELETE", methods)
	}

	msgr.LiveRoleID = ""
	if err := msgr.SetLiveTag(context.Background(), content.Entity, true); err != nil {
		t.Fatal(err)
	}
	if len(methods) != 2 {
		t.Error("role call made without a configured role")
	}
}

func TestEmbed(t *testing.T) {
	e := Embed(content)
	if e.Color != privilegedColor {
		t.Errorf("Color = %#x, want privileged", e.Color)
	}
	if e.Image == nil || e.Image.URL != "https://img.test/t.jpg" {
		t.Errorf("Image = %+v", e.Image)
	}

	c := content
	c.Entity.Tier = live.TierStandard
	c.Observation.Confidence = live.ConfidenceLow
	c.Streak = 0
	e = Embed(c)
	if e.Color != platformColors[live.PlatformTwitch] {
		t.Errorf("Color = %#x", e.Color)
	}
	if !strings.Contains(e.Footer.Text, "unconfirmed") {
		t.Errorf("Footer = %q", e.Footer.Text)
	}
}
