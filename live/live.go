// Package live holds the domain types shared by the probe, reconcile and
// notify stages: tracked entities, per-platform identities, observations,
// persisted live-status records and the actions derived from them.
package live

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// Platform names an external broadcasting service.
type Platform string

const (
	PlatformTwitch  Platform = "twitch"
	PlatformYouTube Platform = "youtube"
	PlatformTikTok  Platform = "tiktok"

	// PlatformAll is only valid on a Subscription and matches every platform.
	PlatformAll Platform = "all"
)

// Platforms lists the platforms that have a verification adapter.
var Platforms = []Platform{PlatformTwitch, PlatformYouTube, PlatformTikTok}

// ParsePlatform normalizes s and rejects unknown platform names.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PlatformTwitch, PlatformYouTube, PlatformTikTok, PlatformAll:
		return p, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Tier controls poll frequency and notification styling.
type Tier string

const (
	TierPrivileged Tier = "privileged"
	TierStandard   Tier = "standard"
)

// Identity is an entity's account on one platform.
type Identity struct {
	EntityID   string
	Platform   Platform
	Handle     string
	ChannelRef string // community channel that receives the public notification
}

// Key returns the (entity, platform) pair the identity belongs to.
func (i Identity) Key() Key { return Key{EntityID: i.EntityID, Platform: i.Platform} }

// Entity is a tracked creator.
type Entity struct {
	ID          string
	DisplayName string
	Tier        Tier
	// MemberRef is the community member the live tag is applied to. Empty
	// disables tagging for the entity.
	MemberRef  string
	Identities []Identity
}

// Privileged reports whether the entity is polled every tick.
func (e Entity) Privileged() bool { return e.Tier == TierPrivileged }

// Key identifies one LiveStatus record.
type Key struct {
	EntityID string
	Platform Platform
}

func (k Key) String() string { return k.EntityID + "/" + string(k.Platform) }

// Status is the tri-state outcome of a probe.
type Status int

const (
	StatusOffline Status = iota
	StatusLive
	// StatusUnknown means the adapter could not decide (blocked or backing off).
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusLive:
		return "live"
	case StatusUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Confidence tags how much an observation can be trusted.
type Confidence int

const (
	ConfidenceHigh Confidence = iota
	ConfidenceLow
)

func (c Confidence) String() string {
	if c == ConfidenceLow {
		return "low"
	}
	return "high"
}

// Observation is the ephemeral result of one probe.
type Observation struct {
	Status        Status
	ViewerCount   int
	Category      string // game or activity label
	Title         string
	ThumbnailURL  string
	AvatarURL     string
	FollowerCount int
	URL           string
	Method        string
	Confidence    Confidence
}

// IsLive reports whether the observation asserts a live broadcast.
func (o Observation) IsLive() bool { return o.Status == StatusLive }

// Offline returns a negative observation for method.
func Offline(method string) Observation {
	return Observation{Status: StatusOffline, Method: method}
}

// Unknown returns an undecided observation for method.
func Unknown(method string) Observation {
	return Observation{Status: StatusUnknown, Method: method, Confidence: ConfidenceLow}
}

// MessageHandle locates a delivered public notification.
type MessageHandle struct {
	ChannelRef string
	MessageRef string
}

// Record is the persisted live status of an (entity, platform) pair.
type Record struct {
	EntityID string
	Platform Platform
	IsLive   bool
	// LastNotified is the zero Date when the pair was never notified.
	LastNotified civil.Date
	SessionStart *time.Time
	Message      *MessageHandle
	UpdatedAt    time.Time
}

// Key returns the record's (entity, platform) pair.
func (r Record) Key() Key { return Key{EntityID: r.EntityID, Platform: r.Platform} }

// Subscription asks for private notifications about an entity.
type Subscription struct {
	SubscriberID string
	EntityID     string
	Platform     Platform
}

// Matches reports whether the subscription covers p.
func (s Subscription) Matches(p Platform) bool {
	return s.Platform == PlatformAll || s.Platform == p
}

// Action is the reconciler's verdict for one observation.
type Action int

const (
	ActionNoOp Action = iota
	ActionNotify
	ActionGoOffline
)

func (a Action) String() string {
	switch a {
	case ActionNotify:
		return "notify"
	case ActionGoOffline:
		return "go_offline"
	default:
		return "noop"
	}
}

// Prober verifies the live status of one platform identity. Offline and
// not-found are normal observations; errors are infrastructure failures.
type Prober interface {
	Probe(ctx context.Context, id Identity) (Observation, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, id Identity) (Observation, error)

func (f ProberFunc) Probe(ctx context.Context, id Identity) (Observation, error) { return f(ctx, id) }

// Today returns the calendar day of now in loc. A nil loc means UTC.
func Today(now time.Time, loc *time.Location) civil.Date {
	if loc == nil {
		loc = time.UTC
	}
	return civil.DateOf(now.In(loc))
}
