// Package notify executes reconciler actions: it records state transitions in
// the status store and drives the messaging collaborator that delivers,
// retracts and tags.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/civil"
	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/live-herald/live"
	"github.com/onnwee/live-herald/telemetry"
)

// ErrMessageGone is returned by DeleteMessage when the message no longer exists.
var ErrMessageGone = errors.New("message already gone")

// Content is everything a messenger needs to render a notification.
type Content struct {
	Entity      live.Entity
	Platform    live.Platform
	Observation live.Observation
	// Streak is the consecutive live-day count; zero for standard entities.
	Streak int
	// GameLink is an affiliate link for the category, if one was found.
	GameLink string
}

// Headline is a one-line plain-text summary.
func (c Content) Headline() string {
	name := c.Entity.DisplayName
	if name == "" {
		name = c.Entity.ID
	}
	return fmt.Sprintf("%s is live on %s!", name, PlatformLabel(c.Platform))
}

// PlatformLabel is the display name of p.
func PlatformLabel(p live.Platform) string {
	switch p {
	case live.PlatformTwitch:
		return "Twitch"
	case live.PlatformYouTube:
		return "YouTube"
	case live.PlatformTikTok:
		return "TikTok"
	}
	return string(p)
}

// Messenger is the delivery collaborator.
type Messenger interface {
	SendPublicNotification(ctx context.Context, channelRef string, c Content) (messageRef string, err error)
	// DeleteMessage returns ErrMessageGone when the message is already gone.
	DeleteMessage(ctx context.Context, channelRef, messageRef string) error
	SendPrivateNotification(ctx context.Context, subscriberID string, c Content) error
	SetLiveTag(ctx context.Context, entity live.Entity, on bool) error
}

// StatusStore persists live status records.
type StatusStore interface {
	Get(ctx context.Context, key live.Key) (live.Record, error)
	MarkNotified(ctx context.Context, key live.Key, today civil.Date, at time.Time) error
	SetMessage(ctx context.Context, key live.Key, h *live.MessageHandle) error
	MarkOffline(ctx context.Context, key live.Key, clearMessage bool) error
	// ClearMessage drops h from an offline record, if it is still the stored one.
	ClearMessage(ctx context.Context, key live.Key, h live.MessageHandle) error
	AnyLive(ctx context.Context, entityID string) (bool, error)
	ListOrphanedMessages(ctx context.Context) ([]live.Record, error)
	BumpStreak(ctx context.Context, entityID string, today civil.Date) (int, error)
}

// SubscriptionLister returns the private subscriptions of an entity.
type SubscriptionLister interface {
	ListSubscriptions(ctx context.Context, entityID string) ([]live.Subscription, error)
}

// GameLinker finds an affiliate link for a category.
type GameLinker interface {
	Link(ctx context.Context, category string) (string, error)
}

// Event is one reconciled observation.
type Event struct {
	Entity      live.Entity
	Identity    live.Identity
	Stored      live.Record
	Observation live.Observation
	Today       civil.Date
	At          time.Time
}

// Dispatcher turns actions into store writes and messenger calls.
type Dispatcher struct {
	Store     StatusStore
	Subs      SubscriptionLister
	Messenger Messenger
	// Links is optional.
	Links GameLinker
	// SendTimeout bounds each messenger call; zero means 10s.
	SendTimeout time.Duration
	// DMConcurrency bounds private sends in flight; zero means 5.
	DMConcurrency int
	// RetryDelay is the pause before the single delete retry.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Dispatcher) sendTimeout() time.Duration {
	if d.SendTimeout > 0 {
		return d.SendTimeout
	}
	return 10 * time.Second
}

// Execute applies action for ev. NoOp does nothing.
func (d *Dispatcher) Execute(ctx context.Context, action live.Action, ev Event) error {
	switch action {
	case live.ActionNotify:
		return d.Notify(ctx, ev)
	case live.ActionGoOffline:
		return d.GoOffline(ctx, ev)
	}
	return nil
}

// Notify marks the pair notified before delivering anything, so a crash
// mid-send can only lose a notification, never duplicate it.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) error {
	key := ev.Identity.Key()
	log := telemetry.LoggerWithCorr(ctx, d.logger()).With(
		slog.String("entity", ev.Entity.ID),
		slog.String("platform", string(key.Platform)),
		slog.String("method", ev.Observation.Method))

	if err := d.Store.MarkNotified(ctx, key, ev.Today, ev.At); err != nil {
		telemetry.CountNotification("store_error")
		return fmt.Errorf("mark notified %s: %w", key, err)
	}

	// A message left over from an earlier day of a multi-day stream.
	if old := ev.Stored.Message; old != nil {
		// The new send overwrites the stored handle, so a failure here
		// leaves the old message untracked.
		if err := d.deleteOnce(ctx, *old); err != nil && !errors.Is(err, ErrMessageGone) {
			telemetry.CountOffline("orphaned")
			log.Error("previous notification could not be deleted and is no longer tracked",
				slog.String("channel", old.ChannelRef),
				slog.String("message", old.MessageRef),
				slog.String("class", live.Classify(err).String()),
				slog.Any("err", err))
		}
	}

	content := Content{Entity: ev.Entity, Platform: key.Platform, Observation: ev.Observation}
	if ev.Entity.Privileged() {
		n, err := d.Store.BumpStreak(ctx, ev.Entity.ID, ev.Today)
		if err != nil {
			log.Warn("streak update failed", slog.Any("err", err))
		}
		content.Streak = n
	}
	if d.Links != nil && ev.Observation.Category != "" {
		link, err := d.Links.Link(ctx, ev.Observation.Category)
		if err != nil {
			log.Debug("game link lookup failed", slog.String("category", ev.Observation.Category), slog.Any("err", err))
		}
		content.GameLink = link
	}

	if ch := ev.Identity.ChannelRef; ch != "" {
		d.sendPublic(ctx, log, key, ch, content)
	}
	d.fanOut(ctx, log, key, content)

	if ev.Entity.MemberRef != "" {
		if err := d.withTimeout(ctx, func(ctx context.Context) error {
			return d.Messenger.SetLiveTag(ctx, ev.Entity, true)
		}); err != nil {
			log.Warn("failed to set live tag", slog.Any("err", err))
		}
	}
	return nil
}

func (d *Dispatcher) sendPublic(ctx context.Context, log *slog.Logger, key live.Key, channelRef string, content Content) {
	var ref string
	err := d.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		ref, err = d.Messenger.SendPublicNotification(ctx, channelRef, content)
		return err
	})
	if err != nil {
		telemetry.CountNotification("failed")
		log.Error("public notification failed", slog.String("channel", channelRef), slog.Any("err", err))
		return
	}
	telemetry.CountNotification("sent")
	if err := d.Store.SetMessage(ctx, key, &live.MessageHandle{ChannelRef: channelRef, MessageRef: ref}); err != nil {
		log.Error("failed to store message handle", slog.String("message", ref), slog.Any("err", err))
		return
	}
	log.Info("live notification sent", slog.String("channel", channelRef), slog.String("message", ref))
}

func (d *Dispatcher) fanOut(ctx context.Context, log *slog.Logger, key live.Key, content Content) {
	if d.Subs == nil {
		return
	}
	subs, err := d.Subs.ListSubscriptions(ctx, key.EntityID)
	if err != nil {
		log.Warn("failed to list subscriptions", slog.Any("err", err))
		return
	}
	limit := d.DMConcurrency
	if limit <= 0 {
		limit = 5
	}
	var g errgroup.Group
	g.SetLimit(limit)
	seen := make(map[string]bool, len(subs))
	for _, s := range subs {
		if !s.Matches(key.Platform) || seen[s.SubscriberID] {
			continue
		}
		seen[s.SubscriberID] = true
		subscriber := s.SubscriberID
		g.Go(func() error {
			err := d.withTimeout(ctx, func(ctx context.Context) error {
				return d.Messenger.SendPrivateNotification(ctx, subscriber, content)
			})
			if err != nil {
				telemetry.CountPrivateNotification("failed")
				log.Debug("private notification failed", slog.String("subscriber", subscriber), slog.Any("err", err))
				return nil
			}
			telemetry.CountPrivateNotification("sent")
			return nil
		})
	}
	_ = g.Wait()
}

// GoOffline retracts the outstanding message. The handle is dropped only when
// the delete succeeded or can never succeed; otherwise Cleanup retries it.
func (d *Dispatcher) GoOffline(ctx context.Context, ev Event) error {
	key := ev.Identity.Key()
	log := telemetry.LoggerWithCorr(ctx, d.logger()).With(
		slog.String("entity", ev.Entity.ID),
		slog.String("platform", string(key.Platform)))

	clearHandle := true
	if h := ev.Stored.Message; h != nil {
		err := d.deleteWithRetry(ctx, *h)
		switch {
		case err == nil:
			telemetry.CountOffline("deleted")
		case errors.Is(err, ErrMessageGone):
			telemetry.CountOffline("gone")
		case permanentDeleteFailure(err):
			telemetry.CountOffline("failed")
			log.Error("notification delete failed", slog.String("message", h.MessageRef), slog.Any("err", err))
		default:
			clearHandle = false
			telemetry.CountOffline("retained")
			log.Warn("notification delete failed, keeping handle for cleanup", slog.String("message", h.MessageRef), slog.Any("err", err))
		}
	} else {
		telemetry.CountOffline("no_message")
	}

	if err := d.Store.MarkOffline(ctx, key, clearHandle); err != nil {
		return fmt.Errorf("mark offline %s: %w", key, err)
	}
	log.Info("stream ended", slog.Bool("message_cleared", clearHandle))

	if ev.Entity.MemberRef == "" {
		return nil
	}
	anyLive, err := d.Store.AnyLive(ctx, ev.Entity.ID)
	if err != nil {
		return fmt.Errorf("check remaining live platforms: %w", err)
	}
	if !anyLive {
		if err := d.withTimeout(ctx, func(ctx context.Context) error {
			return d.Messenger.SetLiveTag(ctx, ev.Entity, false)
		}); err != nil {
			log.Warn("failed to revoke live tag", slog.Any("err", err))
		}
	}
	return nil
}

// Cleanup retries deletion of handles retained on offline records and
// returns how many were resolved.
func (d *Dispatcher) Cleanup(ctx context.Context) (int, error) {
	recs, err := d.Store.ListOrphanedMessages(ctx)
	if err != nil {
		return 0, fmt.Errorf("list orphaned messages: %w", err)
	}
	resolved := 0
	for _, r := range recs {
		if r.Message == nil {
			continue
		}
		h := *r.Message
		err := d.deleteOnce(ctx, h)
		if err != nil && !errors.Is(err, ErrMessageGone) && !permanentDeleteFailure(err) {
			d.logger().Debug("orphaned message still undeletable", slog.String("key", r.Key().String()), slog.Any("err", err))
			continue
		}
		if err := d.Store.ClearMessage(ctx, r.Key(), h); err != nil {
			return resolved, fmt.Errorf("clear message %s: %w", r.Key(), err)
		}
		resolved++
	}
	return resolved, nil
}

// permanentDeleteFailure reports whether a failed delete can never succeed,
// so the handle may be dropped. Everything else is kept for Cleanup.
func permanentDeleteFailure(err error) bool {
	switch live.Classify(err) {
	case live.ClassFatal, live.ClassBlocked:
		return true
	}
	return false
}

func (d *Dispatcher) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout())
	defer cancel()
	return fn(ctx)
}

func (d *Dispatcher) deleteOnce(ctx context.Context, h live.MessageHandle) error {
	return d.withTimeout(ctx, func(ctx context.Context) error {
		return d.Messenger.DeleteMessage(ctx, h.ChannelRef, h.MessageRef)
	})
}

func (d *Dispatcher) deleteWithRetry(ctx context.Context, h live.MessageHandle) error {
	delay := d.RetryDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	return retry.Do(
		func() error {
			err := d.deleteOnce(ctx, h)
			if err != nil && !live.IsTransient(err) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(2),
		retry.Delay(delay),
		retry.MaxDelay(delay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}
