package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/onnwee/live-herald/live"
)

// LogMessenger logs every delivery instead of sending it. It backs dry runs
// when no chat credentials are configured.
type LogMessenger struct {
	Logger *slog.Logger
}

func (m *LogMessenger) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *LogMessenger) SendPublicNotification(ctx context.Context, channelRef string, c Content) (string, error) {
	ref := uuid.NewString()
	m.logger().Info("notification (dry run)",
		slog.String("channel", channelRef),
		slog.String("message", ref),
		slog.String("headline", c.Headline()),
		slog.String("title", c.Observation.Title),
		slog.String("url", c.Observation.URL),
		slog.Int("viewers", c.Observation.ViewerCount),
		slog.Int("streak", c.Streak),
		slog.String("game_link", c.GameLink))
	return ref, nil
}

func (m *LogMessenger) DeleteMessage(ctx context.Context, channelRef, messageRef string) error {
	m.logger().Info("delete notification (dry run)", slog.String("channel", channelRef), slog.String("message", messageRef))
	return nil
}

func (m *LogMessenger) SendPrivateNotification(ctx context.Context, subscriberID string, c Content) error {
	m.logger().Info("private notification (dry run)", slog.String("subscriber", subscriberID), slog.String("headline", c.Headline()))
	return nil
}

func (m *LogMessenger) SetLiveTag(ctx context.Context, entity live.Entity, on bool) error {
	m.logger().Info("live tag (dry run)", slog.String("entity", entity.ID), slog.String("member", entity.MemberRef), slog.Bool("on", on))
	return nil
}
