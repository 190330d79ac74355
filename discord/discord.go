// Package discord delivers notifications through the Discord REST API.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/live-herald/live"
	"github.com/onnwee/live-herald/notify"
)

// Embed colors per platform.
var platformColors = map[live.Platform]int{
	live.PlatformTwitch:  0x9146FF,
	live.PlatformYouTube: 0xFF0000,
	live.PlatformTikTok:  0x010101,
}

// privilegedColor marks notifications for privileged entities.
const privilegedColor = 0xF1C40F

// Messenger implements notify.Messenger on a bot session.
type Messenger struct {
	Session *discordgo.Session
	// GuildID and LiveRoleID enable the live role; either empty disables it.
	GuildID    string
	LiveRoleID string
	Logger     *slog.Logger
}

// New opens a REST-only bot session.
func New(token, guildID, liveRoleID string, logger *slog.Logger) (*Messenger, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Client = &http.Client{Timeout: 20 * time.Second}
	return &Messenger{Session: s, GuildID: guildID, LiveRoleID: liveRoleID, Logger: logger}, nil
}

func (m *Messenger) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// SendPublicNotification posts the live embed and returns the message id.
func (m *Messenger) SendPublicNotification(ctx context.Context, channelRef string, c notify.Content) (string, error) {
	msg, err := m.Session.ChannelMessageSendComplex(channelRef, &discordgo.MessageSend{
		Content: c.Headline(),
		Embeds:  []*discordgo.MessageEmbed{Embed(c)},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", translate(err, false)
	}
	return msg.ID, nil
}

// DeleteMessage removes a notification. Unknown messages yield
// notify.ErrMessageGone.
func (m *Messenger) DeleteMessage(ctx context.Context, channelRef, messageRef string) error {
	if err := m.Session.ChannelMessageDelete(channelRef, messageRef, discordgo.WithContext(ctx)); err != nil {
		return translate(err, true)
	}
	return nil
}

// SendPrivateNotification sends the embed as a direct message.
func (m *Messenger) SendPrivateNotification(ctx context.Context, subscriberID string, c notify.Content) error {
	ch, err := m.Session.UserChannelCreate(subscriberID, discordgo.WithContext(ctx))
	if err != nil {
		return translate(err, false)
	}
	if _, err := m.Session.ChannelMessageSendEmbed(ch.ID, Embed(c), discordgo.WithContext(ctx)); err != nil {
		return translate(err, false)
	}
	return nil
}

// SetLiveTag adds or removes the live role on the entity's member.
func (m *Messenger) SetLiveTag(ctx context.Context, entity live.Entity, on bool) error {
	if m.GuildID == "" || m.LiveRoleID == "" || entity.MemberRef == "" {
		return nil
	}
	var err error
	if on {
		err = m.Session.GuildMemberRoleAdd(m.GuildID, entity.MemberRef, m.LiveRoleID, discordgo.WithContext(ctx))
	} else {
		err = m.Session.GuildMemberRoleRemove(m.GuildID, entity.MemberRef, m.LiveRoleID, discordgo.WithContext(ctx))
	}
	if err != nil {
		return translate(err, false)
	}
	m.logger().Debug("live role updated", slog.String("entity", entity.ID), slog.Bool("on", on))
	return nil
}

// Embed renders c.
func Embed(c notify.Content) *discordgo.MessageEmbed {
	obs := c.Observation
	e := &discordgo.MessageEmbed{
		Title:       c.Headline(),
		URL:         obs.URL,
		Description: obs.Title,
		Color:       platformColors[c.Platform],
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: notify.PlatformLabel(c.Platform)},
	}
	if c.Entity.Privileged() {
		e.Color = privilegedColor
	}
	if obs.Category != "" {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Category", Value: obs.Category, Inline: true})
	}
	if obs.ViewerCount > 0 {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Viewers", Value: strconv.Itoa(obs.ViewerCount), Inline: true})
	}
	if obs.FollowerCount > 0 {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Followers", Value: strconv.Itoa(obs.FollowerCount), Inline: true})
	}
	if c.Streak > 0 {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Daily streak", Value: fmt.Sprintf("%d days", c.Streak), Inline: true})
	}
	if c.GameLink != "" {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Get the game", Value: c.GameLink})
	}
	if obs.ThumbnailURL != "" {
		e.Image = &discordgo.MessageEmbedImage{URL: obs.ThumbnailURL}
	}
	if obs.AvatarURL != "" {
		e.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: obs.AvatarURL}
	}
	if obs.Confidence == live.ConfidenceLow {
		e.Footer.Text += " · unconfirmed"
	}
	return e
}

// translate maps REST failures onto the live taxonomy. A 404 on delete, or
// Discord's unknown-message code anywhere, means the message is gone.
func translate(err error, deleting bool) error {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return fmt.Errorf("discord: %w", err)
	}
	if rest.Message != nil && rest.Message.Code == discordgo.ErrCodeUnknownMessage {
		return notify.ErrMessageGone
	}
	if rest.Response == nil {
		return fmt.Errorf("discord: %w", err)
	}
	code := rest.Response.StatusCode
	if deleting && code == http.StatusNotFound {
		return notify.ErrMessageGone
	}
	se := &live.StatusError{URL: "discord", Code: code}
	if rest.Message != nil {
		se.Body = rest.Message.Message
	}
	if rest.Request != nil && rest.Request.URL != nil {
		se.URL = rest.Request.URL.Path
	}
	return fmt.Errorf("discord: %w", se)
}
