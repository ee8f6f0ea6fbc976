package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/coopco/pushmon/internal/bus"
	"github.com/coopco/pushmon/internal/filter"
	"github.com/coopco/pushmon/internal/pushover"
)

// HistoryRecord is the normalized form of an accepted message kept for the
// dashboard. Content mirrors the raw message text; attachment and embed
// details are stored structurally rather than folded into the text.
type HistoryRecord struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Channel     string         `json:"channel"`
	Author      string         `json:"author"`
	Content     string         `json:"content"`
	Attachments []string       `json:"attachments"`
	Embeds      []EmbedSummary `json:"embeds"`
}

// EmbedSummary is the title/description pair shown in history.
type EmbedSummary struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ChannelLabel formats a channel for display, "{guild} - #{channel}".
func ChannelLabel(guildName, channelName string) string {
	return fmt.Sprintf("%s - #%s", guildName, channelName)
}

// AuthorLabel formats an author for display, "{display} (@{handle})".
func AuthorLabel(displayName, handle string) string {
	return fmt.Sprintf("%s (@%s)", displayName, handle)
}

// Transform converts an accepted message into its history record and
// notification payload. It does not mutate msg and is deterministic: the
// record id is assigned later, when the history buffer takes ownership.
//
// The notification body starts as "{author}: {text}". Image attachments (by
// extension) and embed images become payload image URLs, in attachment order
// then embed order; everything else is appended to the body as link or embed
// lines.
func Transform(msg *bus.InboundMessage, filters filter.Config, notif pushover.NotificationConfig) (HistoryRecord, pushover.Payload) {
	channel := ChannelLabel(msg.GuildName, msg.ChannelName)
	author := AuthorLabel(msg.AuthorDisplayName, msg.AuthorHandle)

	record := HistoryRecord{
		Timestamp: msg.ReceivedAt,
		Channel:   channel,
		Author:    author,
		Content:   msg.Content,
	}

	var body strings.Builder
	body.WriteString(author)
	body.WriteString(": ")
	body.WriteString(msg.Content)

	var imageURLs []string
	for _, att := range msg.Attachments {
		record.Attachments = append(record.Attachments, att.URL)
		if filter.IsImageFilename(att.Filename, filters.ImageExtensions) {
			imageURLs = append(imageURLs, att.URL)
		} else {
			body.WriteString("\n📎 ")
			body.WriteString(att.URL)
		}
	}

	for _, embed := range msg.Embeds {
		record.Embeds = append(record.Embeds, EmbedSummary{
			Title:       embed.Title,
			Description: embed.Description,
		})
		if embed.Title != "" {
			body.WriteString("\n📌 ")
			body.WriteString(embed.Title)
			if embed.Description != "" {
				body.WriteString(": ")
				body.WriteString(embed.Description)
			}
		}
		if embed.ImageURL != "" {
			imageURLs = append(imageURLs, embed.ImageURL)
		}
	}

	payload := pushover.Payload{
		Title:     Title(channel, notif),
		Body:      body.String(),
		ImageURLs: imageURLs,
		Priority:  notif.Priority,
		Sound:     notif.Sound,
	}
	return record, payload
}

// Title renders the notification title for a channel. A configured template
// has its "{channel}" placeholder substituted; otherwise the default
// "Discord: {channel}" form is used.
func Title(channelLabel string, notif pushover.NotificationConfig) string {
	if notif.TitleTemplate != "" {
		return strings.ReplaceAll(notif.TitleTemplate, "{channel}", channelLabel)
	}
	return "Discord: " + channelLabel
}
