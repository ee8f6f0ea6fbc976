package gateway

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/coopco/pushmon/internal/bus"
)

// Discord adapts a discordgo session to the gateway event stream. Connection
// management (heartbeats, resumes, reconnection) stays inside discordgo; this
// adapter only translates lifecycle callbacks into bus events and resolves
// channel ids to live handles.
type Discord struct {
	session *discordgo.Session
	bus     *bus.EventBus

	mu    sync.RWMutex
	cache map[string]bus.ChannelInfo
}

// NewDiscord creates the adapter. The session is not opened yet.
func NewDiscord(token string, eventBus *bus.EventBus) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: failed to create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuilds | discordgo.IntentGuildMessages | discordgo.IntentMessageContent

	return &Discord{
		session: session,
		bus:     eventBus,
		cache:   make(map[string]bus.ChannelInfo),
	}, nil
}

// Open registers the event handlers and opens the websocket. discordgo
// re-delivers Ready after every successful reconnect, so the session sees a
// fresh ready event each time the connection comes back.
func (g *Discord) Open() error {
	g.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		slog.Info("discord: connected", "user", r.User.Username, "userID", r.User.ID)
		g.bus.PublishReady()
	})

	g.session.AddHandler(func(s *discordgo.Session, d *discordgo.Disconnect) {
		slog.Warn("discord: disconnected")
		g.bus.PublishDisconnect()
	})

	g.session.AddHandler(func(s *discordgo.Session, rl *discordgo.RateLimit) {
		g.bus.PublishError("rate_limit", fmt.Errorf("rate limited on %s for %s", rl.URL, rl.RetryAfter))
	})

	g.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil {
			return
		}
		if s.State.User != nil && m.Author.ID == s.State.User.ID {
			return
		}
		g.bus.PublishMessage(g.toInbound(m))
	})

	if err := g.session.Open(); err != nil {
		return fmt.Errorf("discord: failed to open websocket: %w", err)
	}
	return nil
}

// Close shuts the websocket down.
func (g *Discord) Close() error {
	return g.session.Close()
}

// ResolveChannel looks a channel id up via the REST API (cached) and returns
// its live handle.
func (g *Discord) ResolveChannel(id string) (bus.ChannelInfo, error) {
	g.mu.RLock()
	info, ok := g.cache[id]
	g.mu.RUnlock()
	if ok {
		return info, nil
	}

	channel, err := g.session.Channel(id)
	if err != nil {
		return bus.ChannelInfo{}, fmt.Errorf("discord: failed to resolve channel %s: %w", id, err)
	}

	guildName := ""
	if channel.GuildID != "" {
		if guild, err := g.session.State.Guild(channel.GuildID); err == nil {
			guildName = guild.Name
		} else if guild, err := g.session.Guild(channel.GuildID); err == nil {
			guildName = guild.Name
		}
	}

	info = bus.ChannelInfo{ID: id, GuildName: guildName, Name: channel.Name}
	g.mu.Lock()
	g.cache[id] = info
	g.mu.Unlock()
	return info, nil
}

// toInbound converts a discordgo message into the gateway-neutral form.
// Guild and channel names come from the resolve cache when the channel is
// known; unmonitored channels are dropped later anyway.
func (g *Discord) toInbound(m *discordgo.MessageCreate) bus.InboundMessage {
	msg := bus.InboundMessage{
		ChannelID:         m.ChannelID,
		AuthorID:          m.Author.ID,
		AuthorDisplayName: displayName(m),
		AuthorHandle:      m.Author.Username,
		Content:           m.Content,
		ReceivedAt:        time.Now(),
	}
	if !m.Timestamp.IsZero() {
		msg.ReceivedAt = m.Timestamp
	}

	g.mu.RLock()
	if info, ok := g.cache[m.ChannelID]; ok {
		msg.GuildName = info.GuildName
		msg.ChannelName = info.Name
	}
	g.mu.RUnlock()

	for _, att := range m.Attachments {
		msg.Attachments = append(msg.Attachments, bus.Attachment{
			URL:      att.URL,
			Filename: att.Filename,
		})
	}
	for _, embed := range m.Embeds {
		e := bus.Embed{Title: embed.Title, Description: embed.Description}
		if embed.Image != nil {
			e.ImageURL = embed.Image.URL
		}
		msg.Embeds = append(msg.Embeds, e)
	}
	return msg
}

func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
