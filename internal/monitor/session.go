package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"

	"github.com/coopco/pushmon/internal/bus"
	"github.com/coopco/pushmon/internal/filter"
	"github.com/coopco/pushmon/internal/history"
	"github.com/coopco/pushmon/internal/pushover"
	"github.com/coopco/pushmon/internal/relay"
)

// ErrNoChannels is returned when none of the configured channel ids resolve
// at ready time. It is the only terminal session error besides context
// cancellation.
var ErrNoChannels = errors.New("monitor: no configured channel could be resolved")

// ErrInvalidPriority rejects notification config updates outside the
// Pushover priority range.
var ErrInvalidPriority = errors.New("monitor: notification priority out of range (-2..2)")

// ChannelResolver resolves a channel id to a live handle. Implemented by the
// Discord gateway adapter.
type ChannelResolver interface {
	ResolveChannel(id string) (bus.ChannelInfo, error)
}

// Notifier delivers a notification payload. Implemented by pushover.Client.
type Notifier interface {
	Send(ctx context.Context, p pushover.Payload) *pushover.Report
}

// Snapshot is an immutable view of the mutable configuration. Message
// handlers read one snapshot for their whole run; the control API swaps in a
// fresh snapshot under the writer lock.
type Snapshot struct {
	ChannelIDs    []string
	UserIDs       []string
	Filters       filter.Config
	Notifications pushover.NotificationConfig

	channelSet map[string]struct{}
	userSet    map[string]struct{}
}

func newSnapshot(channelIDs, userIDs []string, filters filter.Config, notif pushover.NotificationConfig) *Snapshot {
	snap := &Snapshot{
		ChannelIDs:    append([]string(nil), channelIDs...),
		UserIDs:       append([]string(nil), userIDs...),
		Filters:       filters,
		Notifications: notif,
		channelSet:    make(map[string]struct{}, len(channelIDs)),
		userSet:       make(map[string]struct{}, len(userIDs)),
	}
	for _, id := range channelIDs {
		snap.channelSet[id] = struct{}{}
	}
	for _, id := range userIDs {
		snap.userSet[id] = struct{}{}
	}
	return snap
}

// MonitoredChannel reports whether id is in the routing channel set.
func (s *Snapshot) MonitoredChannel(id string) bool {
	_, ok := s.channelSet[id]
	return ok
}

// MonitoredAuthor reports whether id is in the routing author set.
func (s *Snapshot) MonitoredAuthor(id string) bool {
	_, ok := s.userSet[id]
	return ok
}

// ChannelStatus is one live channel as reported by GET /status.
type ChannelStatus struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Session orchestrates the pipeline: it consumes gateway events, decides
// which messages are in scope, transforms them, records history and kicks
// off notification dispatch. Config mutations apply to messages processed
// after the mutation only.
type Session struct {
	resolver   ChannelResolver
	dispatcher Notifier
	events     *bus.EventBus
	history    *history.Buffer

	cfg   atomic.Pointer[Snapshot]
	cfgMu sync.Mutex // serializes config writers

	chanMu   sync.RWMutex
	resolved map[string]bus.ChannelInfo

	connected atomic.Bool
	ready     atomic.Bool // latches true at first successful handshake

	wg conc.WaitGroup
}

// New creates a session with the given initial routing and filter state.
func New(resolver ChannelResolver, dispatcher Notifier, events *bus.EventBus,
	channelIDs, userIDs []string, filters filter.Config, notif pushover.NotificationConfig) *Session {

	s := &Session{
		resolver:   resolver,
		dispatcher: dispatcher,
		events:     events,
		history:    history.NewBuffer(history.DefaultCapacity),
		resolved:   make(map[string]bus.ChannelInfo),
	}
	s.cfg.Store(newSnapshot(channelIDs, userIDs, filters.Normalize(), notif))
	return s
}

// Run consumes gateway events until ctx is cancelled or channel resolution
// fails completely. In-flight dispatch work is waited for on the way out.
func (s *Session) Run(ctx context.Context) error {
	defer s.wg.Wait()

	for {
		ev, err := s.events.Consume(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		switch ev.Type {
		case bus.EventReady:
			if err := s.handleReady(ctx); err != nil {
				return err
			}
		case bus.EventMessage:
			s.handleMessage(ctx, ev.Message)
		case bus.EventDisconnect:
			s.handleDisconnect(ctx)
		case bus.EventError:
			s.handleError(ctx, ev)
		}
	}
}

// handleReady resolves the configured channels and opens the session for
// message events. Zero resolvable channels is terminal.
func (s *Session) handleReady(ctx context.Context) error {
	snap := s.cfg.Load()
	resolved := s.resolveChannels(snap.ChannelIDs)

	if len(resolved) == 0 {
		slog.Error("monitor: could not resolve any configured channel", "channelIDs", snap.ChannelIDs)
		s.notifyStatus(ctx, "Discord Monitor Error",
			"Discord monitor failed to start: none of the configured channels could be found")
		return ErrNoChannels
	}

	s.chanMu.Lock()
	s.resolved = resolved
	s.chanMu.Unlock()

	labels := make([]string, 0, len(resolved))
	for _, id := range snap.ChannelIDs {
		if info, ok := resolved[id]; ok {
			labels = append(labels, relay.ChannelLabel(info.GuildName, info.Name))
		}
	}

	s.connected.Store(true)
	s.ready.Store(true)
	slog.Info("monitor: session ready", "channels", labels, "userIDs", snap.UserIDs)

	s.notifyStatus(ctx, "Discord Monitor",
		"Discord monitor started successfully!\nMonitoring channels: "+strings.Join(labels, ", "))
	return nil
}

func (s *Session) handleDisconnect(ctx context.Context) {
	s.connected.Store(false)
	slog.Warn("monitor: gateway disconnected, waiting for reconnect")
	s.notifyStatus(ctx, "Discord Monitor Status",
		"Disconnected from Discord. Attempting to reconnect...")
}

func (s *Session) handleError(ctx context.Context, ev bus.Event) {
	slog.Error("monitor: gateway error", "context", ev.Context, "error", ev.Err)
	s.notifyStatus(ctx, "Discord Monitor Error",
		fmt.Sprintf("Error in %s: %v", ev.Context, ev.Err))
}

// handleMessage runs the per-message pipeline. Any failure is isolated to
// this message: it is logged, reported best-effort, and never stops the
// session.
func (s *Session) handleMessage(ctx context.Context, msg *bus.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("monitor: message processing failed", "channelID", msg.ChannelID, "panic", r)
			s.notifyStatus(ctx, "Discord Monitor Error",
				fmt.Sprintf("Error processing message: %v", r))
		}
	}()

	if !s.connected.Load() {
		return
	}

	snap := s.cfg.Load()
	if !snap.MonitoredChannel(msg.ChannelID) || !snap.MonitoredAuthor(msg.AuthorID) {
		return
	}
	if !filter.Matches(msg, snap.Filters) {
		return
	}

	// The resolved handle is authoritative for the display labels; the
	// adapter's fields may be empty before its cache warms up.
	s.chanMu.RLock()
	info, ok := s.resolved[msg.ChannelID]
	s.chanMu.RUnlock()
	if ok {
		m := *msg
		m.GuildName = info.GuildName
		m.ChannelName = info.Name
		msg = &m
	}

	record, payload := relay.Transform(msg, snap.Filters, snap.Notifications)

	// Appending here, before dispatch starts, keeps history in arrival
	// order even when dispatches finish out of order.
	s.history.Append(record)
	slog.Info("monitor: message accepted",
		"channel", record.Channel, "author", record.Author, "content", record.Content)

	s.wg.Go(func() {
		s.dispatch(ctx, payload)
	})
}

// dispatch delivers one payload and reports failures: each failed request is
// logged, and a single best-effort error notification is attempted. Errors
// from that secondary send are only logged, never escalated.
func (s *Session) dispatch(ctx context.Context, payload pushover.Payload) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("monitor: dispatch panicked", "panic", r)
		}
	}()

	report := s.dispatcher.Send(ctx, payload)
	if report.OK() {
		return
	}

	for _, derr := range report.Failures {
		slog.Error("monitor: notification delivery failed", "error", derr)
	}

	snap := s.cfg.Load()
	errReport := s.dispatcher.Send(ctx, pushover.Payload{
		Title:    "Discord Monitor Error",
		Body:     fmt.Sprintf("Failed to deliver %d of %d notification requests", len(report.Failures), len(report.Failures)+report.Delivered),
		Priority: snap.Notifications.Priority,
		Sound:    snap.Notifications.Sound,
	})
	if !errReport.OK() {
		slog.Error("monitor: error notification also failed", "error", errReport.Failures[0])
	}
}

// notifyStatus sends a text-only status notification in the background,
// best-effort.
func (s *Session) notifyStatus(ctx context.Context, title, body string) {
	snap := s.cfg.Load()
	payload := pushover.Payload{
		Title:    title,
		Body:     body,
		Priority: snap.Notifications.Priority,
		Sound:    snap.Notifications.Sound,
	}
	s.wg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("monitor: status notification panicked", "panic", r)
			}
		}()
		if report := s.dispatcher.Send(ctx, payload); !report.OK() {
			slog.Error("monitor: status notification failed", "title", title, "error", report.Failures[0])
		}
	})
}

func (s *Session) resolveChannels(ids []string) map[string]bus.ChannelInfo {
	resolved := make(map[string]bus.ChannelInfo)
	for _, id := range ids {
		info, err := s.resolver.ResolveChannel(id)
		if err != nil {
			slog.Warn("monitor: could not resolve channel", "channelID", id, "error", err)
			continue
		}
		resolved[id] = info
	}
	return resolved
}

// Ready reports whether the session has completed its initial handshake at
// least once. The control API serves 503 until this is true.
func (s *Session) Ready() bool { return s.ready.Load() }

// Connected reports the live gateway connection state.
func (s *Session) Connected() bool { return s.connected.Load() }

// Channels returns the currently resolved channels in configured order.
func (s *Session) Channels() []ChannelStatus {
	snap := s.cfg.Load()
	s.chanMu.RLock()
	defer s.chanMu.RUnlock()

	out := make([]ChannelStatus, 0, len(s.resolved))
	for _, id := range snap.ChannelIDs {
		if info, ok := s.resolved[id]; ok {
			out = append(out, ChannelStatus{ID: id, Name: relay.ChannelLabel(info.GuildName, info.Name)})
		}
	}
	return out
}

// History returns the buffered records, oldest first.
func (s *Session) History() []relay.HistoryRecord {
	return s.history.Snapshot()
}

// Config returns the current configuration snapshot.
func (s *Session) Config() *Snapshot {
	return s.cfg.Load()
}

// SetFilters swaps in a new filter configuration and returns the normalized
// form that took effect.
func (s *Session) SetFilters(filters filter.Config) filter.Config {
	filters = filters.Normalize()
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	old := s.cfg.Load()
	s.cfg.Store(newSnapshot(old.ChannelIDs, old.UserIDs, filters, old.Notifications))
	slog.Info("monitor: filters updated", "enabled", filters.Enabled,
		"keywords", len(filters.Keywords), "linkPatterns", len(filters.LinkPatterns))
	return filters
}

// SetNotifications swaps in new notification settings after validating the
// priority range.
func (s *Session) SetNotifications(notif pushover.NotificationConfig) (pushover.NotificationConfig, error) {
	if !notif.Priority.Valid() {
		return pushover.NotificationConfig{}, ErrInvalidPriority
	}
	if notif.Sound == "" {
		notif.Sound = pushover.DefaultNotificationConfig().Sound
	}
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	old := s.cfg.Load()
	s.cfg.Store(newSnapshot(old.ChannelIDs, old.UserIDs, old.Filters, notif))
	slog.Info("monitor: notification settings updated", "priority", notif.Priority, "sound", notif.Sound)
	return notif, nil
}

// SetChannels replaces the monitored channel set and re-resolves handles
// immediately. Unresolvable ids stay configured but inactive.
func (s *Session) SetChannels(ids []string) []string {
	resolved := s.resolveChannels(ids)

	s.cfgMu.Lock()
	old := s.cfg.Load()
	s.cfg.Store(newSnapshot(ids, old.UserIDs, old.Filters, old.Notifications))
	s.cfgMu.Unlock()

	s.chanMu.Lock()
	s.resolved = resolved
	s.chanMu.Unlock()

	slog.Info("monitor: channels updated", "configured", len(ids), "resolved", len(resolved))
	return s.cfg.Load().ChannelIDs
}

// SetUsers replaces the monitored author set.
func (s *Session) SetUsers(ids []string) []string {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	old := s.cfg.Load()
	s.cfg.Store(newSnapshot(old.ChannelIDs, ids, old.Filters, old.Notifications))
	slog.Info("monitor: users updated", "count", len(ids))
	return s.cfg.Load().UserIDs
}
