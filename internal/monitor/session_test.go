package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coopco/pushmon/internal/bus"
	"github.com/coopco/pushmon/internal/filter"
	"github.com/coopco/pushmon/internal/pushover"
)

type fakeResolver struct {
	channels map[string]bus.ChannelInfo
}

func (r *fakeResolver) ResolveChannel(id string) (bus.ChannelInfo, error) {
	info, ok := r.channels[id]
	if !ok {
		return bus.ChannelInfo{}, errors.New("unknown channel")
	}
	return info, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	payloads []pushover.Payload
	fail     bool
}

func (n *fakeNotifier) Send(ctx context.Context, p pushover.Payload) *pushover.Report {
	n.mu.Lock()
	n.payloads = append(n.payloads, p)
	n.mu.Unlock()
	if n.fail {
		return &pushover.Report{Failures: []*pushover.DispatchError{{Stage: pushover.StageDeliver, Status: 500}}}
	}
	return &pushover.Report{Delivered: 1}
}

func (n *fakeNotifier) sent() []pushover.Payload {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]pushover.Payload, len(n.payloads))
	copy(out, n.payloads)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func testSession(notifier *fakeNotifier) (*Session, *bus.EventBus) {
	resolver := &fakeResolver{channels: map[string]bus.ChannelInfo{
		"c1": {ID: "c1", GuildName: "Guild", Name: "general"},
	}}
	events := bus.NewEventBus(10)
	filters := filter.Config{Enabled: true, Keywords: []string{"check"}, ImageExtensions: []string{"png"}}
	sess := New(resolver, notifier, events,
		[]string{"c1"}, []string{"u1"}, filters, pushover.DefaultNotificationConfig())
	return sess, events
}

func runSession(t *testing.T, sess *Session) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()
	return cancel, done
}

func acceptedMessage() bus.InboundMessage {
	return bus.InboundMessage{
		ChannelID:         "c1",
		AuthorID:          "u1",
		AuthorDisplayName: "Alice",
		AuthorHandle:      "alice",
		Content:           "check this out",
		ReceivedAt:        time.Now(),
	}
}

func TestReadyThenAcceptedMessage(t *testing.T) {
	notifier := &fakeNotifier{}
	sess, events := testSession(notifier)
	cancel, done := runSession(t, sess)
	defer cancel()

	events.PublishReady()
	waitFor(t, sess.Ready)

	if !sess.Connected() {
		t.Error("session should be connected after ready")
	}
	channels := sess.Channels()
	if len(channels) != 1 || channels[0].Name != "Guild - #general" {
		t.Errorf("channels = %+v", channels)
	}

	events.PublishMessage(acceptedMessage())
	waitFor(t, func() bool { return len(sess.History()) == 1 })

	rec := sess.History()[0]
	if rec.Content != "check this out" {
		t.Errorf("history content = %q", rec.Content)
	}
	if rec.Channel != "Guild - #general" || rec.Author != "Alice (@alice)" {
		t.Errorf("labels = %q / %q", rec.Channel, rec.Author)
	}

	// Startup notification + message notification.
	waitFor(t, func() bool { return len(notifier.sent()) == 2 })
	var msgPayload *pushover.Payload
	for _, p := range notifier.sent() {
		if p.Title == "Discord: Guild - #general" {
			payload := p
			msgPayload = &payload
		}
	}
	if msgPayload == nil {
		t.Fatalf("no message notification in %+v", notifier.sent())
	}
	if msgPayload.Body != "Alice (@alice): check this out" {
		t.Errorf("body = %q", msgPayload.Body)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("run returned %v", err)
	}
}

func TestUnmonitoredChannelSilentlyDropped(t *testing.T) {
	notifier := &fakeNotifier{}
	sess, events := testSession(notifier)
	cancel, _ := runSession(t, sess)
	defer cancel()

	events.PublishReady()
	waitFor(t, sess.Ready)
	startupSends := len(notifier.sent())

	msg := acceptedMessage()
	msg.ChannelID = "other"
	events.PublishMessage(msg)

	// Give the pipeline a moment, then confirm nothing happened.
	time.Sleep(50 * time.Millisecond)
	if len(sess.History()) != 0 {
		t.Error("history mutated for unmonitored channel")
	}
	if len(notifier.sent()) != startupSends {
		t.Error("dispatch called for unmonitored channel")
	}
}

func TestUnmonitoredAuthorDropped(t *testing.T) {
	notifier := &fakeNotifier{}
	sess, events := testSession(notifier)
	cancel, _ := runSession(t, sess)
	defer cancel()

	events.PublishReady()
	waitFor(t, sess.Ready)

	msg := acceptedMessage()
	msg.AuthorID = "stranger"
	events.PublishMessage(msg)

	time.Sleep(50 * time.Millisecond)
	if len(sess.History()) != 0 {
		t.Error("history mutated for unmonitored author")
	}
}

func TestFilteredMessageDroppedUntilFilterDisabled(t *testing.T) {
	notifier := &fakeNotifier{}
	sess, events := testSession(notifier)
	cancel, _ := runSession(t, sess)
	defer cancel()

	events.PublishReady()
	waitFor(t, sess.Ready)

	msg := acceptedMessage()
	msg.Content = "nothing interesting"
	events.PublishMessage(msg)

	time.Sleep(50 * time.Millisecond)
	if len(sess.History()) != 0 {
		t.Error("filtered message reached history")
	}

	// Disabling the filter applies to later messages only.
	sess.SetFilters(filter.Config{Enabled: false})
	events.PublishMessage(msg)
	waitFor(t, func() bool { return len(sess.History()) == 1 })
}

func TestAllChannelsUnresolvableIsTerminal(t *testing.T) {
	notifier := &fakeNotifier{}
	resolver := &fakeResolver{channels: map[string]bus.ChannelInfo{}}
	events := bus.NewEventBus(10)
	sess := New(resolver, notifier, events,
		[]string{"missing"}, []string{"u1"}, filter.DefaultConfig(), pushover.DefaultNotificationConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	events.PublishReady()

	select {
	case err := <-done:
		if !errors.Is(err, ErrNoChannels) {
			t.Errorf("run returned %v, want ErrNoChannels", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}

	if sess.Ready() {
		t.Error("session must not report ready after total resolution failure")
	}
	// A failure notification goes out, but no startup-success one.
	for _, p := range notifier.sent() {
		if p.Title == "Discord Monitor" {
			t.Errorf("unexpected startup success notification: %+v", p)
		}
	}
}

func TestDisconnectFlipsConnected(t *testing.T) {
	notifier := &fakeNotifier{}
	sess, events := testSession(notifier)
	cancel, _ := runSession(t, sess)
	defer cancel()

	events.PublishReady()
	waitFor(t, sess.Ready)

	events.PublishDisconnect()
	waitFor(t, func() bool { return !sess.Connected() })

	if !sess.Ready() {
		t.Error("ready latch must survive disconnects")
	}
	waitFor(t, func() bool {
		for _, p := range notifier.sent() {
			if p.Title == "Discord Monitor Status" {
				return true
			}
		}
		return false
	})
}

func TestDispatchFailureTriggersErrorNotification(t *testing.T) {
	notifier := &fakeNotifier{fail: true}
	sess, events := testSession(notifier)
	cancel, _ := runSession(t, sess)
	defer cancel()

	events.PublishReady()
	waitFor(t, sess.Ready)

	events.PublishMessage(acceptedMessage())
	waitFor(t, func() bool { return len(sess.History()) == 1 })

	// Message dispatch fails, then a best-effort error notification is
	// attempted (which also fails, and must only be logged).
	waitFor(t, func() bool {
		for _, p := range notifier.sent() {
			if p.Title == "Discord Monitor Error" {
				return true
			}
		}
		return false
	})
}

func TestConfigSnapshotsIsolatedFromMutation(t *testing.T) {
	notifier := &fakeNotifier{}
	sess, _ := testSession(notifier)

	before := sess.Config()
	sess.SetUsers([]string{"u9"})
	after := sess.Config()

	if before.MonitoredAuthor("u9") {
		t.Error("old snapshot changed after mutation")
	}
	if !after.MonitoredAuthor("u9") || after.MonitoredAuthor("u1") {
		t.Errorf("new snapshot wrong: %+v", after.UserIDs)
	}
}

func TestSetNotificationsValidation(t *testing.T) {
	notifier := &fakeNotifier{}
	sess, _ := testSession(notifier)

	if _, err := sess.SetNotifications(pushover.NotificationConfig{Priority: 3}); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("expected ErrInvalidPriority, got %v", err)
	}

	got, err := sess.SetNotifications(pushover.NotificationConfig{Priority: pushover.PriorityHigh, Sound: "cosmic"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Sound != "cosmic" || sess.Config().Notifications.Priority != pushover.PriorityHigh {
		t.Errorf("notification config not applied: %+v", got)
	}
}

func TestSetChannelsReResolves(t *testing.T) {
	notifier := &fakeNotifier{}
	resolver := &fakeResolver{channels: map[string]bus.ChannelInfo{
		"c1": {ID: "c1", GuildName: "Guild", Name: "general"},
		"c2": {ID: "c2", GuildName: "Guild", Name: "alerts"},
	}}
	events := bus.NewEventBus(10)
	sess := New(resolver, notifier, events,
		[]string{"c1"}, []string{"u1"}, filter.DefaultConfig(), pushover.DefaultNotificationConfig())

	ids := sess.SetChannels([]string{"c2", "ghost"})
	if len(ids) != 2 {
		t.Errorf("echoed ids = %v", ids)
	}

	channels := sess.Channels()
	if len(channels) != 1 || channels[0].ID != "c2" {
		t.Errorf("resolved channels = %+v", channels)
	}
	if !sess.Config().MonitoredChannel("ghost") {
		t.Error("unresolvable id should stay configured")
	}
	if sess.Config().MonitoredChannel("c1") {
		t.Error("old channel should no longer be monitored")
	}
}
