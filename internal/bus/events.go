package bus

import "time"

// EventType identifies a gateway lifecycle event.
type EventType int

const (
	EventReady EventType = iota
	EventMessage
	EventDisconnect
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventMessage:
		return "message"
	case EventDisconnect:
		return "disconnect"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item on the gateway event stream. Message is set only for
// EventMessage; Context describes where an EventError came from.
type Event struct {
	Type    EventType
	Message *InboundMessage
	Context string
	Err     error
}

// InboundMessage is the read-only view of a chat message delivered by the
// gateway. Attachment and embed order is the order Discord delivered them in.
type InboundMessage struct {
	ChannelID         string
	GuildName         string
	ChannelName       string
	AuthorID          string
	AuthorDisplayName string
	AuthorHandle      string
	Content           string
	Attachments       []Attachment
	Embeds            []Embed
	ReceivedAt        time.Time
}

// ChannelInfo is a resolved live channel handle.
type ChannelInfo struct {
	ID        string
	GuildName string
	Name      string
}

// Attachment is a file attached to a message.
type Attachment struct {
	URL      string
	Filename string
}

// Embed is the subset of a message embed the monitor cares about.
type Embed struct {
	Title       string
	Description string
	ImageURL    string
}
