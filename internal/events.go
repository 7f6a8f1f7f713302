package internal

import "context"

// EventType discriminates the payload carried by an Event.
type EventType string

const (
	EventMessageInsert EventType = "message.insert"
	EventMessageUpdate EventType = "message.update"
	EventMessageDelete EventType = "message.delete"
	EventTyping        EventType = "typing"
	EventReadPointer   EventType = "read"
	EventError         EventType = "error"
)

// Event is the envelope every bus implementation carries. Exactly one payload
// field is set depending on Type.
type Event struct {
	Type EventType `json:"type"`
	Room string    `json:"room"`

	Message   *Message      `json:"message,omitempty"`
	MessageID string        `json:"message_id,omitempty"`
	Typing    *TypingSignal `json:"typing,omitempty"`
	Read      *ReadSignal   `json:"read,omitempty"`
	Error     *ErrorSignal  `json:"error,omitempty"`
}

// TypingSignal announces that a user started or stopped composing.
type TypingSignal struct {
	User   string `json:"user"`
	Active bool   `json:"active"`
	At     int64  `json:"at"` // unix milliseconds
}

// ReadSignal moves a member's read pointer forward.
type ReadSignal struct {
	User string     `json:"user"`
	Key  MessageKey `json:"key"`
	At   int64      `json:"at"`
}

// ErrorSignal is sent by the relay when it rejects a client write. The
// correlation id, when present, points at the optimistic message to fail.
type ErrorSignal struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

const (
	ErrorCodePermission = "permission_denied"
	ErrorCodeRateLimit  = "rate_limited"
)

// EventBus is the abstract realtime feed the engine subscribes to. Delivery
// is at least once with no ordering guarantee across reconnects; the session
// merge is responsible for making redelivery and reordering harmless.
type EventBus interface {
	// Subscribe opens a stream of events for one room, optionally filtered to
	// the given types (nil means all). The returned subscription's channel is
	// closed when the stream dies; the caller decides whether to resubscribe.
	Subscribe(ctx context.Context, room string, types ...EventType) (*Subscription, error)

	// Publish pushes a locally originated event toward the backend. It only
	// guarantees hand-off, not durable acceptance; acceptance comes back as
	// an echoed event on the subscription.
	Publish(ctx context.Context, ev Event) error
}

// Subscription is a live event stream for a single room.
type Subscription struct {
	events <-chan Event
	cancel func()
}

// NewSubscription wraps a channel and a cancel hook. Bus implementations use
// it; consumers only read Events and call Close.
func NewSubscription(events <-chan Event, cancel func()) *Subscription {
	return &Subscription{events: events, cancel: cancel}
}

// Events returns the stream. The channel closes when the subscription ends,
// whether by Close or by transport failure.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close tears the stream down. Safe to call more than once.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// IdentityProvider supplies the authenticated user id. Credential handling
// lives outside the engine.
type IdentityProvider interface {
	UserID() string
}

// StaticIdentity is the trivial provider used by the demo client and tests.
type StaticIdentity string

func (s StaticIdentity) UserID() string { return string(s) }
