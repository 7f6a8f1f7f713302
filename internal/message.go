package internal

import "strings"

// LocalStatus tracks where a message stands between the optimistic local
// append and the server-confirmed copy.
type LocalStatus int

const (
	StatusSent LocalStatus = iota
	StatusPending
	StatusFailed
)

func (s LocalStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "sent"
	}
}

// this struct describes the json envelope that the client, the relay, and the
// store all exchange for a single chat message.
type Message struct {
	ID            string `json:"id"`
	Room          string `json:"room"`
	Sender        string `json:"sender"`
	Body          string `json:"body"`
	ImageURL      string `json:"image_url,omitempty"`
	CreatedAt     int64  `json:"created_at"` // unix milliseconds
	CorrelationID string `json:"correlation_id,omitempty"`

	// Status is client-local and never leaves the process.
	Status LocalStatus `json:"-"`
}

// Key returns the authoritative ordering key for the message.
func (m Message) Key() MessageKey {
	return MessageKey{CreatedAt: m.CreatedAt, ID: m.ID}
}

// MessageKey orders messages by (created_at, id) ascending. The id acts as a
// tie breaker so the ordering is total even when two messages share a
// timestamp; message ids alone are random and must never be compared for
// recency.
type MessageKey struct {
	CreatedAt int64  `json:"created_at"`
	ID        string `json:"id"`
}

// Compare returns -1, 0, or 1 in the usual manner.
func (k MessageKey) Compare(other MessageKey) int {
	if k.CreatedAt != other.CreatedAt {
		if k.CreatedAt < other.CreatedAt {
			return -1
		}
		return 1
	}
	return strings.Compare(k.ID, other.ID)
}

func (k MessageKey) Less(other MessageKey) bool {
	return k.Compare(other) < 0
}

func (k MessageKey) IsZero() bool {
	return k.CreatedAt == 0 && k.ID == ""
}
