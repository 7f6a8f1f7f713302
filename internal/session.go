package internal

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// ReconcileWindow bounds the sender+content fallback match for echoes that
// arrive without a correlation id.
const ReconcileWindow = 10 * time.Second

// RoomSession owns the authoritative in-memory message list for one open
// room. It is deliberately not safe for concurrent use: every mutation goes
// through the single per-room worker loop, so no two mutations ever race on
// the list.
type RoomSession struct {
	room string
	self string

	messages []Message       // ascending (created_at, id)
	index    map[string]bool // ids currently in the list
	pending  map[string]*pendingEntry

	cursor    *MessageKey // keyset cursor for the next older page
	exhausted bool        // no older history remains
	closed    bool
}

// pendingEntry tracks one optimistic send until its echo arrives. A Failed
// entry stays reconcilable so a late echo still collapses into one message;
// only an explicit retry discards it.
type pendingEntry struct {
	localID  string
	sender   string
	body     string
	sentAt   int64
	deadline time.Time
	failed   bool
}

func NewRoomSession(room, self string) *RoomSession {
	return &RoomSession{
		room:    room,
		self:    self,
		index:   make(map[string]bool),
		pending: make(map[string]*pendingEntry),
	}
}

func (s *RoomSession) Room() string { return s.room }

// Closed reports whether the session has been torn down. Event delivery to a
// closed session is a no-op, not an error.
func (s *RoomSession) Closed() bool { return s.closed }

// Close marks the session dead and drops its state.
func (s *RoomSession) Close() {
	s.closed = true
	s.messages = nil
	s.index = make(map[string]bool)
	s.pending = make(map[string]*pendingEntry)
}

// Seed installs the initial history page (most recent first, as the loader
// returns it) and records the cursor for older pages.
func (s *RoomSession) Seed(page []Message, next *MessageKey) {
	if s.closed {
		return
	}
	s.mergePage(page)
	s.cursor = next
	s.exhausted = next == nil
}

// MergeOlder folds an older page into the front of the list and advances the
// cursor. Returns how many new messages appeared.
func (s *RoomSession) MergeOlder(page []Message, next *MessageKey) int {
	if s.closed {
		return 0
	}
	added := s.mergePage(page)
	s.cursor = next
	if next == nil {
		s.exhausted = true
	}
	return added
}

func (s *RoomSession) mergePage(page []Message) int {
	added := 0
	for _, m := range page {
		if s.index[m.ID] {
			continue
		}
		m.Status = StatusSent
		s.insertSorted(m)
		added++
	}
	return added
}

// Cursor returns the keyset cursor for the next older page, or false when
// history is exhausted.
func (s *RoomSession) Cursor() (*MessageKey, bool) {
	if s.exhausted {
		return nil, false
	}
	return s.cursor, true
}

// Send appends an optimistic Pending entry immediately and returns it. The
// caller publishes the actual write; its completion arrives later as an
// echoed insert event carrying the same correlation id.
func (s *RoomSession) Send(body string, now time.Time, echoTimeout time.Duration) Message {
	correlation := uuid.NewString()
	msg := Message{
		ID:            correlation, // provisional; replaced by the echo
		Room:          s.room,
		Sender:        s.self,
		Body:          body,
		CreatedAt:     now.UnixMilli(),
		CorrelationID: correlation,
		Status:        StatusPending,
	}
	s.insertSorted(msg)
	s.pending[correlation] = &pendingEntry{
		localID:  msg.ID,
		sender:   msg.Sender,
		body:     msg.Body,
		sentAt:   msg.CreatedAt,
		deadline: now.Add(echoTimeout),
	}
	return msg
}

// ApplyInsert merges a remote insert (or update) into the ordered list.
// Insertion is idempotent keyed by message id, and position comes from the
// ordering key, never from arrival order. Reports whether the list changed.
func (s *RoomSession) ApplyInsert(m Message) bool {
	if s.closed {
		return false
	}
	m.Status = StatusSent

	// Redelivery or update of a message we already hold.
	if s.index[m.ID] {
		idx := s.indexOf(m.ID)
		if idx < 0 {
			return false
		}
		if s.messages[idx].Key() == m.Key() {
			s.messages[idx] = m
			return true
		}
		s.removeAt(idx)
		s.insertSorted(m)
		return true
	}

	// Echo of one of our own optimistic sends.
	if entry := s.matchPending(m); entry != nil {
		if idx := s.indexOf(entry.localID); idx >= 0 {
			s.removeAt(idx)
		}
		delete(s.pending, m.CorrelationID)
		if m.CorrelationID == "" {
			// fallback match; the entry is keyed by its own correlation id
			for corr, e := range s.pending {
				if e == entry {
					delete(s.pending, corr)
					break
				}
			}
		}
		s.insertSorted(m)
		return true
	}

	s.insertSorted(m)
	return true
}

func (s *RoomSession) matchPending(m Message) *pendingEntry {
	if m.CorrelationID != "" {
		return s.pending[m.CorrelationID]
	}
	if m.Sender != s.self {
		return nil
	}
	// No correlation id on the echo: fall back to sender+content within a
	// short window.
	window := ReconcileWindow.Milliseconds()
	for _, entry := range s.pending {
		if entry.body == m.Body && entry.sender == m.Sender {
			delta := m.CreatedAt - entry.sentAt
			if delta < 0 {
				delta = -delta
			}
			if delta <= window {
				return entry
			}
		}
	}
	return nil
}

// ApplyDelete removes the message if present. Deletes for unknown ids are
// no-ops so replays stay harmless.
func (s *RoomSession) ApplyDelete(messageID string) bool {
	if s.closed || !s.index[messageID] {
		return false
	}
	if idx := s.indexOf(messageID); idx >= 0 {
		s.removeAt(idx)
		return true
	}
	return false
}

// ExpirePending fails every optimistic entry whose echo window has elapsed.
// The entries stay matched against late echoes until the caller retries.
func (s *RoomSession) ExpirePending(now time.Time) bool {
	if s.closed {
		return false
	}
	changed := false
	for _, entry := range s.pending {
		if entry.failed || entry.deadline.After(now) {
			continue
		}
		entry.failed = true
		if idx := s.indexOf(entry.localID); idx >= 0 {
			s.messages[idx].Status = StatusFailed
			changed = true
		}
	}
	return changed
}

// Retry discards a Failed optimistic entry and issues a fresh send with a new
// correlation id. Returns false when the correlation id is unknown or the
// entry has not failed.
func (s *RoomSession) Retry(correlationID string, now time.Time, echoTimeout time.Duration) (Message, bool) {
	entry, ok := s.pending[correlationID]
	if !ok || !entry.failed || s.closed {
		return Message{}, false
	}
	if idx := s.indexOf(entry.localID); idx >= 0 {
		s.removeAt(idx)
	}
	delete(s.pending, correlationID)
	return s.Send(entry.body, now, echoTimeout), true
}

// FailPending marks one optimistic entry Failed immediately, used when the
// publish itself errors rather than timing out.
func (s *RoomSession) FailPending(correlationID string) bool {
	entry, ok := s.pending[correlationID]
	if !ok || s.closed {
		return false
	}
	entry.failed = true
	if idx := s.indexOf(entry.localID); idx >= 0 {
		s.messages[idx].Status = StatusFailed
		return true
	}
	return false
}

// Find returns the message with the given id, if present.
func (s *RoomSession) Find(messageID string) (Message, bool) {
	if idx := s.indexOf(messageID); idx >= 0 {
		return s.messages[idx], true
	}
	return Message{}, false
}

// Messages returns a copy of the ordered list for handler delivery.
func (s *RoomSession) Messages() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *RoomSession) Len() int { return len(s.messages) }

func (s *RoomSession) insertSorted(m Message) {
	key := m.Key()
	idx := sort.Search(len(s.messages), func(i int) bool {
		return key.Less(s.messages[i].Key())
	})
	s.messages = append(s.messages, Message{})
	copy(s.messages[idx+1:], s.messages[idx:])
	s.messages[idx] = m
	s.index[m.ID] = true
}

func (s *RoomSession) indexOf(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *RoomSession) removeAt(idx int) {
	delete(s.index, s.messages[idx].ID)
	s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
}
