package internal

import (
	"sort"
	"sync"
	"time"
)

// TypingTTL matches the server-side filter window; an entry older than this
// is treated as absent even if no explicit clear ever arrives.
const TypingTTL = 5 * time.Second

// TypingIdleTimeout is how long the local user may go without keystrokes
// before the engine proactively publishes a clear on their behalf.
const TypingIdleTimeout = 3 * time.Second

// TypingTracker keeps the ephemeral per-room set of currently typing users.
// Expiry is never pushed by the backend; every read re-evaluates against the
// clock instead.
type TypingTracker struct {
	mu      sync.Mutex
	entries map[string]map[string]time.Time // room -> user -> expires at
}

func NewTypingTracker() *TypingTracker {
	return &TypingTracker{entries: make(map[string]map[string]time.Time)}
}

// Set upserts the entry with a fresh TTL. Refreshing an existing entry just
// resets its expiry.
func (t *TypingTracker) Set(room, user string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[room] == nil {
		t.entries[room] = make(map[string]time.Time)
	}
	t.entries[room][user] = now.Add(TypingTTL)
}

// Clear removes the entry immediately (input stopped or a message was sent).
func (t *TypingTracker) Clear(room, user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if users, ok := t.entries[room]; ok {
		delete(users, user)
		if len(users) == 0 {
			delete(t.entries, room)
		}
	}
}

// ClearRoom drops every entry for the room. Used on session close.
func (t *TypingTracker) ClearRoom(room string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, room)
}

// Active returns the users still inside their TTL, sorted, excluding self.
// Expired entries are pruned as a side effect.
func (t *TypingTracker) Active(room, self string, now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.entries[room]
	if !ok {
		return nil
	}
	var active []string
	for user, expires := range users {
		if !expires.After(now) {
			delete(users, user)
			continue
		}
		if user == self {
			continue
		}
		active = append(active, user)
	}
	if len(users) == 0 {
		delete(t.entries, room)
	}
	sort.Strings(active)
	return active
}
