package internal

import (
	"sort"
	"sync"
)

// ReadReceipts aggregates per-member read pointers for open rooms. Pointers
// only ever move forward in (created_at, id) order, so a stale update that
// arrives after a newer one is ignored rather than regressing the pointer.
type ReadReceipts struct {
	mu       sync.Mutex
	pointers map[string]map[string]MessageKey // room -> user -> last read key
}

func NewReadReceipts() *ReadReceipts {
	return &ReadReceipts{pointers: make(map[string]map[string]MessageKey)}
}

// Mark advances the pointer for (room, user) and reports whether an update
// actually occurred. Comparison is on the ordering key, never on arrival
// order or raw message ids.
func (r *ReadReceipts) Mark(room, user string, key MessageKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pointers[room] == nil {
		r.pointers[room] = make(map[string]MessageKey)
	}
	current, ok := r.pointers[room][user]
	if ok && !current.Less(key) {
		return false
	}
	r.pointers[room][user] = key
	return true
}

// Pointer returns the stored pointer for one member.
func (r *ReadReceipts) Pointer(room, user string) (MessageKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.pointers[room][user]
	return key, ok
}

// ReadBy lists the members whose pointer is at or past the message, sorted,
// excluding the message's own sender.
func (r *ReadReceipts) ReadBy(room string, key MessageKey, sender string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var users []string
	for user, ptr := range r.pointers[room] {
		if user == sender {
			continue
		}
		if !ptr.Less(key) {
			users = append(users, user)
		}
	}
	sort.Strings(users)
	return users
}

// Snapshot copies the room's pointer map for handler delivery.
func (r *ReadReceipts) Snapshot(room string) map[string]MessageKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]MessageKey, len(r.pointers[room]))
	for user, key := range r.pointers[room] {
		out[user] = key
	}
	return out
}

// ClearRoom drops all pointers for the room. Used on session close.
func (r *ReadReceipts) ClearRoom(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pointers, room)
}
