package internal

import (
	"context"
	"fmt"
)

// HistoryStore is the durable-store view the loader reads pages from. The
// SQLite store and the relay's HTTP history endpoint both satisfy it.
type HistoryStore interface {
	RoomExists(ctx context.Context, room string) (bool, error)

	// MessagesBefore returns up to limit messages strictly older than the
	// keyset cursor, ordered by (created_at, id) descending. A nil cursor
	// starts from the newest message.
	MessagesBefore(ctx context.Context, room string, before *MessageKey, limit int) ([]Message, error)
}

// HistoryLoader fetches ordered message pages using keyset cursors. Offsets
// are unsafe here: concurrent inserts ahead of the page window would skip or
// duplicate rows.
type HistoryLoader struct {
	store    HistoryStore
	pageSize int
}

const DefaultPageSize = 50

func NewHistoryLoader(store HistoryStore, pageSize int) *HistoryLoader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &HistoryLoader{store: store, pageSize: pageSize}
}

func (l *HistoryLoader) PageSize() int { return l.pageSize }

// LoadPage returns the next page older than cursor, most recent first, plus
// the cursor for the page after it. A nil next cursor means the history is
// exhausted; an empty room yields (nil, nil, nil).
func (l *HistoryLoader) LoadPage(ctx context.Context, room string, cursor *MessageKey) ([]Message, *MessageKey, error) {
	messages, err := l.store.MessagesBefore(ctx, room, cursor, l.pageSize)
	if err != nil {
		return nil, nil, fmt.Errorf("load page for %s: %w", room, err)
	}
	if len(messages) < l.pageSize {
		return messages, nil, nil
	}
	oldest := messages[len(messages)-1].Key()
	return messages, &oldest, nil
}
