package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"

	"roomsync/internal"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle and exposes the message, typing, and
// read-pointer tables the relay persists into. It implements both
// internal.RelayStore and internal.HistoryStore.
type Store struct {
	db *sql.DB
}

// NewStore initializes the SQLite database at the provided path. Call Close
// when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "roomsync.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			body TEXT NOT NULL,
			image_url TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_key
			ON messages(room_id, created_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_correlation
			ON messages(room_id, correlation_id);`,
		`CREATE TABLE IF NOT EXISTS typing_entries (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS read_pointers (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			message_id TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// EnsureRoom creates the room row if it does not already exist.
func (s *Store) EnsureRoom(ctx context.Context, room string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO rooms(id, created_at) VALUES(?, ?)`,
		room, time.Now().UnixMilli())
	return err
}

// RoomExists reports whether the room row is present.
func (s *Store) RoomExists(ctx context.Context, room string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM rooms WHERE id = ?`, room)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// InsertMessage stores a message. Replays of the same id are absorbed
// silently; the bool reports whether a row was actually written.
func (s *Store) InsertMessage(ctx context.Context, m internal.Message) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(id, room_id, sender_id, body, image_url, correlation_id, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		m.ID, m.Room, m.Sender, m.Body, m.ImageURL, m.CorrelationID, m.CreatedAt)
	if err != nil {
		if isConstraintError(err) {
			return false, internal.ErrConflict
		}
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// MessageByID fetches one message; internal.ErrNotFound when absent.
func (s *Store) MessageByID(ctx context.Context, room, id string) (*internal.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, sender_id, body, image_url, correlation_id, created_at
		 FROM messages WHERE room_id = ? AND id = ?`, room, id)
	return scanMessage(row)
}

// MessageByCorrelation resolves a replayed correlation id to its stored row.
func (s *Store) MessageByCorrelation(ctx context.Context, room, correlationID string) (*internal.Message, error) {
	if correlationID == "" {
		return nil, internal.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, sender_id, body, image_url, correlation_id, created_at
		 FROM messages WHERE room_id = ? AND correlation_id = ?`, room, correlationID)
	return scanMessage(row)
}

func scanMessage(row *sql.Row) (*internal.Message, error) {
	var m internal.Message
	err := row.Scan(&m.ID, &m.Room, &m.Sender, &m.Body, &m.ImageURL, &m.CorrelationID, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, internal.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// DeleteMessage removes the row; deleting an absent id is a no-op.
func (s *Store) DeleteMessage(ctx context.Context, room, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE room_id = ? AND id = ?`, room, id)
	return err
}

// MessagesBefore returns up to limit messages strictly older than the keyset
// cursor, newest first. A nil cursor starts at the newest message.
func (s *Store) MessagesBefore(ctx context.Context, room string, before *internal.MessageKey, limit int) ([]internal.Message, error) {
	var rows *sql.Rows
	var err error
	if before == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, room_id, sender_id, body, image_url, correlation_id, created_at
			FROM messages
			WHERE room_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?`, room, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, room_id, sender_id, body, image_url, correlation_id, created_at
			FROM messages
			WHERE room_id = ?
			  AND (created_at < ? OR (created_at = ? AND id < ?))
			ORDER BY created_at DESC, id DESC
			LIMIT ?`, room, before.CreatedAt, before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []internal.Message
	for rows.Next() {
		var m internal.Message
		if err := rows.Scan(&m.ID, &m.Room, &m.Sender, &m.Body, &m.ImageURL, &m.CorrelationID, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// UpsertReadPointer advances the member's pointer only when the new key is
// later in (created_at, id) order. The guard lives in SQL so concurrent
// writers cannot regress the pointer either.
func (s *Store) UpsertReadPointer(ctx context.Context, room, user string, key internal.MessageKey, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO read_pointers(room_id, user_id, created_at, message_id, updated_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(room_id, user_id) DO UPDATE SET
			created_at = excluded.created_at,
			message_id = excluded.message_id,
			updated_at = excluded.updated_at
		WHERE excluded.created_at > read_pointers.created_at
		   OR (excluded.created_at = read_pointers.created_at
		       AND excluded.message_id > read_pointers.message_id)`,
		room, user, key.CreatedAt, key.ID, at.UnixMilli())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ReadPointers returns every member's pointer for the room.
func (s *Store) ReadPointers(ctx context.Context, room string) (map[string]internal.MessageKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, created_at, message_id FROM read_pointers WHERE room_id = ?`, room)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pointers := make(map[string]internal.MessageKey)
	for rows.Next() {
		var user string
		var key internal.MessageKey
		if err := rows.Scan(&user, &key.CreatedAt, &key.ID); err != nil {
			return nil, err
		}
		pointers[user] = key
	}
	return pointers, rows.Err()
}

// UpsertTyping refreshes the member's typing entry.
func (s *Store) UpsertTyping(ctx context.Context, room, user string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO typing_entries(room_id, user_id, expires_at) VALUES(?, ?, ?)
		ON CONFLICT(room_id, user_id) DO UPDATE SET expires_at = excluded.expires_at`,
		room, user, expiresAt.UnixMilli())
	return err
}

// ClearTyping removes the member's typing entry.
func (s *Store) ClearTyping(ctx context.Context, room, user string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM typing_entries WHERE room_id = ? AND user_id = ?`, room, user)
	return err
}

// ActiveTypers lists members whose typing entry has not yet expired. Expiry
// is a timestamp comparison at read time; nothing pushes an expiry event.
func (s *Store) ActiveTypers(ctx context.Context, room string, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM typing_entries
		 WHERE room_id = ? AND expires_at > ?
		 ORDER BY user_id ASC`, room, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// PurgeExpiredTyping sweeps dead typing rows; the relay runs it on a timer.
func (s *Store) PurgeExpiredTyping(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM typing_entries WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintCode
	}
	return false
}
