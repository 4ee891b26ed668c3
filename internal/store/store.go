package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatbox/server/internal/protocol"

	_ "modernc.org/sqlite"
)

// Store is an append-only SQLite transcript of chat messages.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Single connection: concurrent writers would hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite archive opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room TEXT NOT NULL,
	msg_id INTEGER NOT NULL,
	username TEXT NOT NULL,
	message TEXT NOT NULL,
	type TEXT NOT NULL,
	file_name TEXT NOT NULL DEFAULT '',
	ts_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room, id);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// Row is one archived message.
type Row struct {
	Seq     int64
	Room    string
	Message protocol.ChatMessage
}

// InsertMessage appends msg to the transcript of room.
func (s *Store) InsertMessage(ctx context.Context, room string, msg protocol.ChatMessage) (int64, error) {
	const q = `INSERT INTO messages (room, msg_id, username, message, type, file_name, ts_unix_ms) VALUES (?, ?, ?, ?, ?, ?, ?)`
	result, err := s.db.ExecContext(ctx, q, room, msg.ID, msg.Username, msg.Message, msg.Type, msg.FileName, msg.Timestamp.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	seq, _ := result.LastInsertId()
	slog.Debug("message archived", "seq", seq, "room", room, "msg_id", msg.ID, "username", msg.Username)
	return seq, nil
}

// RecentMessages returns the last limit archived messages of room, oldest first.
func (s *Store) RecentMessages(ctx context.Context, room string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, room, msg_id, username, message, type, file_name, ts_unix_ms
FROM messages
WHERE room = ?
ORDER BY id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, room, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r  Row
			ts int64
		)
		if err := rows.Scan(&r.Seq, &r.Room, &r.Message.ID, &r.Message.Username, &r.Message.Message, &r.Message.Type, &r.Message.FileName, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		r.Message.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	// Reverse to oldest-first order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RoomCount is the number of archived messages for one room.
type RoomCount struct {
	Room     string
	Messages int64
}

// Rooms lists every archived room with its message count, by name.
func (s *Store) Rooms(ctx context.Context) ([]RoomCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT room, COUNT(*) FROM messages GROUP BY room ORDER BY room`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var out []RoomCount
	for rows.Next() {
		var rc RoomCount
		if err := rows.Scan(&rc.Room, &rc.Messages); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// MessageCount returns the number of archived messages across all rooms.
func (s *Store) MessageCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
