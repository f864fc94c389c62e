// Package store persists the chat message log. A room's history is an
// append-only sequence of messages; readers only ever ask for the most
// recent N, oldest first.
//
// Three backends share the Log contract: SQLite (the default, embedded),
// PostgreSQL through pgx, and Redis lists. Open picks one from a URL.
//
// Migration design: SQL statements are kept per dialect as ordered strings.
// Each is applied exactly once; the applied version is tracked in the
// schema_migrations table. To add a migration, append a new string, never
// edit or reorder existing entries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// DefaultHistoryLimit bounds Query when the caller passes a non-positive limit.
const DefaultHistoryLimit = 50

// ErrInvalidMessage is returned when a message lacks a room or author.
var ErrInvalidMessage = errors.New("invalid message")

// Message is one persisted chat line.
type Message struct {
	ID        int64
	Room      string
	Author    string
	Content   string
	CreatedAt time.Time
}

// Log is the durable message log used by the chat core.
type Log interface {
	Append(ctx context.Context, room, author, content string) (time.Time, error)
	Query(ctx context.Context, room string, limit int) ([]Message, error)
	Close() error
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

var migrations = map[dialect][]string{
	dialectSQLite: {
		// v1: messages
		`CREATE TABLE IF NOT EXISTS messages (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			room               TEXT NOT NULL,
			author             TEXT NOT NULL,
			content            TEXT NOT NULL,
			created_at_unix_ms INTEGER NOT NULL
		)`,
		// v2: history lookups
		`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room, id)`,
	},
	dialectPostgres: {
		`CREATE TABLE IF NOT EXISTS messages (
			id                 BIGSERIAL PRIMARY KEY,
			room               TEXT NOT NULL,
			author             TEXT NOT NULL,
			content            TEXT NOT NULL,
			created_at_unix_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room, id)`,
	},
}

// SQLStore is a Log backed by database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// OpenSQLite opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral storage.
func OpenSQLite(path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		slog.Warn("sqlite WAL mode (non-fatal)", "err", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("sqlite busy_timeout (non-fatal)", "err", err)
	}

	st := &SQLStore{db: db, dialect: dialectSQLite, now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// OpenPostgres connects to dsn through the pgx driver and applies any
// pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	st := &SQLStore{db: db, dialect: dialectPostgres, now: time.Now}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("postgres store opened")
	return st, nil
}

// Close releases the database connection.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version            INTEGER PRIMARY KEY,
		applied_at_unix_ms BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations[s.dialect] {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx,
			s.rebind(`INSERT INTO schema_migrations(version, applied_at_unix_ms) VALUES(?, ?)`),
			v, s.now().UnixMilli(),
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("applied migration", "dialect", s.dialect, "version", v)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Append persists one chat line and returns its creation time.
func (s *SQLStore) Append(ctx context.Context, room, author, content string) (time.Time, error) {
	if strings.TrimSpace(room) == "" || strings.TrimSpace(author) == "" {
		return time.Time{}, fmt.Errorf("%w: room and author are required", ErrInvalidMessage)
	}
	created := s.now().UTC()

	const q = `INSERT INTO messages (room, author, content, created_at_unix_ms) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, s.rebind(q), room, author, content, created.UnixMilli()); err != nil {
		return time.Time{}, fmt.Errorf("insert message: %w", err)
	}
	slog.Debug("message persisted", "room", room, "author", author)
	return created, nil
}

// Query returns up to limit of the most recent messages in room, oldest first.
func (s *SQLStore) Query(ctx context.Context, room string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	const q = `
SELECT id, room, author, content, created_at_unix_ms
FROM messages
WHERE room = ?
ORDER BY id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), room, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m         Message
			createdMS int64
		)
		if err := rows.Scan(&m.ID, &m.Room, &m.Author, &m.Content, &createdMS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdMS).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	reverse(msgs)
	slog.Debug("messages loaded", "room", room, "count", len(msgs))
	return msgs, nil
}

// Backup writes a consistent copy of a SQLite database to destPath.
func (s *SQLStore) Backup(ctx context.Context, destPath string) error {
	if s.dialect != dialectSQLite {
		return fmt.Errorf("backup is only supported for sqlite, not %s", s.dialect)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("vacuum into %s: %w", destPath, err)
	}
	return nil
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
