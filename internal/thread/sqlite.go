package thread

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql

	"github.com/nugget/mailroom/internal/llm"
)

// SQLiteStore persists threads in a single SQLite table. The schema
// matches the chats table used by the mysql backend: one row per
// conversation with the message sequence as a JSON document.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := NewSQLiteStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreFromDB wraps an already-open database handle and
// creates the schema if needed.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		id         TEXT PRIMARY KEY,
		chat       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get implements [Store].
func (s *SQLiteStore) Get(ctx context.Context, id string) ([]llm.Message, bool, error) {
	var chat string
	err := s.db.QueryRowContext(ctx, `SELECT chat FROM chats WHERE id = ?`, id).Scan(&chat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get thread %s: %w", id, err)
	}

	messages, err := decode([]byte(chat))
	if err != nil {
		return nil, false, fmt.Errorf("thread %s: %w", id, err)
	}
	return messages, true, nil
}

// Put implements [Store].
func (s *SQLiteStore) Put(ctx context.Context, id string, messages []llm.Message) error {
	data, err := encode(messages)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chats (id, chat, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET chat = excluded.chat, updated_at = excluded.updated_at`,
		id, string(data), now, now,
	)
	if err != nil {
		return fmt.Errorf("put thread %s: %w", id, err)
	}
	return nil
}

// Ping implements [Store].
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
