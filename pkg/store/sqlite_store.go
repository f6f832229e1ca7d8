package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/sentinel/pkg/conversation"
)

const sqliteConversationsSchemaV1 = `
CREATE TABLE IF NOT EXISTS conversations (
    key TEXT PRIMARY KEY,
    payload_json TEXT NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteStore keeps one JSON chat log per row. Memory files are not
// resolved; LoadedMemory is whatever the caller added before saving and is
// not persisted.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "could not open sqlite store")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile returns a DSN with WAL journaling and a busy timeout.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(sqliteConversationsSchemaV1); err != nil {
		return errors.Wrap(err, "could not migrate sqlite store")
	}
	return nil
}

func (s *SQLiteStore) ensureOpen() error {
	if s.closed {
		return errors.New("sqlite store closed")
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, key Key) (*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload_json FROM conversations WHERE key = ?`, key.String()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "%s", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not load conversation")
	}
	conv, err := conversation.DecodeJSON([]byte(payload))
	if err != nil {
		return nil, errors.Wrapf(err, "could not decode conversation %s", key)
	}
	return conv, nil
}

func (s *SQLiteStore) Save(ctx context.Context, key Key, conv *conversation.Conversation) error {
	if conv == nil {
		return errors.New("cannot save a nil conversation")
	}
	payload, err := json.Marshal(conv)
	if err != nil {
		return errors.Wrap(err, "could not encode conversation")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO conversations (key, payload_json, updated_at_ms)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET payload_json = excluded.payload_json, updated_at_ms = excluded.updated_at_ms`,
		key.String(),
		string(payload),
		time.Now().UnixMilli(),
	)
	return errors.Wrap(err, "could not save conversation")
}

func (s *SQLiteStore) List(ctx context.Context) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key FROM conversations ORDER BY key ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "could not list conversations")
	}
	defer func() {
		_ = rows.Close()
	}()

	var keys []Key
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		keys = append(keys, Key(raw))
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE key = ?`, key.String())
	if err != nil {
		return errors.Wrap(err, "could not delete conversation")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(ErrNotFound, "%s", key)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
