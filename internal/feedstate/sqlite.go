package feedstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/agentworkforce/relayfeed/internal/feedsync"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS feed_state (
	state_key  TEXT PRIMARY KEY,
	snapshot   TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

type SQLiteStore struct {
	db *sqlx.DB
}

type stateRow struct {
	Snapshot  string `db:"snapshot"`
	UpdatedAt string `db:"updated_at"`
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating feed_state table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(key string) (*feedsync.SavedState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	var row stateRow
	err := s.db.GetContext(ctx, &row, "SELECT snapshot, updated_at FROM feed_state WHERE state_key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state %q: %w", key, err)
	}
	var state feedsync.SavedState
	if err := json.Unmarshal([]byte(row.Snapshot), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *SQLiteStore) Save(key string, state *feedsync.SavedState) error {
	if state == nil {
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feed_state (state_key, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		key, string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save state %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
