package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

// Store is a sqlite-backed dead-letter journal
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Entry is one undelivered message
type Entry struct {
	ID                int64           `json:"id"`
	Queue             string          `json:"queue"`
	ClientID          string          `json:"client_id"`
	ClientOrderID     string          `json:"client_order_id"`
	Reason            string          `json:"reason"`
	PayloadJSON       json.RawMessage `json:"payload"`
	CreatedUnixMillis int64           `json:"created_unix_millis"`
}

// Open creates or opens the journal at path
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; sqlite serializes writes anyway
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// migrate creates the necessary tables
func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue TEXT NOT NULL,
			client_id TEXT NOT NULL,
			client_order_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_unix_millis INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_created
			ON dead_letters(created_unix_millis)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_client
			ON dead_letters(client_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return nil
}

// Record journals one undelivered message. payload is stored as JSON.
func (s *Store) Record(ctx context.Context, queue, clientID, clientOrderID, reason string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (queue, client_id, client_order_id, reason, payload_json, created_unix_millis)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		queue, clientID, clientOrderID, reason, string(data), s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

// ListRecent returns up to limit entries, newest first
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, queue, client_id, client_order_id, reason, payload_json, created_unix_millis
		 FROM dead_letters
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			payload string
		)
		if err := rows.Scan(&e.ID, &e.Queue, &e.ClientID, &e.ClientOrderID, &e.Reason, &payload, &e.CreatedUnixMillis); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		e.PayloadJSON = json.RawMessage(payload)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Count returns the number of journaled entries
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letters").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

// DeleteBefore removes entries created before cutoff and returns how many
// were removed
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM dead_letters WHERE created_unix_millis < ?",
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete dead letters: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}
