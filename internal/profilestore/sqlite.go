package profilestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS profiles (
    user_id            TEXT PRIMARY KEY,
    name               TEXT,
    age                INTEGER,
    location           TEXT,
    occupation         TEXT,
    interests          TEXT,
    fun_facts          TEXT,
    about_me           TEXT,
    looking_for        TEXT,
    ideal_partner      TEXT,
    conversation_style TEXT,
    created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// SQLiteStore is a [Store] backed by a local SQLite file, intended for
// development without a PostgreSQL instance.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens (creating if needed) the database at path and initialises
// the profiles table.
func NewSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("profilestore: sqlite path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("profilestore: create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("profilestore: open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the profiles table if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("profilestore: migrate sqlite: %w", err)
	}
	return nil
}

// Upsert implements [Store].
func (s *SQLiteStore) Upsert(ctx context.Context, userID string, fields map[string]any) (*Record, error) {
	if userID == "" {
		return nil, errors.New("profilestore: user id must not be empty")
	}
	cols, err := profileColumns(fields)
	if err != nil {
		return nil, err
	}

	names := []string{"user_id"}
	placeholders := []string{"?"}
	updates := make([]string, 0, len(cols)+1)
	args := []any{userID}
	for _, c := range cols {
		v := c.value
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		names = append(names, c.name)
		placeholders = append(placeholders, "?")
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c.name, c.name))
		args = append(args, v)
	}
	updates = append(updates, "updated_at = CURRENT_TIMESTAMP")

	query := fmt.Sprintf(`INSERT INTO profiles (%s) VALUES (%s)
		ON CONFLICT(user_id) DO UPDATE SET %s`,
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("profilestore: upsert %q: %w", userID, err)
	}

	rec, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("profilestore: upsert %q: row missing after write", userID)
	}
	return rec, nil
}

// Get implements [Store].
func (s *SQLiteStore) Get(ctx context.Context, userID string) (*Record, error) {
	query := `SELECT ` + selectColumns + ` FROM profiles WHERE user_id = ?`

	var row profileRow
	err := s.db.QueryRowContext(ctx, query, userID).Scan(row.dest()...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("profilestore: get %q: %w", userID, err)
	}
	return row.record()
}

// Ping implements [Store].
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [Store].
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
