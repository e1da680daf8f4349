package profilestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the profiles table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS profiles (
    user_id            TEXT PRIMARY KEY,
    name               TEXT,
    age                INTEGER,
    location           TEXT,
    occupation         TEXT,
    interests          JSONB,
    fun_facts          JSONB,
    about_me           TEXT,
    looking_for        TEXT,
    ideal_partner      TEXT,
    conversation_style TEXT,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db   DB
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing connection or pool. The caller owns db
// and is responsible for running [PostgresStore.Migrate].
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgres connects a pool to dsn, pings it, and migrates the schema.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("profilestore: postgres dsn must not be empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("profilestore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("profilestore: ping: %w", err)
	}
	s := &PostgresStore{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [Schema].
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("profilestore: migrate: %w", err)
	}
	return nil
}

// Upsert implements [Store]. Only the columns present in fields appear in
// the INSERT and in the ON CONFLICT update list.
func (s *PostgresStore) Upsert(ctx context.Context, userID string, fields map[string]any) (*Record, error) {
	if userID == "" {
		return nil, errors.New("profilestore: user id must not be empty")
	}
	cols, err := profileColumns(fields)
	if err != nil {
		return nil, err
	}

	query, args := buildPostgresUpsert(userID, cols)
	var row profileRow
	if err := s.db.QueryRow(ctx, query, args...).Scan(row.dest()...); err != nil {
		return nil, fmt.Errorf("profilestore: upsert %q: %w", userID, err)
	}
	return row.record()
}

func buildPostgresUpsert(userID string, cols []column) (string, []any) {
	names := []string{"user_id"}
	placeholders := []string{"$1"}
	updates := make([]string, 0, len(cols)+1)
	args := []any{userID}

	for i, c := range cols {
		names = append(names, c.name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c.name, c.name))
		args = append(args, c.value)
	}
	updates = append(updates, "updated_at = now()")

	query := fmt.Sprintf(`
		INSERT INTO profiles (%s) VALUES (%s)
		ON CONFLICT (user_id) DO UPDATE SET %s
		RETURNING %s`,
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
		selectColumns,
	)
	return query, args
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, userID string) (*Record, error) {
	query := `SELECT ` + selectColumns + ` FROM profiles WHERE user_id = $1`

	var row profileRow
	err := s.db.QueryRow(ctx, query, userID).Scan(row.dest()...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("profilestore: get %q: %w", userID, err)
	}
	return row.record()
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close implements [Store]. It closes the pool only when the store created it.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
