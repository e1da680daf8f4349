// Package profilestore persists extracted profiles in an external table keyed
// by user id. The relay only ever calls [Store.Upsert] with the fields it
// actually collected, so an upsert never clears a column that a previous
// conversation filled in.
//
// Two backends are provided: [PostgresStore] for deployments (the table is
// compatible with a Supabase "profiles" table) and [SQLiteStore] for local
// development. [Noop] is used when no backend is configured.
package profilestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/centrum-dating/centrum/internal/session"
)

// Backend names accepted by [Open].
const (
	BackendNone     = ""
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Record is a stored profile.
type Record struct {
	UserID    string          `json:"user_id"`
	Profile   session.Profile `json:"profile"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is the external profile store contract.
type Store interface {
	// Upsert writes the given fields for userID, inserting the row if needed.
	// Columns not named in fields are left as they are.
	Upsert(ctx context.Context, userID string, fields map[string]any) (*Record, error)

	// Get returns the profile for userID, or (nil, nil) if none exists.
	Get(ctx context.Context, userID string) (*Record, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend     string
	PostgresDSN string
	SQLitePath  string
}

// Open creates the configured backend and ensures its schema exists.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendNone:
		return Noop{}, nil
	case BackendPostgres:
		return NewPostgres(ctx, opts.PostgresDSN)
	case BackendSQLite:
		return NewSQLite(opts.SQLitePath)
	}
	return nil, fmt.Errorf("profilestore: unknown backend %q", opts.Backend)
}

// Noop discards upserts. It is used when no profile backend is configured.
type Noop struct{}

var _ Store = Noop{}

// Upsert implements [Store]. It persists nothing and returns (nil, nil).
func (Noop) Upsert(_ context.Context, userID string, fields map[string]any) (*Record, error) {
	slog.Debug("profile store disabled, skipping upsert", "user_id", userID, "fields", len(fields))
	return nil, nil
}

// Get implements [Store].
func (Noop) Get(context.Context, string) (*Record, error) { return nil, nil }

// Ping implements [Store].
func (Noop) Ping(context.Context) error { return nil }

// Close implements [Store].
func (Noop) Close() error { return nil }

// column is one profile column bound in an upsert.
type column struct {
	name  string
	value any
}

// profileColumns maps profile fields to column values in canonical order.
// List fields are encoded as JSON. Unknown keys are rejected so that column
// names in generated SQL only ever come from [session.ProfileFields].
func profileColumns(fields map[string]any) ([]column, error) {
	known := make(map[string]bool, len(session.ProfileFields))
	for _, f := range session.ProfileFields {
		known[f] = true
	}
	for k := range fields {
		if !known[k] {
			return nil, fmt.Errorf("profilestore: unknown profile field %q", k)
		}
	}

	cols := make([]column, 0, len(fields))
	for _, name := range session.ProfileFields {
		v, ok := fields[name]
		if !ok || v == nil {
			continue
		}
		switch name {
		case session.FieldInterests, session.FieldFunFacts:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("profilestore: marshal %s: %w", name, err)
			}
			v = data
		}
		cols = append(cols, column{name: name, value: v})
	}
	return cols, nil
}

// profileRow holds nullable column values scanned from either backend.
type profileRow struct {
	userID            string
	name              *string
	age               *int
	location          *string
	occupation        *string
	interests         []byte
	funFacts          []byte
	aboutMe           *string
	lookingFor        *string
	idealPartner      *string
	conversationStyle *string
	createdAt         time.Time
	updatedAt         time.Time
}

// selectColumns is the column list shared by every SELECT / RETURNING clause;
// it matches the order of [profileRow.dest].
const selectColumns = `user_id, name, age, location, occupation, interests, fun_facts,
	about_me, looking_for, ideal_partner, conversation_style, created_at, updated_at`

func (r *profileRow) dest() []any {
	return []any{
		&r.userID, &r.name, &r.age, &r.location, &r.occupation, &r.interests, &r.funFacts,
		&r.aboutMe, &r.lookingFor, &r.idealPartner, &r.conversationStyle, &r.createdAt, &r.updatedAt,
	}
}

func (r *profileRow) record() (*Record, error) {
	rec := &Record{
		UserID: r.userID,
		Profile: session.Profile{
			Name:              r.name,
			Age:               r.age,
			Location:          r.location,
			Occupation:        r.occupation,
			AboutMe:           r.aboutMe,
			LookingFor:        r.lookingFor,
			IdealPartner:      r.idealPartner,
			ConversationStyle: r.conversationStyle,
		},
		CreatedAt: r.createdAt,
		UpdatedAt: r.updatedAt,
	}
	if len(r.interests) > 0 {
		if err := json.Unmarshal(r.interests, &rec.Profile.Interests); err != nil {
			return nil, fmt.Errorf("profilestore: unmarshal interests: %w", err)
		}
	}
	if len(r.funFacts) > 0 {
		if err := json.Unmarshal(r.funFacts, &rec.Profile.FunFacts); err != nil {
			return nil, fmt.Errorf("profilestore: unmarshal fun_facts: %w", err)
		}
	}
	return rec, nil
}
