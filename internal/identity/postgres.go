package identity

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/assadOW2/grimoirelab-elk/pkg/postgres"
	"github.com/google/uuid"
)

// PostgresStore implements Store against the identities and enrollments
// tables. It only ever reads existing identities or appends new ones; the
// pipeline never mutates records the store already holds.
type PostgresStore struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewPostgresStore creates the PostgreSQL-backed identity store.
func NewPostgresStore(db *postgres.Client) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "identity-store"),
	}
}

// LookupOrCreate finds the canonical identity for the descriptor's
// (username, email, name) triple, creating and persisting a new one on a
// miss. Creation races with concurrent runs are resolved by the unique
// triple index: the loser re-reads the winner's row.
func (s *PostgresStore) LookupOrCreate(ctx context.Context, d Descriptor) (Canonical, error) {
	found, err := s.lookup(ctx, d)
	if err == nil {
		return found, nil
	}
	if err != sql.ErrNoRows {
		return Canonical{}, fmt.Errorf("looking up identity %s: %w", d, err)
	}

	newID := uuid.NewString()
	res, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO identities (uuid, username, email, name)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (COALESCE(username, ''), COALESCE(email, ''), COALESCE(name, ''))
		 DO NOTHING`,
		newID, d.Username, d.Email, d.Name,
	)
	if err != nil {
		return Canonical{}, fmt.Errorf("creating identity %s: %w", d, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Another writer created the row between lookup and insert.
		return s.lookup(ctx, d)
	}

	s.logger.Debug("identity created", "uuid", newID, "descriptor", d.String())
	return Canonical{
		UUID:     newID,
		Name:     deref(d.Name),
		Username: deref(d.Username),
		Email:    deref(d.Email),
	}, nil
}

func (s *PostgresStore) lookup(ctx context.Context, d Descriptor) (Canonical, error) {
	var c Canonical
	var username, email, name sql.NullString
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT uuid, username, email, name FROM identities
		 WHERE COALESCE(username, '') = COALESCE($1, '')
		   AND COALESCE(email, '')    = COALESCE($2, '')
		   AND COALESCE(name, '')     = COALESCE($3, '')`,
		d.Username, d.Email, d.Name,
	).Scan(&c.UUID, &username, &email, &name)
	if err != nil {
		return Canonical{}, err
	}
	c.Username = username.String
	c.Email = email.String
	c.Name = name.String
	return c, nil
}

// Organization returns the first enrollment recorded for an identity, or
// the empty string when it has none.
func (s *PostgresStore) Organization(ctx context.Context, id string) (string, error) {
	var org string
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT organization FROM enrollments
		 WHERE identity_uuid = $1
		 ORDER BY organization
		 LIMIT 1`,
		id,
	).Scan(&org)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying enrollment for %s: %w", id, err)
	}
	return org, nil
}
