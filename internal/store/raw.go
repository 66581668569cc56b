// Package store provides the PostgreSQL-backed implementations of the
// pipeline's external interfaces: the raw archival store (read-only), the
// enriched document store, and the onion derived store.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/assadOW2/grimoirelab-elk/internal/enrich"
	"github.com/assadOW2/grimoirelab-elk/pkg/postgres"
)

const defaultPageSize = 500

// RawPostgres reads archived items from the raw_items table. It never
// writes; archival is owned by the collection process.
type RawPostgres struct {
	db       *postgres.Client
	pageSize int
	logger   *slog.Logger
}

// NewRawPostgres creates the raw store reader.
func NewRawPostgres(db *postgres.Client) *RawPostgres {
	return &RawPostgres{
		db:       db,
		pageSize: defaultPageSize,
		logger:   slog.Default().With("component", "raw-store"),
	}
}

// Fetch streams raw items for one backend in (metadata__timestamp, uuid)
// order, paginated with a keyset cursor. When since is non-nil only items
// with metadata__timestamp strictly greater than it are returned.
func (s *RawPostgres) Fetch(ctx context.Context, backend string, since *time.Time, fn func(enrich.RawItem) error) error {
	var lastTS time.Time
	var lastUUID string
	first := true

	for {
		query := `SELECT uuid, origin, metadata__updated_on, metadata__timestamp, data
			FROM raw_items WHERE backend = $1`
		args := []any{backend}
		switch {
		case first && since != nil:
			query += ` AND metadata__timestamp > $2`
			args = append(args, *since)
		case !first:
			query += ` AND (metadata__timestamp, uuid) > ($2, $3)`
			args = append(args, lastTS, lastUUID)
		}
		query += fmt.Sprintf(` ORDER BY metadata__timestamp, uuid LIMIT %d`, s.pageSize)

		rows, err := s.db.DB.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("querying raw items: %w", err)
		}

		count := 0
		for rows.Next() {
			var item enrich.RawItem
			if err := rows.Scan(&item.UUID, &item.Origin, &item.MetadataUpdatedOn,
				&item.MetadataTimestamp, &item.Data); err != nil {
				rows.Close()
				return fmt.Errorf("scanning raw item: %w", err)
			}
			lastTS = item.MetadataTimestamp
			lastUUID = item.UUID
			count++
			if err := fn(item); err != nil {
				rows.Close()
				return err
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterating raw items: %w", err)
		}
		rows.Close()

		if count < s.pageSize {
			return nil
		}
		first = false
	}
}
