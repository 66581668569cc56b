package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/assadOW2/grimoirelab-elk/internal/enrich"
	"github.com/assadOW2/grimoirelab-elk/internal/onion"
	"github.com/assadOW2/grimoirelab-elk/pkg/postgres"
)

// Doc field names come from configuration; restrict them before they are
// interpolated into JSONB path expressions.
var fieldNameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// OnionPostgres implements onion.Reader over the enriched document store
// and onion.Store over the onion_records and onion_watermarks tables.
type OnionPostgres struct {
	db       *postgres.Client
	pageSize int
	logger   *slog.Logger
}

// NewOnionPostgres creates the derived-store backend.
func NewOnionPostgres(db *postgres.Client) *OnionPostgres {
	return &OnionPostgres{
		db:       db,
		pageSize: defaultPageSize,
		logger:   slog.Default().With("component", "onion-store"),
	}
}

// Contributions streams (contributor, timeframe, sort value) tuples from
// the input index, restricted to sort values strictly past since.
func (s *OnionPostgres) Contributions(ctx context.Context, spec onion.Spec, since *time.Time, fn func(onion.Contribution) error) error {
	for _, f := range []string{spec.ContribsField, spec.TimeframeField, spec.SortOnField} {
		if !fieldNameRe.MatchString(f) {
			return fmt.Errorf("invalid study field name %q", f)
		}
	}

	query := fmt.Sprintf(
		`SELECT COALESCE(doc->>'%s', ''), COALESCE(doc->>'%s', ''), COALESCE(doc->>'%s', '')
		 FROM enriched_items WHERE index_name = $1`,
		spec.ContribsField, spec.TimeframeField, spec.SortOnField,
	)
	args := []any{spec.InIndex}
	if since != nil {
		query += fmt.Sprintf(` AND (doc->>'%s')::timestamptz > $2`, spec.SortOnField)
		args = append(args, *since)
	}
	query += fmt.Sprintf(` ORDER BY (doc->>'%s')::timestamptz`, spec.SortOnField)

	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("querying contributions from %s: %w", spec.InIndex, err)
	}
	defer rows.Close()

	for rows.Next() {
		var contrib, timeframe, sortVal string
		if err := rows.Scan(&contrib, &timeframe, &sortVal); err != nil {
			return fmt.Errorf("scanning contribution: %w", err)
		}
		tf, ok := enrich.ParseRawTime(timeframe)
		if !ok {
			s.logger.Warn("skipping document with unparseable timeframe",
				"in_index", spec.InIndex,
				"value", timeframe,
			)
			continue
		}
		sv, ok := enrich.ParseRawTime(sortVal)
		if !ok {
			s.logger.Warn("skipping document with unparseable sort value",
				"in_index", spec.InIndex,
				"value", sortVal,
			)
			continue
		}
		if err := fn(onion.Contribution{
			ContributorUUID: contrib,
			Timeframe:       tf,
			SortValue:       sv,
		}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Watermark returns the last recorded incremental cursor for an
// (out index, data source) pair, or nil when the study never ran.
func (s *OnionPostgres) Watermark(ctx context.Context, outIndex, dataSource string) (*time.Time, error) {
	var wm time.Time
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT watermark FROM onion_watermarks WHERE out_index = $1 AND data_source = $2`,
		outIndex, dataSource,
	).Scan(&wm)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying watermark %s/%s: %w", outIndex, dataSource, err)
	}
	return &wm, nil
}

// SetWatermark records the incremental cursor for a pair.
func (s *OnionPostgres) SetWatermark(ctx context.Context, outIndex, dataSource string, t time.Time) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO onion_watermarks (out_index, data_source, watermark)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (out_index, data_source) DO UPDATE SET watermark = EXCLUDED.watermark`,
		outIndex, dataSource, t,
	)
	if err != nil {
		return fmt.Errorf("setting watermark %s/%s: %w", outIndex, dataSource, err)
	}
	return nil
}

// AddCounts adds delta counts to the cumulative counters, creating rows
// for new (contributor, timeframe) keys. The whole delta applies in one
// transaction.
func (s *OnionPostgres) AddCounts(ctx context.Context, outIndex, dataSource string, counts map[onion.BucketKey]int64) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		for key, delta := range counts {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO onion_records
					(out_index, data_source, contributor_uuid, timeframe_start, timeframe_end, cumulative_count)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (out_index, data_source, contributor_uuid, timeframe_start)
				 DO UPDATE SET cumulative_count = onion_records.cumulative_count + EXCLUDED.cumulative_count`,
				outIndex, dataSource, key.ContributorUUID,
				key.Start, onion.QuarterEnd(key.Start), delta,
			)
			if err != nil {
				return fmt.Errorf("upserting onion record %s@%s: %w",
					key.ContributorUUID, key.Start.Format("2006-01-02"), err)
			}
		}
		return nil
	})
}

// Truncate removes every derived record and the watermark for a pair,
// ahead of a full recompute.
func (s *OnionPostgres) Truncate(ctx context.Context, outIndex, dataSource string) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM onion_records WHERE out_index = $1 AND data_source = $2`,
			outIndex, dataSource,
		); err != nil {
			return fmt.Errorf("truncating onion records %s/%s: %w", outIndex, dataSource, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM onion_watermarks WHERE out_index = $1 AND data_source = $2`,
			outIndex, dataSource,
		); err != nil {
			return fmt.Errorf("resetting watermark %s/%s: %w", outIndex, dataSource, err)
		}
		return nil
	})
}
