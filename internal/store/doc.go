package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/assadOW2/grimoirelab-elk/internal/enrich"
	pkgerrors "github.com/assadOW2/grimoirelab-elk/pkg/errors"
	"github.com/assadOW2/grimoirelab-elk/pkg/postgres"
)

// DocPostgres stores enriched documents in the enriched_items table, keyed
// by (index_name, uuid) with last-write-wins upsert semantics.
type DocPostgres struct {
	db       *postgres.Client
	pageSize int
	logger   *slog.Logger
}

// NewDocPostgres creates the enriched document store.
func NewDocPostgres(db *postgres.Client) *DocPostgres {
	return &DocPostgres{
		db:       db,
		pageSize: defaultPageSize,
		logger:   slog.Default().With("component", "doc-store"),
	}
}

// EnsureSchema registers the connector's schema fragment for an index. A
// field already registered with a different type is a schema conflict and
// fails before any document is written.
func (s *DocPostgres) EnsureSchema(ctx context.Context, index string, fragment map[string]enrich.FieldType) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		for field, ftype := range fragment {
			var existing string
			err := tx.QueryRowContext(ctx,
				`SELECT field_type FROM index_mappings WHERE index_name = $1 AND field = $2`,
				index, field,
			).Scan(&existing)
			switch {
			case err == sql.ErrNoRows:
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO index_mappings (index_name, field, field_type) VALUES ($1, $2, $3)`,
					index, field, string(ftype),
				); err != nil {
					return fmt.Errorf("registering mapping %s.%s: %w", index, field, err)
				}
			case err != nil:
				return fmt.Errorf("reading mapping %s.%s: %w", index, field, err)
			case existing != string(ftype):
				return fmt.Errorf("%w: field %s is %s, connector declares %s",
					pkgerrors.ErrSchemaConflict, field, existing, ftype)
			}
		}
		return nil
	})
}

// BulkUpsert writes documents with upsert-by-uuid semantics. Per-document
// failures are enumerated in the result; a returned error means the store
// itself failed and the whole call should be retried.
func (s *DocPostgres) BulkUpsert(ctx context.Context, index string, docs []enrich.Document) (enrich.BulkResult, error) {
	var result enrich.BulkResult
	for _, doc := range docs {
		uuid, _ := doc[enrich.FieldUUID].(string)
		if uuid == "" {
			result.Failed = append(result.Failed, enrich.FailedDoc{
				UUID:  uuid,
				Error: "document has no uuid",
			})
			continue
		}
		origin, _ := doc[enrich.FieldOrigin].(string)
		ts, err := docTimestamp(doc)
		if err != nil {
			result.Failed = append(result.Failed, enrich.FailedDoc{UUID: uuid, Error: err.Error()})
			continue
		}
		payload, err := json.Marshal(doc)
		if err != nil {
			result.Failed = append(result.Failed, enrich.FailedDoc{
				UUID:  uuid,
				Error: fmt.Sprintf("marshaling document: %v", err),
			})
			continue
		}

		_, err = s.db.DB.ExecContext(ctx,
			`INSERT INTO enriched_items (index_name, uuid, origin, metadata__timestamp, doc)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (index_name, uuid)
			 DO UPDATE SET origin = EXCLUDED.origin,
			               metadata__timestamp = EXCLUDED.metadata__timestamp,
			               doc = EXCLUDED.doc`,
			index, uuid, origin, ts, payload,
		)
		if err != nil {
			result.Failed = append(result.Failed, enrich.FailedDoc{UUID: uuid, Error: err.Error()})
			continue
		}
		result.Succeeded++
	}

	// Every document rejected on a non-empty batch points at the store
	// being down rather than at the documents.
	if len(docs) > 0 && result.Succeeded == 0 && len(result.Failed) == len(docs) {
		if err := s.db.Ping(ctx); err != nil {
			return enrich.BulkResult{}, pkgerrors.Transient(fmt.Errorf("document store unreachable: %w", err))
		}
	}
	return result, nil
}

// MaxTimestamp returns the newest metadata__timestamp stored for an index,
// or nil when the index is empty. Used as the incremental cursor.
func (s *DocPostgres) MaxTimestamp(ctx context.Context, index string) (*time.Time, error) {
	var ts sql.NullTime
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT MAX(metadata__timestamp) FROM enriched_items WHERE index_name = $1`,
		index,
	).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("querying max timestamp for %s: %w", index, err)
	}
	if !ts.Valid {
		return nil, nil
	}
	t := ts.Time
	return &t, nil
}

// Fetch streams every document of an index in uuid order.
func (s *DocPostgres) Fetch(ctx context.Context, index string, fn func(enrich.Document) error) error {
	lastUUID := ""
	for {
		rows, err := s.db.DB.QueryContext(ctx,
			fmt.Sprintf(`SELECT uuid, doc FROM enriched_items
				WHERE index_name = $1 AND uuid > $2
				ORDER BY uuid LIMIT %d`, s.pageSize),
			index, lastUUID,
		)
		if err != nil {
			return fmt.Errorf("querying documents of %s: %w", index, err)
		}

		count := 0
		for rows.Next() {
			var uuid string
			var payload []byte
			if err := rows.Scan(&uuid, &payload); err != nil {
				rows.Close()
				return fmt.Errorf("scanning document: %w", err)
			}
			var doc enrich.Document
			if err := json.Unmarshal(payload, &doc); err != nil {
				rows.Close()
				return fmt.Errorf("unmarshaling document %s: %w", uuid, err)
			}
			lastUUID = uuid
			count++
			if err := fn(doc); err != nil {
				rows.Close()
				return err
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterating documents of %s: %w", index, err)
		}
		rows.Close()

		if count < s.pageSize {
			return nil
		}
	}
}

// MergeFields shallow-merges fields into a stored document. Unknown uuids
// are a no-op: items that failed enrichment have no document to refresh.
func (s *DocPostgres) MergeFields(ctx context.Context, index string, uuid string, fields enrich.Document) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshaling merge fields: %w", err)
	}
	_, err = s.db.DB.ExecContext(ctx,
		`UPDATE enriched_items SET doc = doc || $3::jsonb
		 WHERE index_name = $1 AND uuid = $2`,
		index, uuid, payload,
	)
	if err != nil {
		return fmt.Errorf("merging fields into %s/%s: %w", index, uuid, err)
	}
	return nil
}

func docTimestamp(doc enrich.Document) (time.Time, error) {
	raw, _ := doc[enrich.FieldMetadataTimestamp].(string)
	if raw == "" {
		return time.Time{}, fmt.Errorf("document has no %s", enrich.FieldMetadataTimestamp)
	}
	ts, ok := enrich.ParseRawTime(raw)
	if !ok {
		return time.Time{}, fmt.Errorf("unparseable %s %q", enrich.FieldMetadataTimestamp, raw)
	}
	return ts, nil
}
