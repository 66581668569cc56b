// Package enrich implements the enrichment pipeline: raw archived items
// are fetched, mapped by a source connector, merged with resolved
// contributor identities and project metadata, and upserted into the
// output index in bounded batches.
package enrich

import (
	"context"
	"encoding/json"
	"time"

	"github.com/assadOW2/grimoirelab-elk/internal/identity"
)

// RawItem is one archived record from a source platform. Immutable once
// archived; the pipeline only reads it.
type RawItem struct {
	UUID              string          `json:"uuid"`
	Origin            string          `json:"origin"`
	MetadataUpdatedOn time.Time       `json:"metadata__updated_on"`
	MetadataTimestamp time.Time       `json:"metadata__timestamp"`
	Data              json.RawMessage `json:"data"`
}

// Document is an enriched, analytics-ready record keyed by the raw item's
// uuid. Connectors must emit an explicit nil for every field the source
// schema may omit; the output index schema is fixed-shape.
type Document map[string]any

// Keys every enriched document carries, set by the pipeline.
const (
	FieldUUID              = "uuid"
	FieldOrigin            = "origin"
	FieldMetadataUpdatedOn = "metadata__updated_on"
	FieldMetadataTimestamp = "metadata__timestamp"
	FieldMetadataEnriched  = "metadata__enriched_on"
	FieldCreationDate      = "grimoire_creation_date"
	FieldProject           = "project"
)

// FieldType declares how the output index analyzes a connector field.
type FieldType string

const (
	TypeText    FieldType = "text"
	TypeKeyword FieldType = "keyword"
	TypeDate    FieldType = "date"
	TypeLong    FieldType = "long"
	TypeBool    FieldType = "boolean"
)

// Connector adapts one data source to the pipeline. Both methods are pure:
// Identities never fails on absent optional fields, and Rich is a
// deterministic flattening of the raw payload (deterministic up to the
// clock substituted for still-open items).
type Connector interface {
	// Backend names the data source ("gitlab", "supybot").
	Backend() string

	// Roles lists the author-like roles this source may carry.
	Roles() []string

	// AuthorRole names the role whose identity populates the author_*
	// alias fields.
	AuthorRole() string

	// Identities extracts one descriptor per role present in the item,
	// skipping absent roles.
	Identities(item RawItem) map[string]identity.Descriptor

	// Rich flattens the item into a partial document. Resolved identities
	// are keyed by role and may be consulted for mapped fields.
	Rich(item RawItem, resolved map[string]identity.Canonical) (Document, error)

	// SchemaFragment declares the index-schema fragment merged into the
	// output index at pipeline start.
	SchemaFragment() map[string]FieldType
}

// RawStore is the read interface over the archival store. Fetch streams
// items in scan order, filtered to metadata__timestamp > since when since
// is non-nil, and stops early when fn returns an error.
type RawStore interface {
	Fetch(ctx context.Context, backend string, since *time.Time, fn func(RawItem) error) error
}

// FailedDoc identifies one document rejected during a bulk upsert.
type FailedDoc struct {
	UUID  string `json:"uuid"`
	Error string `json:"error"`
}

// BulkResult reports the outcome of one bulk upsert.
type BulkResult struct {
	Succeeded int
	Failed    []FailedDoc
}

// DocStore is the write interface over the output index. BulkUpsert is an
// upsert keyed by document uuid: per-document failures are enumerated in
// the result, while a returned error means the whole call must be retried.
type DocStore interface {
	EnsureSchema(ctx context.Context, index string, fragment map[string]FieldType) error
	BulkUpsert(ctx context.Context, index string, docs []Document) (BulkResult, error)
	MaxTimestamp(ctx context.Context, index string) (*time.Time, error)
	Fetch(ctx context.Context, index string, fn func(Document) error) error
	MergeFields(ctx context.Context, index string, uuid string, fields Document) error
}

// ProjectMap resolves an origin locator to a project name. Read-only.
type ProjectMap interface {
	Lookup(origin string) (string, bool)
}

// FailedItem identifies one raw item that permanently failed in a run.
type FailedItem struct {
	UUID  string `json:"uuid"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// Report summarises one pipeline run. Enriched always equals Fetched minus
// the number of failed items.
type Report struct {
	Backend  string       `json:"backend"`
	Fetched  int          `json:"fetched"`
	Enriched int          `json:"enriched"`
	Failed   []FailedItem `json:"failed"`
}
