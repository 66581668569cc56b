// Package onion computes a derived time series of cumulative contributor
// activity from an already-enriched index, incrementally: each run only
// reads documents past the last recorded watermark and adds their counts
// to the affected time buckets.
package onion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/assadOW2/grimoirelab-elk/pkg/config"
	"github.com/assadOW2/grimoirelab-elk/pkg/metrics"
)

// Spec configures one study pass over one (input index, data source) pair.
type Spec struct {
	InIndex        string
	OutIndex       string
	DataSource     string
	ContribsField  string
	TimeframeField string
	SortOnField    string
	NoIncremental  bool
}

// SpecFromConfig fills a Spec from config, applying field defaults.
func SpecFromConfig(c config.OnionStudyConfig) Spec {
	s := Spec{
		InIndex:        c.InIndex,
		OutIndex:       c.OutIndex,
		DataSource:     c.DataSource,
		ContribsField:  c.ContribsField,
		TimeframeField: c.TimeframeField,
		SortOnField:    c.SortOnField,
		NoIncremental:  c.NoIncremental,
	}
	if s.ContribsField == "" {
		s.ContribsField = "uuid"
	}
	if s.TimeframeField == "" {
		s.TimeframeField = "grimoire_creation_date"
	}
	if s.SortOnField == "" {
		s.SortOnField = "metadata__timestamp"
	}
	return s
}

// Contribution is one contributor event read from the enriched index.
type Contribution struct {
	ContributorUUID string
	Timeframe       time.Time
	SortValue       time.Time
}

// Reader streams contributions from the enriched input index, restricted
// to sort values strictly greater than since when since is non-nil.
type Reader interface {
	Contributions(ctx context.Context, spec Spec, since *time.Time, fn func(Contribution) error) error
}

// BucketKey identifies one derived record: a contributor in a timeframe.
type BucketKey struct {
	ContributorUUID string
	Start           time.Time
}

// Store persists the derived records and the per-(index, source) watermark.
// AddCounts adds to existing cumulative counters (upsert-by-key); it never
// replaces them.
type Store interface {
	Watermark(ctx context.Context, outIndex, dataSource string) (*time.Time, error)
	SetWatermark(ctx context.Context, outIndex, dataSource string, t time.Time) error
	AddCounts(ctx context.Context, outIndex, dataSource string, counts map[BucketKey]int64) error
	Truncate(ctx context.Context, outIndex, dataSource string) error
}

// Study runs onion passes against a Reader and a Store.
type Study struct {
	reader  Reader
	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewStudy creates a Study. Metrics may be nil.
func NewStudy(reader Reader, store Store, m *metrics.Metrics) *Study {
	return &Study{
		reader:  reader,
		store:   store,
		metrics: m,
		logger:  slog.Default().With("component", "onion-study"),
	}
}

// Run executes one pass and returns the number of derived records created
// or updated. Incremental mode reads only documents past the watermark and
// is a no-op when nothing new arrived; full mode truncates the data source
// and recomputes from the whole input index.
func (s *Study) Run(ctx context.Context, spec Spec) (int, error) {
	var since *time.Time
	if spec.NoIncremental {
		if err := s.store.Truncate(ctx, spec.OutIndex, spec.DataSource); err != nil {
			return 0, fmt.Errorf("truncating %s/%s: %w", spec.OutIndex, spec.DataSource, err)
		}
	} else {
		wm, err := s.store.Watermark(ctx, spec.OutIndex, spec.DataSource)
		if err != nil {
			return 0, fmt.Errorf("reading watermark for %s/%s: %w", spec.OutIndex, spec.DataSource, err)
		}
		since = wm
	}

	counts := make(map[BucketKey]int64)
	var maxSort time.Time
	processed := 0
	err := s.reader.Contributions(ctx, spec, since, func(c Contribution) error {
		processed++
		if s.metrics != nil {
			s.metrics.OnionDocsProcessed.WithLabelValues(spec.DataSource).Inc()
		}
		if c.SortValue.After(maxSort) {
			maxSort = c.SortValue
		}
		if c.ContributorUUID == "" {
			return nil
		}
		counts[BucketKey{ContributorUUID: c.ContributorUUID, Start: QuarterStart(c.Timeframe)}]++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reading contributions from %s: %w", spec.InIndex, err)
	}

	if processed == 0 {
		s.logger.Info("no new documents, study is a no-op",
			"in_index", spec.InIndex,
			"data_source", spec.DataSource,
		)
		return 0, nil
	}

	if len(counts) > 0 {
		if err := s.store.AddCounts(ctx, spec.OutIndex, spec.DataSource, counts); err != nil {
			return 0, fmt.Errorf("upserting onion records for %s/%s: %w", spec.OutIndex, spec.DataSource, err)
		}
		if s.metrics != nil {
			s.metrics.OnionRecordsUpdated.WithLabelValues(spec.DataSource).Add(float64(len(counts)))
		}
	}

	// The watermark only ever moves forward.
	if !maxSort.IsZero() && (since == nil || maxSort.After(*since)) {
		if err := s.store.SetWatermark(ctx, spec.OutIndex, spec.DataSource, maxSort); err != nil {
			return 0, fmt.Errorf("advancing watermark for %s/%s: %w", spec.OutIndex, spec.DataSource, err)
		}
	}

	s.logger.Info("study finished",
		"data_source", spec.DataSource,
		"docs", processed,
		"records_updated", len(counts),
		"watermark", maxSort,
	)
	return len(counts), nil
}

// RunAll executes every spec independently. A failing spec never blocks
// the remaining ones; the returned error joins all per-spec failures and
// the map reports the records updated for each data source that ran.
func (s *Study) RunAll(ctx context.Context, specs []Spec) (map[string]int, error) {
	results := make(map[string]int, len(specs))
	var errs []error
	for _, spec := range specs {
		updated, err := s.Run(ctx, spec)
		if err != nil {
			s.logger.Error("study failed", "data_source", spec.DataSource, "error", err)
			errs = append(errs, fmt.Errorf("study %s: %w", spec.DataSource, err))
			continue
		}
		results[spec.DataSource] = updated
	}
	return results, errors.Join(errs...)
}

// QuarterStart truncates t to the start of its calendar quarter, the
// timeframe granularity of the derived index.
func QuarterStart(t time.Time) time.Time {
	t = t.UTC()
	month := time.Month(((int(t.Month())-1)/3)*3 + 1)
	return time.Date(t.Year(), month, 1, 0, 0, 0, 0, time.UTC)
}

// QuarterEnd returns the exclusive end of the quarter starting at start.
func QuarterEnd(start time.Time) time.Time {
	return start.AddDate(0, 3, 0)
}
