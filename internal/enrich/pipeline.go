package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/assadOW2/grimoirelab-elk/internal/identity"
	"github.com/assadOW2/grimoirelab-elk/pkg/config"
	pkgerrors "github.com/assadOW2/grimoirelab-elk/pkg/errors"
	"github.com/assadOW2/grimoirelab-elk/pkg/metrics"
	"github.com/assadOW2/grimoirelab-elk/pkg/resilience"
	"golang.org/x/sync/errgroup"
)

// Pipeline drives one enrichment run: fetch, identity merge, project
// merge, field map, batched flush. A Pipeline is built per run; the
// resolver it holds is run-scoped.
type Pipeline struct {
	connector Connector
	raw       RawStore
	out       DocStore
	resolver  *identity.Resolver
	projects  ProjectMap
	reporter  *Reporter
	metrics   *metrics.Metrics
	cfg       config.EnrichConfig
	index     string
	now       func() time.Time
	logger    *slog.Logger
}

// Options wires a Pipeline. Projects, Reporter and Metrics are optional.
type Options struct {
	Connector Connector
	RawStore  RawStore
	DocStore  DocStore
	Resolver  *identity.Resolver
	Projects  ProjectMap
	Reporter  *Reporter
	Metrics   *metrics.Metrics
	Config    config.EnrichConfig
	OutIndex  string

	// Now substitutes the wall clock; nil means time.Now. Still-open items
	// derive time_open_days from it, so their documents change as it
	// advances. That is documented behavior, not a defect.
	Now func() time.Time
}

// NewPipeline creates a Pipeline for one run.
func NewPipeline(opts Options) *Pipeline {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Config.BatchSize <= 0 {
		opts.Config.BatchSize = 100
	}
	if opts.Config.ResolverWorkers <= 0 {
		opts.Config.ResolverWorkers = 4
	}
	return &Pipeline{
		connector: opts.Connector,
		raw:       opts.RawStore,
		out:       opts.DocStore,
		resolver:  opts.Resolver,
		projects:  opts.Projects,
		reporter:  opts.Reporter,
		metrics:   opts.Metrics,
		cfg:       opts.Config,
		index:     opts.OutIndex,
		now:       now,
		logger: slog.Default().With(
			"component", "enrich-pipeline",
			"backend", opts.Connector.Backend(),
		),
	}
}

// Run executes one full pass. The returned Report enumerates every failed
// item; Enriched equals Fetched minus the failures. A non-nil error means
// the run aborted (schema conflict, exhausted flush retries, mandatory
// identity resolution failure, or cancellation); batches flushed before
// the abort stay committed.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	report := Report{Backend: p.connector.Backend()}

	if err := p.out.EnsureSchema(ctx, p.index, p.connector.SchemaFragment()); err != nil {
		return report, fmt.Errorf("ensuring schema for %s: %w", p.index, err)
	}

	var since *time.Time
	if p.cfg.Incremental {
		ts, err := p.out.MaxTimestamp(ctx, p.index)
		if err != nil {
			return report, fmt.Errorf("reading incremental cursor for %s: %w", p.index, err)
		}
		since = ts
	}
	p.logger.Info("run started",
		"index", p.index,
		"incremental", p.cfg.Incremental,
		"batch_size", p.cfg.BatchSize,
	)

	batch := make([]RawItem, 0, p.cfg.BatchSize)
	err := p.raw.Fetch(ctx, p.connector.Backend(), since, func(item RawItem) error {
		report.Fetched++
		if p.metrics != nil {
			p.metrics.ItemsFetchedTotal.WithLabelValues(report.Backend).Inc()
		}
		batch = append(batch, item)
		if len(batch) >= p.cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := p.processBatch(ctx, batch, &report); err != nil {
				return err
			}
			batch = batch[:0]
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("enrichment run aborted: %w", err)
	}
	if len(batch) > 0 {
		if err := p.processBatch(ctx, batch, &report); err != nil {
			return report, fmt.Errorf("enrichment run aborted: %w", err)
		}
	}

	report.Enriched = report.Fetched - len(report.Failed)
	p.logger.Info("run finished",
		"fetched", report.Fetched,
		"enriched", report.Enriched,
		"failed", len(report.Failed),
	)
	p.reporter.PublishReport(ctx, report)
	return report, nil
}

// processBatch enriches one batch and flushes it. Item-scoped failures are
// appended to the report; the returned error is fatal for the run.
func (p *Pipeline) processBatch(ctx context.Context, items []RawItem, report *Report) error {
	docs := make([]Document, 0, len(items))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ResolverWorkers)
	for _, item := range items {
		item := item
		g.Go(func() error {
			doc, failed, err := p.enrichItem(gctx, item)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if failed != nil {
				report.Failed = append(report.Failed, *failed)
				if p.metrics != nil {
					p.metrics.ItemsFailedTotal.WithLabelValues(report.Backend, failed.Stage).Inc()
				}
				return nil
			}
			docs = append(docs, doc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	start := time.Now()
	var result BulkResult
	err := resilience.Retry(ctx, "batch-flush", resilience.RetryConfig{}, func() error {
		var ferr error
		result, ferr = p.out.BulkUpsert(ctx, p.index, docs)
		if ferr != nil && p.metrics != nil {
			p.metrics.BatchFlushRetries.Inc()
		}
		return ferr
	})
	if err != nil {
		return pkgerrors.Transient(err)
	}
	if p.metrics != nil {
		p.metrics.BatchFlushDuration.WithLabelValues(report.Backend).Observe(time.Since(start).Seconds())
		p.metrics.ItemsEnrichedTotal.WithLabelValues(report.Backend).Add(float64(result.Succeeded))
	}

	for _, f := range result.Failed {
		report.Failed = append(report.Failed, FailedItem{
			UUID:  f.UUID,
			Stage: "flush",
			Error: f.Error,
		})
		if p.metrics != nil {
			p.metrics.ItemsFailedTotal.WithLabelValues(report.Backend, "flush").Inc()
		}
	}
	p.reporter.PublishFlush(ctx, report.Backend, result)

	p.logger.Debug("batch flushed",
		"docs", len(docs),
		"succeeded", result.Succeeded,
		"failed", len(result.Failed),
	)
	return nil
}

// enrichItem builds the enriched document for one raw item. A non-nil
// FailedItem records an item-scoped failure; a non-nil error aborts the
// run (mandatory resolution failure or cancellation).
func (p *Pipeline) enrichItem(ctx context.Context, item RawItem) (Document, *FailedItem, error) {
	resolved, err := p.resolveRoles(ctx, item)
	if err != nil {
		return nil, nil, err
	}

	doc, err := p.connector.Rich(item, resolved)
	if err != nil {
		p.logger.Warn("mapping failed", "uuid", item.UUID, "error", err)
		return nil, &FailedItem{
			UUID:  item.UUID,
			Stage: "map",
			Error: pkgerrors.Mapping(err).Error(),
		}, nil
	}

	doc[FieldUUID] = item.UUID
	doc[FieldOrigin] = item.Origin
	doc[FieldMetadataUpdatedOn] = item.MetadataUpdatedOn.UTC().Format(time.RFC3339)
	doc[FieldMetadataTimestamp] = item.MetadataTimestamp.UTC().Format(time.RFC3339)
	doc[FieldMetadataEnriched] = p.now().UTC().Format(time.RFC3339)

	p.embedRoles(doc, resolved)
	if p.projects != nil {
		if name, ok := p.projects.Lookup(item.Origin); ok {
			doc[FieldProject] = name
		} else {
			doc[FieldProject] = nil
		}
	}
	return doc, nil, nil
}

// resolveRoles resolves every role descriptor present in the item. Store
// failures fall back to unmerged identities unless resolution is mandatory
// for the run.
func (p *Pipeline) resolveRoles(ctx context.Context, item RawItem) (map[string]identity.Canonical, error) {
	resolved := make(map[string]identity.Canonical)
	for role, d := range p.connector.Identities(item) {
		if d.Empty() {
			continue
		}
		c, err := p.resolver.Resolve(ctx, d)
		if err != nil {
			if p.cfg.IdentityRequired {
				return nil, fmt.Errorf("resolving %s for item %s: %w", role, item.UUID, err)
			}
			p.logger.Warn("identity resolution failed, using unmerged identity",
				"uuid", item.UUID,
				"role", role,
				"error", err,
			)
			c = identity.Unmerged(d)
		}
		c.OrgName = p.resolver.Organization(ctx, c.UUID)
		resolved[role] = c
	}
	return resolved, nil
}

// embedRoles flattens each resolved identity under its role prefix, and
// aliases the author role's identity under author_*. Raw login fields set
// by the connector stay untouched, so raw and canonical values remain
// independently queryable.
func (p *Pipeline) embedRoles(doc Document, resolved map[string]identity.Canonical) {
	for _, role := range p.connector.Roles() {
		prefix := strings.TrimSuffix(role, "_data")
		if c, ok := resolved[role]; ok {
			setIdentityFields(doc, prefix, c)
		} else {
			clearIdentityFields(doc, prefix)
		}
	}
	if c, ok := resolved[p.connector.AuthorRole()]; ok {
		setIdentityFields(doc, "author", c)
	} else {
		clearIdentityFields(doc, "author")
	}
}

func setIdentityFields(doc Document, prefix string, c identity.Canonical) {
	doc[prefix+"_uuid"] = c.UUID
	doc[prefix+"_name"] = nilIfEmpty(c.Name)
	doc[prefix+"_user_name"] = nilIfEmpty(c.Username)
	doc[prefix+"_domain"] = nilIfEmpty(emailDomain(c.Email))
	doc[prefix+"_org_name"] = nilIfEmpty(c.OrgName)
}

func clearIdentityFields(doc Document, prefix string) {
	doc[prefix+"_uuid"] = nil
	doc[prefix+"_name"] = nil
	doc[prefix+"_user_name"] = nil
	doc[prefix+"_domain"] = nil
	doc[prefix+"_org_name"] = nil
}

func emailDomain(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return email[i+1:]
	}
	return ""
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
