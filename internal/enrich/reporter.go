package enrich

import (
	"context"
	"log/slog"
	"time"

	"github.com/assadOW2/grimoirelab-elk/pkg/kafka"
)

// RunReportEvent is published once per completed run.
type RunReportEvent struct {
	Backend  string    `json:"backend"`
	Fetched  int       `json:"fetched"`
	Enriched int       `json:"enriched"`
	Failed   int       `json:"failed"`
	FiredAt  time.Time `json:"fired_at"`
}

// FlushEvent is published after each batch flush.
type FlushEvent struct {
	Backend   string      `json:"backend"`
	Succeeded int         `json:"succeeded"`
	Failed    []FailedDoc `json:"failed"`
	FiredAt   time.Time   `json:"fired_at"`
}

// Reporter publishes run progress to Kafka. All methods are nil-receiver
// safe; a nil Reporter disables reporting. Publishing is best-effort and
// never fails the run.
type Reporter struct {
	runs     *kafka.Producer
	failures *kafka.Producer
	logger   *slog.Logger
}

// NewReporter wires the run-report and failed-item producers.
func NewReporter(runs, failures *kafka.Producer) *Reporter {
	return &Reporter{
		runs:     runs,
		failures: failures,
		logger:   slog.Default().With("component", "enrich-reporter"),
	}
}

// PublishReport emits the final run summary and one record per failed item.
func (r *Reporter) PublishReport(ctx context.Context, report Report) {
	if r == nil {
		return
	}
	event := RunReportEvent{
		Backend:  report.Backend,
		Fetched:  report.Fetched,
		Enriched: report.Enriched,
		Failed:   len(report.Failed),
		FiredAt:  time.Now().UTC(),
	}
	if err := r.runs.Publish(ctx, kafka.Event{Key: report.Backend, Value: event}); err != nil {
		r.logger.Warn("run report publish failed", "error", err)
	}
	if len(report.Failed) == 0 {
		return
	}
	events := make([]kafka.Event, 0, len(report.Failed))
	for _, f := range report.Failed {
		events = append(events, kafka.Event{Key: f.UUID, Value: f})
	}
	if err := r.failures.PublishBatch(ctx, events); err != nil {
		r.logger.Warn("failed-item publish failed", "count", len(events), "error", err)
	}
}

// PublishFlush emits one event per batch flush.
func (r *Reporter) PublishFlush(ctx context.Context, backend string, result BulkResult) {
	if r == nil {
		return
	}
	event := FlushEvent{
		Backend:   backend,
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
		FiredAt:   time.Now().UTC(),
	}
	if err := r.runs.Publish(ctx, kafka.Event{Key: backend, Value: event}); err != nil {
		r.logger.Warn("flush event publish failed", "error", err)
	}
}
