// Command enricher runs one enrichment pass for a configured data source:
// raw archived items are fetched from the raw store, mapped by the source
// connector, merged with resolved identities and project metadata, and
// upserted into the output index. The configured onion studies run
// afterwards over the enriched index.
//
// Usage:
//
//	go run ./cmd/enricher [-config configs/development.yaml] [-no-incremental]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/assadOW2/grimoirelab-elk/internal/connector/gitlab"
	"github.com/assadOW2/grimoirelab-elk/internal/connector/supybot"
	"github.com/assadOW2/grimoirelab-elk/internal/enrich"
	"github.com/assadOW2/grimoirelab-elk/internal/identity"
	"github.com/assadOW2/grimoirelab-elk/internal/onion"
	"github.com/assadOW2/grimoirelab-elk/internal/project"
	"github.com/assadOW2/grimoirelab-elk/internal/store"
	"github.com/assadOW2/grimoirelab-elk/pkg/config"
	"github.com/assadOW2/grimoirelab-elk/pkg/health"
	"github.com/assadOW2/grimoirelab-elk/pkg/kafka"
	"github.com/assadOW2/grimoirelab-elk/pkg/logger"
	"github.com/assadOW2/grimoirelab-elk/pkg/metrics"
	"github.com/assadOW2/grimoirelab-elk/pkg/postgres"
	"github.com/assadOW2/grimoirelab-elk/pkg/redis"
	"github.com/google/uuid"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	noIncremental := flag.Bool("no-incremental", false, "ignore the incremental cursor and rescan everything")
	refreshIdentities := flag.Bool("refresh-identities", false, "only re-resolve identities over the enriched index")
	refreshProjects := flag.Bool("refresh-projects", false, "only re-apply the project map over the enriched index")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *noIncremental {
		cfg.Enrich.Incremental = false
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	runID := uuid.NewString()
	slog.Info("starting enricher",
		"run_id", runID,
		"source", cfg.Enrich.Source,
		"out_index", outIndex(cfg),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithRunID(ctx, runID)

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.EnsureTables(ctx); err != nil {
		slog.Error("schema bootstrap failed", "error", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(cfg.Redis)
		if err != nil {
			slog.Error("redis connection failed", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
	}

	var reporter *enrich.Reporter
	if cfg.Kafka.Enabled {
		runs := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.RunReports)
		failures := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.FailedItems)
		defer runs.Close()
		defer failures.Close()
		reporter = enrich.NewReporter(runs, failures)
	}

	m := metrics.New()
	if cfg.Metrics.Enabled {
		checker := health.NewChecker()
		checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
			if err := db.Ping(ctx); err != nil {
				return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
		if redisClient != nil {
			checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
				if err := redisClient.Ping(ctx); err != nil {
					return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
				}
				return health.ComponentHealth{Status: health.StatusUp}
			})
		}
		shutdown := metrics.StartServer(cfg.Metrics.Port, m, map[string]http.Handler{
			"/health/live":  checker.LiveHandler(),
			"/health/ready": checker.ReadyHandler(),
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutdownCtx)
		}()
	}

	connector, err := newConnector(cfg.Enrich.Source)
	if err != nil {
		slog.Error("unknown source", "source", cfg.Enrich.Source)
		os.Exit(1)
	}

	var idStore identity.Store
	if cfg.Enrich.IdentityEnabled {
		idStore = identity.NewPostgresStore(db)
	}
	resolver := identity.NewResolver(idStore, redisClient, m)

	var projects enrich.ProjectMap
	if cfg.Enrich.ProjectsFile != "" {
		pm, err := project.LoadFile(cfg.Enrich.ProjectsFile)
		if err != nil {
			slog.Error("project map load failed", "error", err)
			os.Exit(1)
		}
		projects = pm
	}

	pipeline := enrich.NewPipeline(enrich.Options{
		Connector: connector,
		RawStore:  store.NewRawPostgres(db),
		DocStore:  store.NewDocPostgres(db),
		Resolver:  resolver,
		Projects:  projects,
		Reporter:  reporter,
		Metrics:   m,
		Config:    cfg.Enrich,
		OutIndex:  outIndex(cfg),
	})

	switch {
	case *refreshIdentities:
		total, err := pipeline.RefreshIdentities(ctx)
		if err != nil {
			slog.Error("identity refresh failed", "refreshed", total, "error", err)
			os.Exit(1)
		}
		fmt.Printf("refreshed identities on %d items\n", total)
		return
	case *refreshProjects:
		total, err := pipeline.RefreshProjects(ctx)
		if err != nil {
			slog.Error("project refresh failed", "refreshed", total, "error", err)
			os.Exit(1)
		}
		fmt.Printf("refreshed projects on %d items\n", total)
		return
	}

	report, err := pipeline.Run(ctx)
	if err != nil {
		logger.FromContext(ctx).Error("enrichment run failed", "error", err)
		os.Exit(1)
	}
	logger.FromContext(ctx).Info("enrichment complete",
		"fetched", report.Fetched,
		"enriched", report.Enriched,
		"failed", len(report.Failed),
	)
	printJSON(report)

	if len(cfg.Onion.Studies) > 0 {
		onionStore := store.NewOnionPostgres(db)
		study := onion.NewStudy(onionStore, onionStore, m)
		specs := make([]onion.Spec, 0, len(cfg.Onion.Studies))
		for _, sc := range cfg.Onion.Studies {
			spec := onion.SpecFromConfig(sc)
			if *noIncremental {
				spec.NoIncremental = true
			}
			specs = append(specs, spec)
		}
		results, err := study.RunAll(ctx, specs)
		printJSON(results)
		if err != nil {
			slog.Error("onion studies reported failures", "error", err)
			os.Exit(1)
		}
	}
}

func newConnector(source string) (enrich.Connector, error) {
	switch source {
	case "gitlab":
		return gitlab.New(), nil
	case "supybot":
		return supybot.New(), nil
	default:
		return nil, fmt.Errorf("unknown source %q", source)
	}
}

func outIndex(cfg *config.Config) string {
	if cfg.Enrich.OutIndex != "" {
		return cfg.Enrich.OutIndex
	}
	return cfg.Enrich.Source + "-enriched"
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("encoding output failed", "error", err)
		return
	}
	fmt.Println(string(out))
}
