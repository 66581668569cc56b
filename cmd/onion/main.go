// Command onion runs the configured onion studies against an already
// enriched index, without re-running enrichment.
//
// Usage:
//
//	go run ./cmd/onion [-config configs/development.yaml] [-full]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/assadOW2/grimoirelab-elk/internal/onion"
	"github.com/assadOW2/grimoirelab-elk/internal/store"
	"github.com/assadOW2/grimoirelab-elk/pkg/config"
	"github.com/assadOW2/grimoirelab-elk/pkg/logger"
	"github.com/assadOW2/grimoirelab-elk/pkg/metrics"
	"github.com/assadOW2/grimoirelab-elk/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	full := flag.Bool("full", false, "truncate the derived index and recompute from scratch")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if len(cfg.Onion.Studies) == 0 {
		fmt.Fprintln(os.Stderr, "no onion studies configured")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	onionStore := store.NewOnionPostgres(db)
	study := onion.NewStudy(onionStore, onionStore, metrics.New())

	specs := make([]onion.Spec, 0, len(cfg.Onion.Studies))
	for _, sc := range cfg.Onion.Studies {
		spec := onion.SpecFromConfig(sc)
		if *full {
			spec.NoIncremental = true
		}
		specs = append(specs, spec)
	}

	results, err := study.RunAll(ctx, specs)
	out, _ := json.MarshalIndent(results, "", "  ")
	fmt.Println(string(out))
	if err != nil {
		logger.WithComponent("onion-cmd").Error("onion studies reported failures", "error", err)
		os.Exit(1)
	}
}
