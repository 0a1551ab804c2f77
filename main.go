package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nugettrends/internal/bus"
	"nugettrends/internal/catalog"
	"nugettrends/internal/config"
	"nugettrends/internal/ingester"
	"nugettrends/internal/repository"
	"nugettrends/internal/timeseries"

	"github.com/robfig/cron/v3"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

// The scheduler process: mirrors the catalog, publishes the daily download
// batches, and recomputes the weekly snapshots. Download workers run as a
// separate process (cmd/worker).
func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Initializing NuGet Trends Scheduler (%s)...", BuildCommit)
	log.Printf("Catalog: %s", cfg.Catalog.ServiceIndexURL)
	log.Printf("Queue: %s (ttl %s)", cfg.Bus.QueueName, cfg.Bus.MessageTTL.Std())

	// 1. Stores
	repo, err := repository.NewRepository(cfg.Metadata.Connection)
	if err != nil {
		log.Fatalf("Failed to connect to metadata DB: %v", err)
	}
	defer repo.Close()

	ts, err := timeseries.NewStore(cfg.Timeseries.Connection)
	if err != nil {
		log.Fatalf("Failed to connect to time-series DB: %v", err)
	}
	defer ts.Close()

	// 1a. Auto-Migration (skip with SKIP_MIGRATION=true)
	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Println("Database Migration SKIPPED (SKIP_MIGRATION=true)")
	} else {
		log.Println("Running Database Migrations...")
		if err := repo.Migrate("schema.sql"); err != nil {
			log.Fatalf("Metadata migration failed: %v", err)
		}
		if err := ts.Migrate("schema_clickhouse.sql"); err != nil {
			log.Fatalf("Time-series migration failed: %v", err)
		}
		log.Println("Database Migrations Complete.")
	}

	// 2. Shared pieces
	gate := ingester.NewAvailabilityGate(cfg.Availability.Cooldown.Std())
	queue := bus.New(cfg.Bus.URL, cfg.Bus.QueueName, cfg.Bus.MessageTTL.Std())
	defer queue.Close()

	catalogClient := catalog.NewClient(cfg.Catalog.ServiceIndexURL, cfg.Downloads.PerRequestTimeout.Std(), 0)
	processor := ingester.NewCatalogProcessor(catalogClient, repo, ingester.CatalogProcessorConfig{
		MinCommitTimestamp:     cfg.Catalog.MinCommitTimestamp,
		MaxCommitTimestamp:     cfg.Catalog.MaxCommitTimestamp,
		ExcludeRedundantLeaves: cfg.Catalog.RedundantLeavesExcluded(),
	})
	publisher := ingester.NewPublisher(repo, queue, gate, cfg.Downloads.BatchSize)
	trending := ingester.NewTrendingRefresher(ts, repo)
	tfmAdoption := ingester.NewTfmRefresher(repo, ts)

	// 3. Job wiring. The registry keeps each named job single-flight across
	// overlapping ticks.
	registry := ingester.NewJobRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enableCatalog := os.Getenv("ENABLE_CATALOG") != "false"
	enablePublisher := os.Getenv("ENABLE_PUBLISHER") != "false"
	enableTrending := os.Getenv("ENABLE_TRENDING") != "false"
	enableTfm := os.Getenv("ENABLE_TFM") != "false"

	c := cron.New(cron.WithLocation(time.UTC))
	addJob := func(name, spec string, fn func(context.Context) error) {
		if _, err := c.AddFunc(spec, func() {
			// ErrJobAlreadyRunning and run failures are logged by the
			// registry; the next tick retries either way.
			_ = registry.Run(ctx, name, fn)
		}); err != nil {
			log.Fatalf("Failed to schedule %s (%q): %v", name, spec, err)
		}
		log.Printf("Scheduled %s: %q", name, spec)
	}

	if enableCatalog {
		addJob("catalog", cfg.Schedule.CatalogCron, processor.Process)
	}
	if enablePublisher {
		addJob("publisher", cfg.Schedule.PublisherCron, publisher.Run)
	}
	if enableTrending {
		addJob("trending", cfg.Schedule.TrendingCron, trending.Run)
	}
	if enableTfm {
		addJob("tfm", cfg.Schedule.TfmCron, tfmAdoption.Run)
	}

	// Catch up on the catalog right away instead of waiting for the first tick.
	if enableCatalog && os.Getenv("CATALOG_RUN_AT_BOOT") != "false" {
		go func() {
			_ = registry.Run(ctx, "catalog", processor.Process)
		}()
	}

	c.Start()
	log.Println("Scheduler started.")

	// 4. Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	cancel()
	stopCtx := c.Stop() // waits for running cron callbacks
	<-stopCtx.Done()
	log.Println("Scheduler stopped.")
}
