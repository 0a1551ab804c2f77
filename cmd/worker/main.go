package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"nugettrends/internal/bus"
	"nugettrends/internal/config"
	"nugettrends/internal/ingester"
	"nugettrends/internal/nuget"
	"nugettrends/internal/repository"
	"nugettrends/internal/timeseries"
)

// The worker process: consumes daily-download batches, queries the upstream
// for current totals, and dual-writes metadata + time-series rows. Run as
// many replicas as the queue needs; every instance is equivalent.
func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Initializing NuGet Trends Download Worker (consumers: %d)...", cfg.Downloads.WorkerCount)

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

	// 2. Worker pieces. The gate is process-wide: one tripped consumer
	// suspends outbound load for all of them.
	gate := ingester.NewAvailabilityGate(cfg.Availability.Cooldown.Std())
	stats := nuget.NewClient(cfg.Downloads.SearchURL, cfg.Downloads.PerRequestTimeout.Std(), 0)
	worker := ingester.NewDownloadWorker(stats, repo, ts, gate, ingester.DownloadWorkerConfig{
		Concurrency: cfg.Downloads.BatchSize,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Consumer pool: one connection per consumer, each handling one batch
	// at a time (prefetch 1), so at most WorkerCount batches are in flight
	// per process.
	var wg sync.WaitGroup
	for i := 0; i < cfg.Downloads.WorkerCount; i++ {
		queue := bus.New(cfg.Bus.URL, cfg.Bus.QueueName, cfg.Bus.MessageTTL.Std())
		defer queue.Close()

		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := queue.Consume(ctx, 1, worker.HandleBatch); err != nil && ctx.Err() == nil {
				log.Printf("[worker-%d] consumer stopped: %v", n, err)
			}
		}(i)
	}
	log.Println("Download worker started.")

	// 4. Graceful shutdown: in-flight batches finish or redeliver unacked.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	cancel()
	wg.Wait()
	log.Println("Download worker stopped.")
}
