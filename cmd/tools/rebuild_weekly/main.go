package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"nugettrends/internal/config"
	"nugettrends/internal/timeseries"
)

// Rebuilds the weekly rollup from the daily table in one idempotent pass.
// Recovery tool for when duplicate deliveries biased the weekly averages:
// drain the daily-download queue first, then run this.
func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	yes := flag.Bool("yes", false, "confirm the weekly table truncate")
	flag.Parse()

	if !*yes {
		log.Fatal("This truncates weekly_downloads and rebuilds it from daily_downloads. Re-run with -yes to confirm.")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ts, err := timeseries.NewStore(cfg.Timeseries.Connection)
	if err != nil {
		log.Fatalf("Failed to connect to time-series DB: %v", err)
	}
	defer ts.Close()

	log.Println("Rebuilding weekly_downloads from daily_downloads...")
	start := time.Now()
	if err := ts.RebuildWeeklyFromDaily(context.Background()); err != nil {
		log.Fatalf("Rebuild failed: %v", err)
	}
	log.Printf("Rebuild complete in %s.", time.Since(start).Round(time.Second))
}
