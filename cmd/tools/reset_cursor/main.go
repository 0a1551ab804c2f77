package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"nugettrends/internal/config"
	"nugettrends/internal/repository"
)

// Sets or clears the catalog cursor. Clearing it makes the next catalog run
// restart from the configured minimum commit timestamp, which against the
// public upstream means a multi-day rebuild.
func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	to := flag.String("to", "", "RFC3339 timestamp to set the cursor to (empty = clear)")
	yes := flag.Bool("yes", false, "confirm the cursor change")
	flag.Parse()

	if !*yes {
		log.Fatal("Re-run with -yes to confirm the cursor change.")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	repo, err := repository.NewRepository(cfg.Metadata.Connection)
	if err != nil {
		log.Fatalf("Failed to connect to metadata DB: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	current, err := repo.GetCursor(ctx)
	if err != nil {
		log.Fatalf("Failed to read cursor: %v", err)
	}
	if current != nil {
		log.Printf("Current cursor: %s", current.Format(time.RFC3339))
	} else {
		log.Println("Current cursor: unset")
	}

	if *to == "" {
		if err := repo.ClearCursor(ctx); err != nil {
			log.Fatalf("Failed to clear cursor: %v", err)
		}
		log.Println("Cursor cleared.")
		return
	}

	value, err := time.Parse(time.RFC3339, *to)
	if err != nil {
		log.Fatalf("Invalid -to value %q: %v", *to, err)
	}
	if err := repo.SetCursor(ctx, value); err != nil {
		log.Fatalf("Failed to set cursor: %v", err)
	}
	log.Printf("Cursor set to %s.", value.Format(time.RFC3339))
}
