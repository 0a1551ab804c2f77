package ingester

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"nugettrends/internal/bus"
	"nugettrends/internal/models"
	"nugettrends/internal/nuget"
)

// StatsSource looks up the current totals for one package id.
type StatsSource interface {
	GetPackageStats(ctx context.Context, idLower string) (*nuget.PackageStats, error)
}

// DownloadSink is the metadata-store side of the dual write.
type DownloadSink interface {
	UpsertDownloads(ctx context.Context, downloads []models.PackageDownload) error
}

// DailySink is the time-series side of the dual write.
type DailySink interface {
	InsertDaily(ctx context.Context, rows []models.DailyDownload) error
}

// DownloadWorkerConfig bounds one worker's behavior.
type DownloadWorkerConfig struct {
	// Concurrency is the HTTP fan-out width per batch.
	Concurrency int
	// RequeueDelay is how long a gated batch waits before going back to the
	// queue, so a closed gate does not spin the consumer hot.
	RequeueDelay time.Duration
}

// DownloadWorker consumes id batches from the queue, asks the upstream for
// current totals, and dual-writes the results: one dated row into the
// time-series store, the latest count into the metadata store. A batch is
// acked only after both writes were attempted; upstream outages nack the
// batch untouched and trip the availability gate.
type DownloadWorker struct {
	stats  StatsSource
	meta   DownloadSink
	daily  DailySink
	gate   *AvailabilityGate
	config DownloadWorkerConfig

	now func() time.Time
}

func NewDownloadWorker(stats StatsSource, meta DownloadSink, daily DailySink, gate *AvailabilityGate, cfg DownloadWorkerConfig) *DownloadWorker {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 25
	}
	if cfg.RequeueDelay == 0 {
		cfg.RequeueDelay = 15 * time.Second
	}
	return &DownloadWorker{
		stats:  stats,
		meta:   meta,
		daily:  daily,
		gate:   gate,
		config: cfg,
		now:    time.Now,
	}
}

type lookupResult struct {
	idLower string
	stats   *nuget.PackageStats
	err     error
}

// HandleBatch processes one delivery and returns its verdict. Wired into
// bus.Consume as the handler.
func (w *DownloadWorker) HandleBatch(ctx context.Context, ids []string) bus.Action {
	if len(ids) == 0 {
		return bus.Ack
	}

	// 1. Gate check before any outbound load.
	if w.gate != nil && !w.gate.IsAvailable() {
		log.Printf("[worker] upstream gate closed, requeueing batch of %d", len(ids))
		w.pause(ctx)
		return bus.NackRequeue
	}

	// 2. Concurrent lookups, bounded fan-out.
	results := w.lookupAll(ctx, ids)

	// 3. Outage detection. A cluster of transient failures means the
	// upstream is down: trip the gate, write nothing, requeue.
	var transient, notFound, ok int
	for _, res := range results {
		switch {
		case res.err == nil:
			ok++
		case errors.Is(res.err, nuget.ErrPackageNotFound):
			notFound++
		case nuget.IsTransient(res.err):
			transient++
		}
	}
	if transient == len(results) || (len(results) >= 5 && transient*10 >= len(results)*8) {
		log.Printf("[worker] %d/%d lookups failed transiently, marking upstream unavailable", transient, len(results))
		if w.gate != nil {
			w.gate.MarkUnavailable()
		}
		w.pause(ctx)
		return bus.NackRequeue
	}

	// 4. Dual write for the successful lookups. Per-id failures are logged
	// and skipped so a single poison id cannot requeue the batch forever.
	nowUTC := w.now().UTC()
	today := time.Date(nowUTC.Year(), nowUTC.Month(), nowUTC.Day(), 0, 0, 0, 0, time.UTC)

	dailyRows := make([]models.DailyDownload, 0, ok)
	downloads := make([]models.PackageDownload, 0, ok)
	for _, res := range results {
		if res.err != nil {
			if !errors.Is(res.err, nuget.ErrPackageNotFound) {
				log.Printf("[worker] lookup %s failed: %v", res.idLower, res.err)
			}
			continue
		}
		count := res.stats.TotalDownloads
		dailyRows = append(dailyRows, models.DailyDownload{
			PackageIDLower: res.idLower,
			Date:           today,
			DownloadCount:  uint64(count),
		})
		downloads = append(downloads, models.PackageDownload{
			PackageIDLower:           res.idLower,
			LatestDownloadCount:      &count,
			LatestDownloadCheckedUTC: nowUTC,
			IconURL:                  res.stats.IconURL,
		})
	}

	if err := w.daily.InsertDaily(ctx, dailyRows); err != nil {
		// Both writes are idempotent by key; redelivery retries them.
		log.Printf("[worker] time-series write failed, requeueing batch: %v", err)
		return bus.NackRequeue
	}
	if err := w.meta.UpsertDownloads(ctx, downloads); err != nil {
		log.Printf("[worker] metadata write failed, requeueing batch: %v", err)
		return bus.NackRequeue
	}

	if ok > 0 && w.gate != nil {
		// A successful probe re-opens a tripped gate for everyone.
		w.gate.MarkAvailable()
	}
	if notFound > 0 {
		log.Printf("[worker] batch done: %d written, %d unknown upstream", ok, notFound)
	}
	return bus.Ack
}

func (w *DownloadWorker) lookupAll(ctx context.Context, ids []string) []lookupResult {
	results := make([]lookupResult, len(ids))

	var wg sync.WaitGroup
	sem := make(chan struct{}, w.config.Concurrency)
	for i, id := range ids {
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int, idLower string) {
			defer wg.Done()
			defer func() { <-sem }()
			idLower = strings.ToLower(idLower)
			stats, err := w.stats.GetPackageStats(ctx, idLower)
			results[idx] = lookupResult{idLower: idLower, stats: stats, err: err}
		}(i, id)
	}
	wg.Wait()

	return results
}

// pause waits out the requeue delay unless the context ends first.
func (w *DownloadWorker) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.config.RequeueDelay):
	}
}
