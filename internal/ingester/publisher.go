package ingester

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"
)

// PendingSource streams today's refresh candidates from the metadata store.
type PendingSource interface {
	StreamPendingPackages(ctx context.Context, todayUTC time.Time, fn func(idLower string) error) error
}

// BatchSink publishes one batch of package ids to the queue.
type BatchSink interface {
	Publish(ctx context.Context, ids []string) error
}

// Publisher is the daily fan-out job: it streams every package whose
// download count has not been refreshed today and enqueues them in fixed
// batches. Deliberately no in-process retry — a failed publish fails the
// job and the next scheduled tick starts over; retrying here would double
// feed the weekly aggregate before compaction.
type Publisher struct {
	store     PendingSource
	sink      BatchSink
	gate      *AvailabilityGate
	batchSize int

	now func() time.Time
}

func NewPublisher(store PendingSource, sink BatchSink, gate *AvailabilityGate, batchSize int) *Publisher {
	if batchSize == 0 {
		batchSize = 25
	}
	return &Publisher{
		store:     store,
		sink:      sink,
		gate:      gate,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Run executes one publisher tick.
func (p *Publisher) Run(ctx context.Context) error {
	if p.gate != nil && !p.gate.IsAvailable() {
		since, _ := p.gate.UnavailableSince()
		log.Printf("[publisher] upstream unavailable since %s, skipping tick", since.Format(time.RFC3339))
		return nil
	}

	today := p.today()
	var streamed, batches int
	buffer := make([]string, 0, p.batchSize)

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		if err := p.sink.Publish(ctx, buffer); err != nil {
			return fmt.Errorf("failed to publish batch %d: %w", batches+1, err)
		}
		batches++
		buffer = buffer[:0]
		return nil
	}

	err := p.store.StreamPendingPackages(ctx, today, func(idLower string) error {
		streamed++
		buffer = append(buffer, idLower)
		if len(buffer) == p.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pending stream aborted after %d packages: %w", streamed, err)
	}
	if err := flush(); err != nil {
		return err
	}

	log.Printf("[publisher] streamed %s packages, published %s batches",
		humanize.Comma(int64(streamed)), humanize.Comma(int64(batches)))
	return nil
}

// today returns midnight UTC of the current day, the "checked today" bound.
func (p *Publisher) today() time.Time {
	now := p.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
