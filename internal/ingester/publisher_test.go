package ingester

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePending struct {
	ids       []string
	failAfter int // fail the stream after this many ids; 0 = never
	gotToday  time.Time
}

func (f *fakePending) StreamPendingPackages(ctx context.Context, todayUTC time.Time, fn func(string) error) error {
	f.gotToday = todayUTC
	for i, id := range f.ids {
		if f.failAfter > 0 && i == f.failAfter {
			return errors.New("connection reset")
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

type fakeSink struct {
	batches [][]string
	failOn  int // 1-based batch index to fail on; 0 = never
}

func (f *fakeSink) Publish(ctx context.Context, ids []string) error {
	if f.failOn > 0 && len(f.batches)+1 == f.failOn {
		return errors.New("broker unavailable")
	}
	batch := append([]string(nil), ids...)
	f.batches = append(f.batches, batch)
	return nil
}

func TestPublisherBatching(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		count       int
		batchSize   int
		wantBatches []int
	}{
		{name: "empty stream", count: 0, batchSize: 3, wantBatches: nil},
		{name: "exact multiple", count: 6, batchSize: 3, wantBatches: []int{3, 3}},
		{name: "non-empty tail", count: 7, batchSize: 3, wantBatches: []int{3, 3, 1}},
		{name: "single under batch size", count: 2, batchSize: 25, wantBatches: []int{2}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ids := make([]string, tc.count)
			for i := range ids {
				ids[i] = string(rune('a' + i))
			}
			src := &fakePending{ids: ids}
			sink := &fakeSink{}
			p := NewPublisher(src, sink, nil, tc.batchSize)

			if err := p.Run(context.Background()); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if len(sink.batches) != len(tc.wantBatches) {
				t.Fatalf("batches=%d want %d", len(sink.batches), len(tc.wantBatches))
			}
			for i, want := range tc.wantBatches {
				if len(sink.batches[i]) != want {
					t.Fatalf("batch %d size=%d want %d", i, len(sink.batches[i]), want)
				}
			}
		})
	}
}

func TestPublisherUsesMidnightUTC(t *testing.T) {
	t.Parallel()

	src := &fakePending{ids: []string{"a"}}
	sink := &fakeSink{}
	p := NewPublisher(src, sink, nil, 25)
	p.now = func() time.Time { return time.Date(2026, 2, 7, 18, 42, 11, 0, time.UTC) }

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC)
	if !src.gotToday.Equal(want) {
		t.Fatalf("today=%v want %v", src.gotToday, want)
	}
}

func TestPublisherPublishFailureFailsJob(t *testing.T) {
	t.Parallel()

	src := &fakePending{ids: []string{"a", "b", "c", "d"}}
	sink := &fakeSink{failOn: 2}
	p := NewPublisher(src, sink, nil, 2)

	// No in-process retry: the job fails, the next tick starts over.
	if err := p.Run(context.Background()); err == nil {
		t.Fatalf("want error when a publish fails")
	}
	if len(sink.batches) != 1 {
		t.Fatalf("batches=%d want 1 (no retry after failure)", len(sink.batches))
	}
}

func TestPublisherStreamFailureFailsJob(t *testing.T) {
	t.Parallel()

	src := &fakePending{ids: []string{"a", "b", "c"}, failAfter: 2}
	sink := &fakeSink{}
	p := NewPublisher(src, sink, nil, 2)

	if err := p.Run(context.Background()); err == nil {
		t.Fatalf("want error when the stream fails")
	}
}

func TestPublisherSkipsTickWhenGateClosed(t *testing.T) {
	t.Parallel()

	gate, _ := gateAt(5 * time.Minute)
	gate.MarkUnavailable()

	src := &fakePending{ids: []string{"a"}}
	sink := &fakeSink{}
	p := NewPublisher(src, sink, gate, 25)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.batches) != 0 {
		t.Fatalf("gated tick must not publish, got %d batches", len(sink.batches))
	}
}
