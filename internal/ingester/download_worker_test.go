package ingester

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nugettrends/internal/bus"
	"nugettrends/internal/models"
	"nugettrends/internal/nuget"
)

type fakeStats struct {
	mu      sync.Mutex
	stats   map[string]*nuget.PackageStats
	errs    map[string]error
	lookups []string
}

func (f *fakeStats) GetPackageStats(ctx context.Context, idLower string) (*nuget.PackageStats, error) {
	f.mu.Lock()
	f.lookups = append(f.lookups, idLower)
	f.mu.Unlock()
	if err := f.errs[idLower]; err != nil {
		return nil, err
	}
	if s, ok := f.stats[idLower]; ok {
		return s, nil
	}
	return nil, nuget.ErrPackageNotFound
}

type fakeDownloadSink struct {
	mu        sync.Mutex
	upserts   []models.PackageDownload
	upsertErr error
}

func (f *fakeDownloadSink) UpsertDownloads(ctx context.Context, downloads []models.PackageDownload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts = append(f.upserts, downloads...)
	return nil
}

type fakeDailySink struct {
	mu        sync.Mutex
	rows      []models.DailyDownload
	insertErr error
}

func (f *fakeDailySink) InsertDaily(ctx context.Context, rows []models.DailyDownload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.rows = append(f.rows, rows...)
	return nil
}

func newTestWorker(stats *fakeStats, meta *fakeDownloadSink, daily *fakeDailySink, gate *AvailabilityGate) *DownloadWorker {
	w := NewDownloadWorker(stats, meta, daily, gate, DownloadWorkerConfig{
		Concurrency:  4,
		RequeueDelay: time.Millisecond,
	})
	w.now = func() time.Time { return time.Date(2026, 2, 7, 14, 30, 0, 0, time.UTC) }
	return w
}

func TestHandleBatchDualWrite(t *testing.T) {
	t.Parallel()

	stats := &fakeStats{stats: map[string]*nuget.PackageStats{
		"sentry": {TotalDownloads: 49_600_000, IconURL: "u"},
	}}
	meta := &fakeDownloadSink{}
	daily := &fakeDailySink{}
	w := newTestWorker(stats, meta, daily, NewAvailabilityGate(5*time.Minute))

	if got := w.HandleBatch(context.Background(), []string{"sentry"}); got != bus.Ack {
		t.Fatalf("verdict=%v want Ack", got)
	}

	if len(daily.rows) != 1 {
		t.Fatalf("daily rows=%d", len(daily.rows))
	}
	row := daily.rows[0]
	wantDate := time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC)
	if row.PackageIDLower != "sentry" || !row.Date.Equal(wantDate) || row.DownloadCount != 49_600_000 {
		t.Fatalf("daily row: %+v", row)
	}

	if len(meta.upserts) != 1 {
		t.Fatalf("upserts=%d", len(meta.upserts))
	}
	up := meta.upserts[0]
	if up.PackageIDLower != "sentry" || *up.LatestDownloadCount != 49_600_000 || up.IconURL != "u" {
		t.Fatalf("upsert: %+v", up)
	}
	if !up.LatestDownloadCheckedUTC.Equal(time.Date(2026, 2, 7, 14, 30, 0, 0, time.UTC)) {
		t.Fatalf("checked: %v", up.LatestDownloadCheckedUTC)
	}
}

func TestHandleBatchLowercasesIds(t *testing.T) {
	t.Parallel()

	stats := &fakeStats{stats: map[string]*nuget.PackageStats{
		"mypackage": {TotalDownloads: 10},
	}}
	meta := &fakeDownloadSink{}
	daily := &fakeDailySink{}
	w := newTestWorker(stats, meta, daily, nil)

	if got := w.HandleBatch(context.Background(), []string{"MYPACKAGE"}); got != bus.Ack {
		t.Fatalf("verdict=%v", got)
	}
	if daily.rows[0].PackageIDLower != "mypackage" {
		t.Fatalf("id not folded: %+v", daily.rows[0])
	}
}

func TestHandleBatchNotFoundSkipsId(t *testing.T) {
	t.Parallel()

	stats := &fakeStats{stats: map[string]*nuget.PackageStats{
		"alive": {TotalDownloads: 5},
	}}
	meta := &fakeDownloadSink{}
	daily := &fakeDailySink{}
	gate := NewAvailabilityGate(5 * time.Minute)
	w := newTestWorker(stats, meta, daily, gate)

	if got := w.HandleBatch(context.Background(), []string{"alive", "ghost"}); got != bus.Ack {
		t.Fatalf("verdict=%v want Ack (404 is not an outage)", got)
	}
	if len(daily.rows) != 1 || daily.rows[0].PackageIDLower != "alive" {
		t.Fatalf("daily rows: %+v", daily.rows)
	}
	if !gate.IsAvailable() {
		t.Fatalf("404s must not trip the gate")
	}
}

func TestHandleBatchOutageTripsGateWithoutWrites(t *testing.T) {
	t.Parallel()

	stats := &fakeStats{errs: map[string]error{
		"a": &nuget.TransientError{Err: errors.New("503")},
		"b": &nuget.TransientError{Err: errors.New("503")},
		"c": &nuget.TransientError{Err: errors.New("dns failure")},
	}}
	meta := &fakeDownloadSink{}
	daily := &fakeDailySink{}
	gate := NewAvailabilityGate(5 * time.Minute)
	w := newTestWorker(stats, meta, daily, gate)

	if got := w.HandleBatch(context.Background(), []string{"a", "b", "c"}); got != bus.NackRequeue {
		t.Fatalf("verdict=%v want NackRequeue", got)
	}
	if len(daily.rows) != 0 || len(meta.upserts) != 0 {
		t.Fatalf("outage batch must not write: daily=%d meta=%d", len(daily.rows), len(meta.upserts))
	}
	if gate.IsAvailable() {
		t.Fatalf("gate must trip on an all-transient batch")
	}
}

func TestHandleBatchMostlyTransientTripsGate(t *testing.T) {
	t.Parallel()

	errs := make(map[string]error)
	statsMap := map[string]*nuget.PackageStats{"ok": {TotalDownloads: 1}}
	ids := []string{"ok"}
	for _, id := range []string{"a", "b", "c", "d"} {
		errs[id] = &nuget.TransientError{Err: errors.New("reset")}
		ids = append(ids, id)
	}

	gate := NewAvailabilityGate(5 * time.Minute)
	w := newTestWorker(&fakeStats{stats: statsMap, errs: errs}, &fakeDownloadSink{}, &fakeDailySink{}, gate)

	// 4/5 transient with >=5 attempted crosses the 80% threshold.
	if got := w.HandleBatch(context.Background(), ids); got != bus.NackRequeue {
		t.Fatalf("verdict=%v want NackRequeue", got)
	}
	if gate.IsAvailable() {
		t.Fatalf("gate must trip at 80%% transient")
	}
}

func TestHandleBatchSingleFlakyIdDoesNotTripGate(t *testing.T) {
	t.Parallel()

	stats := &fakeStats{
		stats: map[string]*nuget.PackageStats{
			"a": {TotalDownloads: 1}, "b": {TotalDownloads: 2}, "c": {TotalDownloads: 3}, "d": {TotalDownloads: 4},
		},
		errs: map[string]error{"flaky": &nuget.TransientError{Err: errors.New("reset")}},
	}
	gate := NewAvailabilityGate(5 * time.Minute)
	daily := &fakeDailySink{}
	w := newTestWorker(stats, &fakeDownloadSink{}, daily, gate)

	if got := w.HandleBatch(context.Background(), []string{"a", "b", "c", "d", "flaky"}); got != bus.Ack {
		t.Fatalf("verdict=%v want Ack", got)
	}
	if !gate.IsAvailable() {
		t.Fatalf("one flaky id must not trip the gate")
	}
	if len(daily.rows) != 4 {
		t.Fatalf("daily rows=%d want 4", len(daily.rows))
	}
}

func TestHandleBatchGateClosedRequeuesUntouched(t *testing.T) {
	t.Parallel()

	gate, _ := gateAt(5 * time.Minute)
	gate.MarkUnavailable()

	stats := &fakeStats{stats: map[string]*nuget.PackageStats{"a": {TotalDownloads: 1}}}
	w := newTestWorker(stats, &fakeDownloadSink{}, &fakeDailySink{}, gate)

	if got := w.HandleBatch(context.Background(), []string{"a"}); got != bus.NackRequeue {
		t.Fatalf("verdict=%v want NackRequeue", got)
	}
	if len(stats.lookups) != 0 {
		t.Fatalf("gated batch must not hit the upstream, lookups=%v", stats.lookups)
	}
}

func TestHandleBatchGateCooldownAllowsProbe(t *testing.T) {
	t.Parallel()

	gate, now := gateAt(5 * time.Minute)
	gate.MarkUnavailable()
	*now = now.Add(5 * time.Minute)

	stats := &fakeStats{stats: map[string]*nuget.PackageStats{"a": {TotalDownloads: 1}}}
	daily := &fakeDailySink{}
	w := newTestWorker(stats, &fakeDownloadSink{}, daily, gate)

	if got := w.HandleBatch(context.Background(), []string{"a"}); got != bus.Ack {
		t.Fatalf("verdict=%v want Ack after cooldown", got)
	}
	// The successful probe resets the gate for everyone.
	if avail := gate.IsAvailable(); !avail {
		t.Fatalf("gate must reset after a successful probe")
	}
	if _, tripped := gate.UnavailableSince(); tripped {
		t.Fatalf("gate state must be cleared by the probe")
	}
}

func TestHandleBatchStoreFailureRequeues(t *testing.T) {
	t.Parallel()

	stats := &fakeStats{stats: map[string]*nuget.PackageStats{"a": {TotalDownloads: 1}}}

	t.Run("time series down", func(t *testing.T) {
		t.Parallel()
		daily := &fakeDailySink{insertErr: errors.New("clickhouse down")}
		w := newTestWorker(stats, &fakeDownloadSink{}, daily, nil)
		if got := w.HandleBatch(context.Background(), []string{"a"}); got != bus.NackRequeue {
			t.Fatalf("verdict=%v want NackRequeue", got)
		}
	})

	t.Run("metadata down", func(t *testing.T) {
		t.Parallel()
		meta := &fakeDownloadSink{upsertErr: errors.New("postgres down")}
		w := newTestWorker(stats, meta, &fakeDailySink{}, nil)
		if got := w.HandleBatch(context.Background(), []string{"a"}); got != bus.NackRequeue {
			t.Fatalf("verdict=%v want NackRequeue", got)
		}
	})
}

func TestHandleBatchEmpty(t *testing.T) {
	t.Parallel()

	w := newTestWorker(&fakeStats{}, &fakeDownloadSink{}, &fakeDailySink{}, nil)
	if got := w.HandleBatch(context.Background(), nil); got != bus.Ack {
		t.Fatalf("verdict=%v want Ack for empty batch", got)
	}
}
