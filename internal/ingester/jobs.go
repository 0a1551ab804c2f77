package ingester

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// JobState is the lifecycle of a named job between ticks.
type JobState int

const (
	JobIdle JobState = iota
	JobRunning
	JobCompleted
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobIdle:
		return "idle"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrJobAlreadyRunning is returned when a tick fires while the previous run
// of the same job is still going.
var ErrJobAlreadyRunning = errors.New("job already running")

// JobStatus is the registry's bookkeeping for one named job.
type JobStatus struct {
	State      JobState
	LastStart  time.Time
	LastFinish time.Time
	LastErr    error
}

// JobRegistry guarantees at most one concurrent run per named job and keeps
// last-run bookkeeping. The scheduler process registers every periodic job
// (catalog, publisher, refreshers) through it.
type JobRegistry struct {
	mu   sync.Mutex
	jobs map[string]*JobStatus
}

func NewJobRegistry() *JobRegistry {
	return &JobRegistry{jobs: make(map[string]*JobStatus)}
}

// Run executes fn under the job's single-flight guard. A tick that overlaps
// a still-running instance is skipped with ErrJobAlreadyRunning; a Failed
// run leaves the job ready for the next tick to restart it from scratch.
func (r *JobRegistry) Run(ctx context.Context, name string, fn func(context.Context) error) error {
	r.mu.Lock()
	st, ok := r.jobs[name]
	if !ok {
		st = &JobStatus{}
		r.jobs[name] = st
	}
	if st.State == JobRunning {
		r.mu.Unlock()
		log.Printf("[%s] previous run still in progress, skipping tick", name)
		return ErrJobAlreadyRunning
	}
	st.State = JobRunning
	st.LastStart = time.Now()
	st.LastErr = nil
	r.mu.Unlock()

	log.Printf("[%s] starting", name)
	start := time.Now()
	err := fn(ctx)

	r.mu.Lock()
	st.LastFinish = time.Now()
	if err != nil {
		st.State = JobFailed
		st.LastErr = err
	} else {
		st.State = JobCompleted
	}
	r.mu.Unlock()

	if err != nil {
		log.Printf("[%s] failed after %s: %v", name, time.Since(start).Round(time.Millisecond), err)
	} else {
		log.Printf("[%s] completed in %s", name, time.Since(start).Round(time.Millisecond))
	}
	return err
}

// Status returns a copy of the job's bookkeeping.
func (r *JobRegistry) Status(name string) JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.jobs[name]; ok {
		return *st
	}
	return JobStatus{}
}
