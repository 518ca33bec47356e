// Package jobs runs trading operations asynchronously and tracks their
// lifecycle. The dashboard and the scheduler both enqueue work here; the
// runner serializes execution so only one operation touches the account at a
// time.
package jobs

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a job's lifecycle phase.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
	StateSkipped State = "skipped"
)

// Job is one queued operation.
type Job struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"` // e.g. "covered_call", "long_put", "vix_snapshot"
	Instrument string    `json:"instrument,omitempty"`
	State      State     `json:"state"`
	Detail     string    `json:"detail,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Event reports a job state change.
type Event struct {
	Job Job
}

// Work is the unit the runner executes. It returns a human-readable detail
// and whether the operation skipped.
type Work func(ctx context.Context) (detail string, skipped bool, err error)

type queued struct {
	job  Job
	work Work
}

// Runner executes jobs one at a time and retains their terminal states.
type Runner struct {
	logger *log.Logger

	mu      sync.RWMutex
	jobs    map[string]*Job
	order   []string
	queue   chan queued
	events  chan Event
	started bool
}

// NewRunner creates a Runner with the given queue depth. logger may be nil.
func NewRunner(logger *log.Logger, depth int) *Runner {
	if logger == nil {
		logger = log.New(os.Stderr, "jobs: ", log.LstdFlags)
	}
	if depth < 1 {
		depth = 16
	}
	return &Runner{
		logger: logger,
		jobs:   make(map[string]*Job),
		queue:  make(chan queued, depth),
		events: make(chan Event, depth*4),
	}
}

// Events exposes the state change stream. The channel is buffered; slow
// consumers lose events rather than blocking the runner.
func (r *Runner) Events() <-chan Event { return r.events }

// Enqueue queues work and returns the job snapshot. It fails when the queue
// is full.
func (r *Runner) Enqueue(kind, instrument string, work Work) (*Job, error) {
	job := Job{
		ID:         uuid.New().String(),
		Kind:       kind,
		Instrument: instrument,
		State:      StateQueued,
		EnqueuedAt: time.Now(),
	}

	r.mu.Lock()
	r.jobs[job.ID] = &job
	r.order = append(r.order, job.ID)
	r.mu.Unlock()

	select {
	case r.queue <- queued{job: job, work: work}:
		r.emit(job)
		snapshot := job
		return &snapshot, nil
	default:
		r.update(job.ID, func(j *Job) {
			j.State = StateFailed
			j.Detail = "queue full"
			j.FinishedAt = time.Now()
		})
		return nil, fmt.Errorf("job queue full, %s not enqueued", kind)
	}
}

// Run processes jobs until ctx is done. Call it from one goroutine.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("runner already started")
	}
	r.started = true
	r.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case q := <-r.queue:
			r.execute(ctx, q)
		}
	}
}

func (r *Runner) execute(ctx context.Context, q queued) {
	r.update(q.job.ID, func(j *Job) {
		j.State = StateRunning
		j.StartedAt = time.Now()
	})
	r.logger.Printf("Job %s started: %s %s", q.job.ID, q.job.Kind, q.job.Instrument)

	detail, skipped, err := q.work(ctx)
	r.update(q.job.ID, func(j *Job) {
		j.FinishedAt = time.Now()
		j.Detail = detail
		switch {
		case err != nil:
			j.State = StateFailed
			j.Detail = err.Error()
		case skipped:
			j.State = StateSkipped
		default:
			j.State = StateDone
		}
	})

	if err != nil {
		r.logger.Printf("Job %s failed: %v", q.job.ID, err)
	} else {
		r.logger.Printf("Job %s finished: %s", q.job.ID, detail)
	}
}

// update mutates a job under lock and emits the new snapshot.
func (r *Runner) update(id string, fn func(*Job)) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if ok {
		fn(j)
	}
	var snapshot Job
	if ok {
		snapshot = *j
	}
	r.mu.Unlock()
	if ok {
		r.emit(snapshot)
	}
}

func (r *Runner) emit(j Job) {
	select {
	case r.events <- Event{Job: j}:
	default:
	}
}

// Get returns a job snapshot by id.
func (r *Runner) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	snapshot := *j
	return &snapshot, true
}

// List returns job snapshots, newest first, capped at limit (0 for all).
func (r *Runner) List(limit int) []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Job, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, *r.jobs[r.order[i]])
	}
	return out
}
