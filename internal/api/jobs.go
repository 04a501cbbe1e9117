package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	JobRunning   = "RUNNING"
	JobCompleted = "COMPLETED"
	JobFailed    = "FAILED"
)

type Job struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Summary    any        `json:"summary,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Jobs runs backfill jobs in the background and keeps their outcome for
// inspection. Jobs outlive the request that started them but stop when the
// base context is cancelled.
type Jobs struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	baseCtx context.Context
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewJobs(baseCtx context.Context, logger *slog.Logger) *Jobs {
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{
		jobs:    make(map[string]*Job),
		baseCtx: baseCtx,
		logger:  logger,
	}
}

// Start launches fn. release, if not nil, is called once fn returns.
func (j *Jobs) Start(kind string, release func(context.Context) error, fn func(ctx context.Context) (any, error)) Job {
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    JobRunning,
		StartedAt: time.Now().UTC(),
	}
	j.mu.Lock()
	j.jobs[job.ID] = job
	snapshot := *job
	j.mu.Unlock()

	logger := j.logger.With("job_id", job.ID, "kind", kind)
	logger.Info("backfill job started")

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		if release != nil {
			defer func() {
				if err := release(context.WithoutCancel(j.baseCtx)); err != nil {
					logger.Warn("failed to release backfill lock", "error", err)
				}
			}()
		}

		summary, err := run(j.baseCtx, fn)

		finished := time.Now().UTC()
		j.mu.Lock()
		job.FinishedAt = &finished
		job.Summary = summary
		if err != nil {
			job.Status = JobFailed
			job.Error = err.Error()
		} else {
			job.Status = JobCompleted
		}
		j.mu.Unlock()

		if err != nil {
			logger.Error("backfill job failed", "error", err)
			return
		}
		logger.Info("backfill job completed")
	}()

	return snapshot
}

func (j *Jobs) Get(id string) (Job, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	job, ok := j.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Wait blocks until every started job has returned.
func (j *Jobs) Wait() {
	j.wg.Wait()
}

func run(ctx context.Context, fn func(ctx context.Context) (any, error)) (summary any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}
