package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/pkg/logger"
)

// Store persists jobs and their details
type Store interface {
	CreateJob(ctx context.Context, job *contracts.Job) (int64, error)
	// UpdateStatus moves the row only if it is still in from
	UpdateStatus(ctx context.Context, id int64, from, to contracts.JobStatus, retryCount int) error
	// InsertDetail returns contracts.ErrDuplicateDetail for a repeated instrument
	InsertDetail(ctx context.Context, d *contracts.JobDetail) (int64, error)
	FinishJob(ctx context.Context, job *contracts.Job) error
}

// OpenRequest describes a job to start
type OpenRequest struct {
	Name           string
	Type           string
	InstrumentType string
	MaxRetries     int
	ExternalRunID  string
	Metadata       map[string]interface{}
}

// Tracker owns the job lifecycle
// ⭐ SSOT: etl_jobs 상태 변경은 Tracker 를 통해서만
type Tracker struct {
	store  Store
	logger *logger.Logger
	now    func() time.Time
}

// New creates a new Tracker
func New(store Store, log *logger.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: log.WithField("module", "tracker"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Open inserts a pending job and moves it to running
func (t *Tracker) Open(ctx context.Context, req OpenRequest) (*Run, error) {
	if req.InstrumentType == "" {
		req.InstrumentType = "all"
	}
	if req.Metadata == nil {
		req.Metadata = map[string]interface{}{}
	}

	job := contracts.Job{
		Name:           req.Name,
		Type:           req.Type,
		InstrumentType: req.InstrumentType,
		Status:         contracts.JobPending,
		StartedAt:      t.now().UTC(),
		MaxRetries:     req.MaxRetries,
		Metadata:       req.Metadata,
		ExternalRunID:  req.ExternalRunID,
	}

	id, err := t.store.CreateJob(ctx, &job)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	job.ID = id

	run := &Run{tracker: t, job: job, seen: make(map[string]bool)}
	if err := run.transition(ctx, contracts.JobRunning); err != nil {
		return nil, err
	}

	t.logger.WithFields(map[string]interface{}{
		"job_id":          id,
		"name":            job.Name,
		"external_run_id": job.ExternalRunID,
	}).Info("Job started")
	return run, nil
}

// Run is one open job. Safe for concurrent use by workers.
type Run struct {
	tracker *Tracker

	mu   sync.Mutex
	job  contracts.Job
	seen map[string]bool

	processed, inserted, updated, unchanged, failed atomic.Int64
	succeeded, errored                              atomic.Int64
	order                                           atomic.Int64
}

// ID returns the job id
func (r *Run) ID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.ID
}

// Status returns the current status
func (r *Run) Status() contracts.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Status
}

// Snapshot returns a copy of the job with the live counters
func (r *Run) Snapshot() contracts.Job {
	r.mu.Lock()
	job := r.job
	r.mu.Unlock()
	job.Counts = r.Counts()
	return job
}

// Counts returns the aggregated record counts so far
func (r *Run) Counts() contracts.RecordCounts {
	return contracts.RecordCounts{
		Processed: int(r.processed.Load()),
		Inserted:  int(r.inserted.Load()),
		Updated:   int(r.updated.Load()),
		Unchanged: int(r.unchanged.Load()),
		Failed:    int(r.failed.Load()),
	}
}

// Outcomes returns how many instrument details succeeded and failed
func (r *Run) Outcomes() (succeeded, failed int) {
	return int(r.succeeded.Load()), int(r.errored.Load())
}

// NextOrder hands out processing order numbers starting at 1
func (r *Run) NextOrder() int {
	return int(r.order.Add(1))
}

// RecordDetail appends the outcome of one instrument and folds its counts
// into the job. Each instrument may be recorded once.
func (r *Run) RecordDetail(ctx context.Context, d *contracts.JobDetail) error {
	key := d.Symbol + "|" + string(d.InstrumentType)

	r.mu.Lock()
	if r.job.Status.IsTerminal() {
		r.mu.Unlock()
		return fmt.Errorf("record detail on %s job: %w", r.job.Status, contracts.ErrInvalidTransition)
	}
	if r.seen[key] {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", key, contracts.ErrDuplicateDetail)
	}
	r.seen[key] = true
	d.JobID = r.job.ID
	r.mu.Unlock()

	if d.ProcessingOrder == 0 {
		d.ProcessingOrder = r.NextOrder()
	}
	d.CreatedAt = r.tracker.now()

	id, err := r.tracker.store.InsertDetail(ctx, d)
	if err != nil {
		if !errors.Is(err, contracts.ErrDuplicateDetail) {
			r.mu.Lock()
			delete(r.seen, key)
			r.mu.Unlock()
		}
		return fmt.Errorf("insert job detail %s: %w", key, err)
	}
	d.ID = id

	r.processed.Add(int64(d.Counts.Processed))
	r.inserted.Add(int64(d.Counts.Inserted))
	r.updated.Add(int64(d.Counts.Updated))
	r.unchanged.Add(int64(d.Counts.Unchanged))
	r.failed.Add(int64(d.Counts.Failed))
	if d.Succeeded() {
		r.succeeded.Add(1)
	} else {
		r.errored.Add(1)
	}
	return nil
}

// CanRetry reports whether another retry pass is allowed
func (r *Run) CanRetry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.RetryCount < r.job.MaxRetries
}

// MarkRetrying annotates the job as retrying transient failures
func (r *Run) MarkRetrying(ctx context.Context) error {
	r.mu.Lock()
	if r.job.RetryCount >= r.job.MaxRetries {
		r.mu.Unlock()
		return fmt.Errorf("retry budget of %d spent: %w", r.job.MaxRetries, contracts.ErrInvalidTransition)
	}
	r.mu.Unlock()

	if err := r.transition(ctx, contracts.JobRetrying); err != nil {
		return err
	}
	r.tracker.logger.WithFields(map[string]interface{}{
		"job_id":      r.ID(),
		"retry_count": r.Snapshot().RetryCount,
	}).Warn("Job retrying")
	return nil
}

// ResumeRunning leaves the retrying annotation
func (r *Run) ResumeRunning(ctx context.Context) error {
	return r.transition(ctx, contracts.JobRunning)
}

// Finish moves the job to a terminal status exactly once and persists
// the aggregates
func (r *Run) Finish(ctx context.Context, status contracts.JobStatus, errMsg string) (contracts.Job, error) {
	if !status.IsTerminal() {
		return contracts.Job{}, fmt.Errorf("finish with %s: %w", status, contracts.ErrInvalidTransition)
	}

	r.mu.Lock()
	if err := Transition(r.job.Status, status); err != nil {
		r.mu.Unlock()
		return contracts.Job{}, err
	}

	completed := r.tracker.now().UTC()
	if completed.Before(r.job.StartedAt) {
		completed = r.job.StartedAt
	}

	job := r.job
	job.Status = status
	job.CompletedAt = &completed
	job.Duration = completed.Sub(job.StartedAt)
	job.ErrorMessage = errMsg
	job.Counts = r.Counts()
	r.mu.Unlock()

	if err := r.tracker.store.FinishJob(ctx, &job); err != nil {
		return job, fmt.Errorf("finish job %d: %w", job.ID, err)
	}

	r.mu.Lock()
	r.job = job
	r.mu.Unlock()

	succeeded, failed := r.Outcomes()
	r.tracker.logger.WithFields(map[string]interface{}{
		"job_id":      job.ID,
		"status":      job.Status,
		"duration":    job.Duration.String(),
		"processed":   job.Counts.Processed,
		"inserted":    job.Counts.Inserted,
		"updated":     job.Counts.Updated,
		"unchanged":   job.Counts.Unchanged,
		"failed":      job.Counts.Failed,
		"instruments": succeeded + failed,
		"errored":     failed,
	}).Info("Job finished")

	return job, nil
}

// transition validates, persists and applies a non-terminal status change
func (r *Run) transition(ctx context.Context, to contracts.JobStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.job.Status
	if err := Transition(from, to); err != nil {
		return err
	}

	retries := r.job.RetryCount
	if to == contracts.JobRetrying {
		retries++
	}
	if err := r.tracker.store.UpdateStatus(ctx, r.job.ID, from, to, retries); err != nil {
		return fmt.Errorf("job %d %s -> %s: %w", r.job.ID, from, to, err)
	}
	r.job.Status = to
	r.job.RetryCount = retries
	return nil
}
