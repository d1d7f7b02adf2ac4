package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/pkg/database"
)

// Repository persists etl_jobs and etl_job_details
// ⭐ SSOT: etl_jobs / etl_job_details 저장/조회
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new job repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateJob implements Store
func (r *Repository) CreateJob(ctx context.Context, job *contracts.Job) (int64, error) {
	query := `
		INSERT INTO etl_jobs (
			job_name, job_type, instrument_type, status, started_at,
			max_retries, metadata, external_run_id
		) VALUES ($1, $2, $3, $4::etl_job_status, $5, $6, $7, NULLIF($8, ''))
		RETURNING id, created_at`

	var id int64
	err := r.pool.QueryRow(ctx, query,
		job.Name, job.Type, job.InstrumentType, string(job.Status), job.StartedAt,
		job.MaxRetries, job.Metadata, job.ExternalRunID,
	).Scan(&id, &job.CreatedAt)
	if err != nil {
		return 0, storeError("create job", err)
	}
	return id, nil
}

// UpdateStatus implements Store. The row must still be in from.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, from, to contracts.JobStatus, retryCount int) error {
	query := `
		UPDATE etl_jobs
		SET status = $3::etl_job_status, retry_count = $4
		WHERE id = $1 AND status = $2::etl_job_status`

	tag, err := r.pool.Exec(ctx, query, id, string(from), string(to), retryCount)
	if err != nil {
		return storeError("update job status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %d not in %s: %w", id, from, contracts.ErrInvalidTransition)
	}
	return nil
}

// InsertDetail implements Store
func (r *Repository) InsertDetail(ctx context.Context, d *contracts.JobDetail) (int64, error) {
	query := `
		INSERT INTO etl_job_details (
			job_id, instrument_id, symbol, instrument_type, operation, reason,
			date_from, date_to, processing_order,
			records_processed, records_inserted, records_updated, records_unchanged, records_failed,
			error_message, processing_ms, created_at
		) VALUES (
			$1, $2, $3, $4::instrument_type, $5::extraction_operation, NULLIF($6, ''),
			$7, $8, $9, $10, $11, $12, $13, $14, NULLIF($15, ''), $16, $17
		)
		RETURNING id`

	var id int64
	err := r.pool.QueryRow(ctx, query,
		d.JobID, d.InstrumentID, d.Symbol, string(d.InstrumentType), string(d.Operation), d.Reason,
		nullableDate(d.DateFrom), nullableDate(d.DateTo), d.ProcessingOrder,
		d.Counts.Processed, d.Counts.Inserted, d.Counts.Updated, d.Counts.Unchanged, d.Counts.Failed,
		d.ErrorMessage, d.ProcessingTime.Milliseconds(), d.CreatedAt,
	).Scan(&id)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return 0, fmt.Errorf("%s in job %d: %w", d.Symbol, d.JobID, contracts.ErrDuplicateDetail)
		}
		return 0, storeError("insert job detail", err)
	}
	return id, nil
}

// FinishJob implements Store. A job already terminal is never rewritten.
func (r *Repository) FinishJob(ctx context.Context, job *contracts.Job) error {
	query := `
		UPDATE etl_jobs
		SET status = $2::etl_job_status,
			completed_at = $3,
			duration_seconds = $4,
			records_processed = $5,
			records_inserted = $6,
			records_updated = $7,
			records_unchanged = $8,
			records_failed = $9,
			retry_count = $10,
			error_message = NULLIF($11, '')
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`

	tag, err := r.pool.Exec(ctx, query,
		job.ID, string(job.Status), job.CompletedAt, job.Duration.Seconds(),
		job.Counts.Processed, job.Counts.Inserted, job.Counts.Updated, job.Counts.Unchanged, job.Counts.Failed,
		job.RetryCount, job.ErrorMessage,
	)
	if err != nil {
		return storeError("finish job", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %d already finished: %w", job.ID, contracts.ErrInvalidTransition)
	}
	return nil
}

const jobColumns = `
	id, job_name, job_type, instrument_type, status::text, started_at, completed_at,
	COALESCE(duration_seconds, 0)::float8,
	records_processed, records_inserted, records_updated, records_unchanged, records_failed,
	retry_count, max_retries, COALESCE(error_message, ''), metadata,
	COALESCE(external_run_id, ''), created_at`

// Get returns one job
func (r *Repository) Get(ctx context.Context, id int64) (*contracts.Job, error) {
	job, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM etl_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, storeError("get job", err)
	}
	return job, nil
}

// Recent returns the latest jobs, newest first, optionally filtered by status
func (r *Repository) Recent(ctx context.Context, limit int, status contracts.JobStatus) ([]contracts.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM etl_jobs`
	args := []interface{}{limit}
	if status != "" {
		query += ` WHERE status = $2::etl_job_status`
		args = append(args, string(status))
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError("list jobs", err)
	}
	defer rows.Close()

	var jobs []contracts.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storeError("scan job", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list jobs", err)
	}
	return jobs, nil
}

// Details returns the per-instrument outcomes of a job in processing order
func (r *Repository) Details(ctx context.Context, jobID int64) ([]contracts.JobDetail, error) {
	query := `
		SELECT id, job_id, instrument_id, symbol, instrument_type::text, operation::text,
			   COALESCE(reason, ''), date_from, date_to, processing_order,
			   records_processed, records_inserted, records_updated, records_unchanged, records_failed,
			   COALESCE(error_message, ''), processing_ms, created_at
		FROM etl_job_details
		WHERE job_id = $1
		ORDER BY processing_order, id`

	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, storeError("list job details", err)
	}
	defer rows.Close()

	var details []contracts.JobDetail
	for rows.Next() {
		var d contracts.JobDetail
		var instType, op string
		var from, to *time.Time
		var ms int64
		if err := rows.Scan(
			&d.ID, &d.JobID, &d.InstrumentID, &d.Symbol, &instType, &op,
			&d.Reason, &from, &to, &d.ProcessingOrder,
			&d.Counts.Processed, &d.Counts.Inserted, &d.Counts.Updated, &d.Counts.Unchanged, &d.Counts.Failed,
			&d.ErrorMessage, &ms, &d.CreatedAt,
		); err != nil {
			return nil, storeError("scan job detail", err)
		}
		d.InstrumentType = contracts.InstrumentType(instType)
		d.Operation = contracts.Operation(op)
		if from != nil {
			d.DateFrom = contracts.TradingDateFromDB(*from)
		}
		if to != nil {
			d.DateTo = contracts.TradingDateFromDB(*to)
		}
		d.ProcessingTime = time.Duration(ms) * time.Millisecond
		d.CreatedAt = d.CreatedAt.UTC()
		details = append(details, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list job details", err)
	}
	return details, nil
}

func scanJob(row pgx.Row) (*contracts.Job, error) {
	var job contracts.Job
	var status string
	var seconds float64
	if err := row.Scan(
		&job.ID, &job.Name, &job.Type, &job.InstrumentType, &status, &job.StartedAt, &job.CompletedAt,
		&seconds,
		&job.Counts.Processed, &job.Counts.Inserted, &job.Counts.Updated, &job.Counts.Unchanged, &job.Counts.Failed,
		&job.RetryCount, &job.MaxRetries, &job.ErrorMessage, &job.Metadata,
		&job.ExternalRunID, &job.CreatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = contracts.JobStatus(status)
	job.Duration = time.Duration(seconds * float64(time.Second))
	job.StartedAt = job.StartedAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	if job.CompletedAt != nil {
		t := job.CompletedAt.UTC()
		job.CompletedAt = &t
	}
	return &job, nil
}

func nullableDate(d contracts.TradingDate) *time.Time {
	if d.IsZero() {
		return nil
	}
	t := d.Time()
	return &t
}

// storeError tags connection-level failures with ErrStoreUnavailable
func storeError(op string, err error) error {
	if database.IsConnectionError(err) {
		return fmt.Errorf("%s: %w: %w", op, contracts.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
