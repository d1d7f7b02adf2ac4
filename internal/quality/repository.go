package quality

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/pkg/database"
)

// Repository handles data quality metric persistence
// ⭐ SSOT: data_quality_metrics 저장/조회
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new quality repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// SaveMetrics implements Sink. Findings are append-only: a metric already
// recorded for the same instrument, date and name is dropped.
func (r *Repository) SaveMetrics(ctx context.Context, metrics []contracts.QualityMetric) (int, error) {
	if len(metrics) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO data_quality_metrics (
			job_id, instrument_id, metric_date, metric_name, metric_value,
			threshold_min, threshold_max, passed, severity, description
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (instrument_id, metric_date, metric_name) DO NOTHING`

	for _, m := range metrics {
		batch.Queue(query,
			m.JobID, m.InstrumentID, m.MetricDate.Time(), m.Name, m.Value,
			m.ThresholdMin, m.ThresholdMax, m.Passed, string(m.Severity), m.Description,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	saved := 0
	for range metrics {
		tag, err := br.Exec()
		if err != nil {
			return saved, storeError("save quality metric", err)
		}
		saved += int(tag.RowsAffected())
	}

	return saved, nil
}

// ListByJob returns the findings recorded by a job, worst first
func (r *Repository) ListByJob(ctx context.Context, jobID int64) ([]contracts.QualityMetric, error) {
	query := `
		SELECT m.id, m.job_id, m.instrument_id, i.symbol, m.metric_date, m.metric_name,
			   m.metric_value, m.threshold_min, m.threshold_max, m.passed, m.severity,
			   COALESCE(m.description, ''), m.created_at
		FROM data_quality_metrics m
		JOIN instruments i ON i.id = m.instrument_id
		WHERE m.job_id = $1
		ORDER BY m.severity DESC, i.symbol, m.metric_date`

	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, storeError("list quality metrics", err)
	}
	defer rows.Close()

	var metrics []contracts.QualityMetric
	for rows.Next() {
		var m contracts.QualityMetric
		var date time.Time
		var sev string
		if err := rows.Scan(
			&m.ID, &m.JobID, &m.InstrumentID, &m.Symbol, &date, &m.Name,
			&m.Value, &m.ThresholdMin, &m.ThresholdMax, &m.Passed, &sev,
			&m.Description, &m.CreatedAt,
		); err != nil {
			return nil, storeError("scan quality metric", err)
		}
		m.MetricDate = contracts.TradingDateFromDB(date)
		m.Severity = contracts.Severity(sev)
		m.CreatedAt = m.CreatedAt.UTC()
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list quality metrics", err)
	}
	return metrics, nil
}

// SeveritySummary counts a job's findings per severity
func (r *Repository) SeveritySummary(ctx context.Context, jobID int64) (map[contracts.Severity]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT severity, COUNT(*)
		FROM data_quality_metrics
		WHERE job_id = $1
		GROUP BY severity`, jobID)
	if err != nil {
		return nil, storeError("summarize quality metrics", err)
	}
	defer rows.Close()

	summary := make(map[contracts.Severity]int)
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, storeError("scan severity summary", err)
		}
		summary[contracts.Severity(sev)] = n
	}
	return summary, rows.Err()
}

// storeError tags connection-level failures with ErrStoreUnavailable
func storeError(op string, err error) error {
	if database.IsConnectionError(err) {
		return fmt.Errorf("%s: %w: %w", op, contracts.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
