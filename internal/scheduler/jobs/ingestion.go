package jobs

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/wonny/stocketl/internal/engine"
	"github.com/wonny/stocketl/pkg/logger"
)

// Runner executes one orchestration run
type Runner interface {
	Run(ctx context.Context, rc engine.RunContext) (*engine.Summary, error)
}

// IngestionJob triggers the daily OHLCV extraction
// ⭐ SSOT: 일별 수집 스케줄은 이 Job에서만
type IngestionJob struct {
	runner   Runner
	schedule string
	base     engine.RunContext
	logger   *logger.Logger
}

// NewIngestionJob creates a new ingestion job. base is copied into every
// run and may carry instruments or overrides from a run-context file.
func NewIngestionJob(runner Runner, schedule string, base engine.RunContext, log *logger.Logger) *IngestionJob {
	return &IngestionJob{
		runner:   runner,
		schedule: schedule,
		base:     base,
		logger:   log.WithField("job", "ohlcv_ingestion"),
	}
}

// Name returns the job name
func (j *IngestionJob) Name() string {
	return "ohlcv_ingestion"
}

// Schedule returns the cron schedule (weekdays after the WSE close by default)
func (j *IngestionJob) Schedule() string {
	return j.schedule
}

// Run executes one extraction run
func (j *IngestionJob) Run(ctx context.Context) error {
	rc := j.base
	rc.Trigger = "scheduler"
	if rc.JobName == "" {
		rc.JobName = "ohlcv_daily"
	}
	// each trigger is its own external run
	rc.ExternalRunID = "scheduler__" + uuid.NewString()

	sum, err := j.runner.Run(ctx, rc)
	if err != nil {
		return fmt.Errorf("ingestion run: %w", err)
	}

	if sum.Skipped {
		j.logger.WithField("reason", sum.SkipReason).Info("Scheduled ingestion skipped")
		return nil
	}

	j.logger.WithFields(map[string]interface{}{
		"job_id":   sum.Job.ID,
		"status":   sum.Job.Status,
		"inserted": sum.Job.Counts.Inserted,
		"updated":  sum.Job.Counts.Updated,
		"failed":   sum.Job.Counts.Failed,
		"notified": sum.Notified,
	}).Info("Scheduled ingestion finished")

	// a failed job is recorded already; surfacing it keeps scheduler stats honest
	if sum.Job.Status.IsTerminal() && sum.Job.ErrorMessage != "" {
		return fmt.Errorf("job %d %s: %s", sum.Job.ID, sum.Job.Status, sum.Job.ErrorMessage)
	}
	return nil
}
