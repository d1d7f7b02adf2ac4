package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/stocketl/internal/engine"
	"github.com/wonny/stocketl/internal/scheduler"
	"github.com/wonny/stocketl/internal/scheduler/jobs"
)

// schedulerCmd represents the scheduler command
var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "스케줄러 관리",
	Long: `스케줄러를 시작하거나 작업을 관리합니다.

이 명령어는:
- 스케줄러 데몬 시작
- 등록된 작업 조회
- 작업 실행 이력 조회

Subcommands:
  start   - 스케줄러 시작
  list    - 등록된 작업 목록
  run     - 특정 작업 즉시 실행
  status  - 작업 실행 상태 조회

Example:
  go run ./cmd/etl scheduler start
  go run ./cmd/etl scheduler list
  go run ./cmd/etl scheduler run ohlcv_ingestion`,
}

var (
	schedulerStartCmd = &cobra.Command{
		Use:   "start",
		Short: "스케줄러 시작",
		Long: `스케줄러를 시작하고 수집 작업을 스케줄합니다.

등록되는 작업:
- ohlcv_ingestion: INGEST_SCHEDULE (기본 평일 18:00, 거래소 시간대)

METRICS_ENABLED=true 이면 METRICS_PORT 에서 /metrics 를 노출합니다.
스케줄러는 Ctrl+C로 종료할 수 있습니다. 실행 중인 작업은 cancelled 로 종료됩니다.`,
		RunE: runScheduler,
	}

	schedulerListCmd = &cobra.Command{
		Use:   "list",
		Short: "등록된 작업 목록",
		RunE:  listScheduledJobs,
	}

	schedulerRunCmd = &cobra.Command{
		Use:   "run [job_name]",
		Short: "특정 작업 즉시 실행",
		Args:  cobra.ExactArgs(1),
		RunE:  runScheduledJob,
	}

	schedulerStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "작업 실행 상태 조회",
		RunE:  showSchedulerStatus,
	}
)

func init() {
	rootCmd.AddCommand(schedulerCmd)
	schedulerCmd.AddCommand(schedulerStartCmd)
	schedulerCmd.AddCommand(schedulerListCmd)
	schedulerCmd.AddCommand(schedulerRunCmd)
	schedulerCmd.AddCommand(schedulerStatusCmd)
}

func runScheduler(cmd *cobra.Command, args []string) error {
	fmt.Fprintln(out, "=== OHLCV ETL Scheduler ===")

	a, sched, err := initScheduler()
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	defer a.close()

	var metricsServer *http.Server
	if a.cfg.MetricsEnabled {
		metricsServer = &http.Server{
			Addr:              ":" + a.cfg.MetricsPort,
			Handler:           a.metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	sched.Start()

	fmt.Fprintln(out)
	PrintSuccess("Scheduler started successfully")
	fmt.Fprintln(out, "\nRegistered jobs:")
	for name, stat := range sched.GetJobStats() {
		fmt.Fprintf(out, "  - %s (%s)\n", name, stat.Schedule)
	}
	if metricsServer != nil {
		fmt.Fprintf(out, "\nMetrics on http://localhost%s/metrics\n", metricsServer.Addr)
	}
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	fmt.Fprintln(out, "\nShutting down scheduler...")
	sched.Stop()

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(ctx); err != nil {
			a.log.WithError(err).Warn("Metrics server shutdown failed")
		}
	}

	fmt.Fprintln(out, "Scheduler stopped")
	return nil
}

func listScheduledJobs(cmd *cobra.Command, args []string) error {
	a, sched, err := initScheduler()
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	defer a.close()

	fmt.Fprintln(out, "Registered jobs:")
	stats := sched.GetJobStats()
	for _, name := range sched.GetAllJobs() {
		fmt.Fprintf(out, "  - %s (%s)\n", name, stats[name].Schedule)
	}
	return nil
}

// runScheduledJob runs a job in the foreground; the scheduler's own retry policy applies
func runScheduledJob(cmd *cobra.Command, args []string) error {
	jobName := args[0]
	fmt.Fprintf(out, "Running job: %s\n", jobName)

	a, sched, err := initScheduler()
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.RunNow(ctx, jobName); err != nil {
		return fmt.Errorf("run job: %w", err)
	}

	PrintSuccess("Job finished")
	return nil
}

// showSchedulerStatus prints the ingestion history recorded in the job audit table
func showSchedulerStatus(cmd *cobra.Command, args []string) error {
	a, sched, err := initScheduler()
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	defer a.close()

	fmt.Fprintln(out, "Job Statistics:")
	fmt.Fprintln(out)

	for _, name := range sched.GetAllJobs() {
		stat := sched.GetJobStats()[name]
		fmt.Fprintf(out, "📊 %s\n", name)
		PrintKeyValue("Schedule", stat.Schedule, 12)
		if stat.NextRun != nil {
			PrintKeyValue("Next Run", stat.NextRun.Format("2006-01-02 15:04:05 MST"), 12)
		}
		fmt.Fprintln(out)
	}

	// In-process history is empty in a fresh CLI; the audit table is the durable record
	recent, err := a.jobs.Recent(cmd.Context(), 10, "")
	if err != nil {
		return fmt.Errorf("load recent jobs: %w", err)
	}
	if len(recent) == 0 {
		PrintWarning("No ingestion jobs recorded yet")
		return nil
	}

	widths := []int{6, 16, 10, 20, 24}
	PrintTableHeader([]string{"ID", "NAME", "STATUS", "STARTED", "RECORDS"}, widths)
	for _, j := range recent {
		PrintTableRow([]string{
			fmt.Sprintf("%d", j.ID),
			j.Name,
			statusIcon(j.Status) + " " + string(j.Status),
			j.StartedAt.Format("2006-01-02 15:04:05"),
			formatCounts(j.Counts),
		}, widths)
	}
	return nil
}

// initScheduler wires the engine behind a cron-driven ingestion job
func initScheduler() (*app, *scheduler.Scheduler, error) {
	a, err := newApp()
	if err != nil {
		return nil, nil, err
	}

	eng, err := a.engine()
	if err != nil {
		a.close()
		return nil, nil, err
	}

	ec := a.cfg.Engine
	sched := scheduler.New(a.log,
		scheduler.WithLocation(a.calendar.Venue(ec.DefaultExchange).Location),
	)

	job := jobs.NewIngestionJob(eng, ec.Schedule, engine.RunContext{JobName: "ohlcv_daily"}, a.log)
	if err := sched.AddJob(job); err != nil {
		a.close()
		return nil, nil, fmt.Errorf("add job %s: %w", job.Name(), err)
	}

	return a, sched, nil
}
