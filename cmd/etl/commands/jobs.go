package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wonny/stocketl/internal/contracts"
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "작업 감사 기록 조회",
	Long: `수집 작업의 감사 기록을 조회합니다.

Subcommands:
  list    - 최근 작업 목록
  show    - 작업 상세 (종목별 결과 + 품질 요약)

Example:
  go run ./cmd/etl jobs list
  go run ./cmd/etl jobs list --status failed --limit 20
  go run ./cmd/etl jobs show 42`,
}

var (
	jobsListCmd = &cobra.Command{
		Use:   "list",
		Short: "최근 작업 목록",
		RunE:  listRecentJobs,
	}

	jobsShowCmd = &cobra.Command{
		Use:   "show [job_id]",
		Short: "작업 상세",
		Args:  cobra.ExactArgs(1),
		RunE:  showJob,
	}

	jobsLimit  int
	jobsStatus string
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)

	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 20, "최대 개수 (1-500)")
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "상태 필터 (pending|running|retrying|completed|failed|cancelled)")
}

func listRecentJobs(cmd *cobra.Command, args []string) error {
	var status contracts.JobStatus
	if jobsStatus != "" {
		s, err := contracts.ParseJobStatus(jobsStatus)
		if err != nil {
			return err
		}
		status = s
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	recent, err := a.jobs.Recent(cmd.Context(), jobsLimit, status)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(recent) == 0 {
		PrintWarning("No jobs found")
		return nil
	}

	widths := []int{6, 18, 12, 14, 20, 10, 24}
	PrintTableHeader([]string{"ID", "NAME", "TYPE", "STATUS", "STARTED", "DURATION", "RECORDS"}, widths)
	for _, j := range recent {
		duration := "-"
		if j.CompletedAt != nil {
			duration = fmt.Sprintf("%.1fs", j.Duration.Seconds())
		}
		PrintTableRow([]string{
			strconv.FormatInt(j.ID, 10),
			j.Name,
			j.Type,
			statusIcon(j.Status) + " " + string(j.Status),
			j.StartedAt.Format("2006-01-02 15:04:05"),
			duration,
			formatCounts(j.Counts),
		}, widths)
	}
	return nil
}

func showJob(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid job id %q", args[0])
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	job, err := a.jobs.Get(ctx, id)
	if errors.Is(err, contracts.ErrNotFound) {
		PrintError(fmt.Sprintf("Job #%d not found", id))
		return err
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	details, err := a.jobs.Details(ctx, id)
	if err != nil {
		return fmt.Errorf("load details: %w", err)
	}
	summary, err := a.quality.SeveritySummary(ctx, id)
	if err != nil {
		return fmt.Errorf("load quality: %w", err)
	}

	PrintJob(*job)
	PrintSeverities(summary)
	fmt.Fprintln(out)
	if len(details) > 0 {
		PrintDetails(details)
	}
	return nil
}
