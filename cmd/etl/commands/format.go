package commands

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/internal/engine"
)

// ═══════════════════════════════════════════════════════════
// Common Formatting Utilities
// 모든 커맨드가 동일한 출력 포맷을 사용하도록 통일
// ═══════════════════════════════════════════════════════════

// out is where command output goes; tests swap it
var out io.Writer = os.Stdout

// PrintSeparator prints a visual separator
func PrintSeparator() {
	fmt.Fprintln(out, "───────────────────────────────────────────────────────────")
}

// PrintDoubleSeparator prints a double-line separator
func PrintDoubleSeparator() {
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
}

// PrintWarning prints a warning message
func PrintWarning(message string) {
	fmt.Fprintf(out, "⚠️  %s\n", message)
}

// PrintSuccess prints a success message
func PrintSuccess(message string) {
	fmt.Fprintf(out, "✅ %s\n", message)
}

// PrintError prints an error message
func PrintError(message string) {
	fmt.Fprintf(out, "❌ %s\n", message)
}

// PrintKeyValue prints key-value pairs
func PrintKeyValue(key string, value string, keyWidth int) {
	fmt.Fprintf(out, "   %-*s : %s\n", keyWidth, key, value)
}

// PrintTableHeader prints a table header
func PrintTableHeader(columns []string, widths []int) {
	PrintTableRow(columns, widths)

	totalWidth := 0
	for i, width := range widths {
		totalWidth += width
		if i < len(widths)-1 {
			totalWidth += 2 // spacing
		}
	}
	fmt.Fprintln(out, strings.Repeat("─", totalWidth))
}

// PrintTableRow prints a table row
func PrintTableRow(values []string, widths []int) {
	for i, val := range values {
		fmt.Fprintf(out, "%-*s", widths[i], val)
		if i < len(values)-1 {
			fmt.Fprint(out, "  ")
		}
	}
	fmt.Fprintln(out)
}

// PrintJob prints one job's header block
func PrintJob(job contracts.Job) {
	fmt.Fprintln(out)
	PrintDoubleSeparator()
	fmt.Fprintf(out, "  %s (%s)\n", job.Name, job.Type)
	PrintSeparator()
	PrintKeyValue("Job ID", fmt.Sprintf("#%d", job.ID), 10)
	PrintKeyValue("Status", statusIcon(job.Status)+" "+string(job.Status), 10)
	PrintKeyValue("Scope", job.InstrumentType, 10)
	PrintKeyValue("Started", job.StartedAt.Format("2006-01-02 15:04:05Z"), 10)
	if job.CompletedAt != nil {
		PrintKeyValue("Duration", job.Duration.Round(time.Millisecond).String(), 10)
	}
	PrintKeyValue("Records", formatCounts(job.Counts), 10)
	if job.RetryCount > 0 {
		PrintKeyValue("Retries", fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries), 10)
	}
	if job.ExternalRunID != "" {
		PrintKeyValue("Run ID", job.ExternalRunID, 10)
	}
	if job.ErrorMessage != "" {
		PrintKeyValue("Error", job.ErrorMessage, 10)
	}
	PrintSeparator()
}

// PrintDetails prints per-instrument outcomes as a table
func PrintDetails(details []contracts.JobDetail) {
	widths := []int{4, 8, 6, 11, 23, 30, 0}
	PrintTableHeader([]string{"#", "SYMBOL", "TYPE", "OPERATION", "RANGE", "RECORDS", "ERROR"}, widths)

	for _, d := range details {
		span := "-"
		if !d.DateFrom.IsZero() {
			span = d.DateFrom.String() + ".." + d.DateTo.String()
		}
		PrintTableRow([]string{
			fmt.Sprintf("%d", d.ProcessingOrder),
			d.Symbol,
			string(d.InstrumentType),
			string(d.Operation),
			span,
			formatCounts(d.Counts),
			d.ErrorMessage,
		}, widths)
	}
}

// PrintSummary prints the result of one engine run
func PrintSummary(sum *engine.Summary) {
	if sum.Skipped {
		PrintWarning("Run skipped: " + sum.SkipReason)
		return
	}

	PrintJob(sum.Job)
	PrintKeyValue("Session", sum.AsOf.String(), 10)
	PrintKeyValue("Targets", fmt.Sprintf("%d", sum.Targets), 10)
	PrintKeyValue("Backfill", fmt.Sprintf("%t", sum.Backfill), 10)
	PrintKeyValue("Notified", fmt.Sprintf("%t", sum.Notified), 10)
	fmt.Fprintln(out)

	switch sum.Job.Status {
	case contracts.JobCompleted:
		PrintSuccess(fmt.Sprintf("Job #%d completed in %.2fs", sum.Job.ID, sum.Job.Duration.Seconds()))
	default:
		PrintError(fmt.Sprintf("Job #%d %s", sum.Job.ID, sum.Job.Status))
	}
}

// PrintSeverities prints a findings summary, worst first
func PrintSeverities(summary map[contracts.Severity]int) {
	if len(summary) == 0 {
		PrintKeyValue("Quality", "no findings", 10)
		return
	}

	sevs := make([]contracts.Severity, 0, len(summary))
	for s := range summary {
		sevs = append(sevs, s)
	}
	sort.Slice(sevs, func(i, j int) bool { return sevs[i].Rank() > sevs[j].Rank() })

	parts := make([]string, 0, len(sevs))
	for _, s := range sevs {
		parts = append(parts, fmt.Sprintf("%s=%d", s, summary[s]))
	}
	PrintKeyValue("Quality", strings.Join(parts, " "), 10)
}

func formatCounts(c contracts.RecordCounts) string {
	return fmt.Sprintf("%d (+%d ~%d =%d !%d)", c.Processed, c.Inserted, c.Updated, c.Unchanged, c.Failed)
}

func statusIcon(s contracts.JobStatus) string {
	switch s {
	case contracts.JobCompleted:
		return "✅"
	case contracts.JobFailed:
		return "❌"
	case contracts.JobCancelled:
		return "⏹"
	case contracts.JobRetrying:
		return "🔁"
	}
	return "⏳"
}
