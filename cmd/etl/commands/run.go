package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/internal/engine"
	"github.com/wonny/stocketl/internal/strategy"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "수집 작업 1회 실행",
	Long: `대상 종목에 대해 수집 작업을 한 번 실행합니다.

이 명령어는:
- 종목별 전략 결정 (skip / incremental / backfill)
- 외부 소스 추출 및 멱등 적재
- 품질 검증 및 작업 감사 기록
- 변경 발생 시 캐시 무효화 이벤트 발행

대상을 지정하지 않으면 기본 유니버스 + 등록된 활성 종목을 수집합니다.
휴장일에는 --force 없이는 실행하지 않습니다.

Example:
  go run ./cmd/etl run
  go run ./cmd/etl run --symbols PKN,XTB
  go run ./cmd/etl run --symbols WIG20 --type index --backfill
  go run ./cmd/etl run --from 2015-01-02 --to 2015-12-31 --symbols CDR
  go run ./cmd/etl run --override PKN=backfill:250 --override XTB=skip
  go run ./cmd/etl run --context run.yaml`,
	RunE: runIngestion,
}

// runFlags are the CLI inputs of one run
type runFlags struct {
	contextFile   string
	symbols       []string
	instType      string
	exchange      string
	asOf          string
	from          string
	to            string
	backfill      bool
	force         bool
	overrides     []string
	jobName       string
	externalRunID string
	workers       int
}

var runOpts runFlags

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringVar(&runOpts.contextFile, "context", "", "YAML run context file")
	f.StringSliceVar(&runOpts.symbols, "symbols", nil, "target symbols (comma separated)")
	f.StringVar(&runOpts.instType, "type", "stock", "instrument type for --symbols")
	f.StringVar(&runOpts.exchange, "exchange", "", "exchange for --symbols (default DEFAULT_EXCHANGE)")
	f.StringVar(&runOpts.asOf, "as-of", "", "run as of a past session (YYYY-MM-DD)")
	f.StringVar(&runOpts.from, "from", "", "explicit range start (YYYY-MM-DD)")
	f.StringVar(&runOpts.to, "to", "", "explicit range end (YYYY-MM-DD)")
	f.BoolVar(&runOpts.backfill, "backfill", false, "mark the run as a backfill run")
	f.BoolVar(&runOpts.force, "force", false, "run even on a non-trading day")
	f.StringArrayVar(&runOpts.overrides, "override", nil, "SYMBOL=mode[:window], mode is skip|incremental|backfill")
	f.StringVar(&runOpts.jobName, "job-name", "", "job name (default ohlcv_<type>)")
	f.StringVar(&runOpts.externalRunID, "external-run-id", "", "caller's run id for correlation")
	f.IntVar(&runOpts.workers, "workers", 0, "instrument workers (default ENGINE_WORKERS)")
}

func runIngestion(cmd *cobra.Command, args []string) error {
	rc, err := buildRunContext(runOpts)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if runOpts.workers > 0 {
		a.cfg.Engine.Workers = runOpts.workers
	}
	eng, err := a.engine()
	if err != nil {
		return err
	}

	// Ctrl+C cancels the run; the job is still finalized as cancelled
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, runErr := eng.Run(ctx, rc)
	if sum != nil {
		PrintSummary(sum)
		if sum.Job.ID > 0 {
			if details, err := a.jobs.Details(context.Background(), sum.Job.ID); err == nil && len(details) > 0 {
				fmt.Fprintln(out)
				PrintDetails(details)
			}
		}
	}
	if runErr != nil {
		return fmt.Errorf("run: %w", runErr)
	}
	if sum.Job.Status == contracts.JobFailed {
		return fmt.Errorf("job %d failed: %s", sum.Job.ID, sum.Job.ErrorMessage)
	}
	return nil
}

// buildRunContext merges the context file with the flags; flags win
func buildRunContext(f runFlags) (engine.RunContext, error) {
	var rc engine.RunContext
	if f.contextFile != "" {
		loaded, err := engine.LoadRunContext(f.contextFile)
		if err != nil {
			return rc, err
		}
		rc = loaded
	}
	rc.Trigger = "manual"
	if f.contextFile != "" {
		rc.Trigger = "file"
	}

	if f.jobName != "" {
		rc.JobName = f.jobName
	}
	if f.externalRunID != "" {
		rc.ExternalRunID = f.externalRunID
	}
	rc.Backfill = rc.Backfill || f.backfill
	rc.Force = rc.Force || f.force

	var err error
	if f.asOf != "" {
		if rc.AsOf, err = contracts.ParseTradingDate(f.asOf); err != nil {
			return rc, fmt.Errorf("--as-of: %w", err)
		}
	}
	if f.from != "" {
		if rc.From, err = contracts.ParseTradingDate(f.from); err != nil {
			return rc, fmt.Errorf("--from: %w", err)
		}
	}
	if f.to != "" {
		if rc.To, err = contracts.ParseTradingDate(f.to); err != nil {
			return rc, fmt.Errorf("--to: %w", err)
		}
	}

	if len(f.symbols) > 0 {
		t, err := contracts.ParseInstrumentType(f.instType)
		if err != nil {
			return rc, fmt.Errorf("--type: %w", err)
		}
		rc.Instruments = rc.Instruments[:0]
		for _, s := range f.symbols {
			if s = strings.TrimSpace(s); s != "" {
				rc.Instruments = append(rc.Instruments, contracts.InstrumentRef{Symbol: s, Type: t, Exchange: f.exchange})
			}
		}
	}

	for _, raw := range f.overrides {
		symbol, o, err := parseOverride(raw)
		if err != nil {
			return rc, err
		}
		if rc.Overrides == nil {
			rc.Overrides = make(map[string]strategy.Override)
		}
		rc.Overrides[symbol] = o
	}

	if err := rc.Validate(); err != nil {
		return rc, err
	}
	return rc, nil
}

// parseOverride reads SYMBOL=mode[:window]
func parseOverride(raw string) (string, strategy.Override, error) {
	symbol, rule, ok := strings.Cut(raw, "=")
	if !ok || strings.TrimSpace(symbol) == "" {
		return "", strategy.Override{}, fmt.Errorf("--override %q: expected SYMBOL=mode[:window]", raw)
	}

	mode, window, hasWindow := strings.Cut(rule, ":")
	op, err := contracts.ParseOperation(strings.ToLower(strings.TrimSpace(mode)))
	if err != nil {
		return "", strategy.Override{}, fmt.Errorf("--override %q: %w", raw, err)
	}

	o := strategy.Override{Operation: op}
	if hasWindow {
		n, err := strconv.Atoi(window)
		if err != nil || n < 0 {
			return "", strategy.Override{}, fmt.Errorf("--override %q: bad window", raw)
		}
		o.Window = n
	}
	return strings.ToUpper(strings.TrimSpace(symbol)), o, nil
}
