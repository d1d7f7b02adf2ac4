package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/stocketl/internal/calendar"
	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/internal/engine"
	"github.com/wonny/stocketl/internal/strategy"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := out
	out = &buf
	t.Cleanup(func() { out = prev })
	return &buf
}

func TestParseOverride(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		symbol  string
		want    strategy.Override
		wantErr bool
	}{
		{"mode only", "pkn=skip", "PKN", strategy.Override{Operation: contracts.OperationSkip}, false},
		{"mode and window", "XTB=backfill:250", "XTB", strategy.Override{Operation: contracts.OperationBackfill, Window: 250}, false},
		{"upper case mode", "CDR=Incremental", "CDR", strategy.Override{Operation: contracts.OperationIncremental}, false},
		{"missing equals", "PKN", "", strategy.Override{}, true},
		{"empty symbol", "=skip", "", strategy.Override{}, true},
		{"unknown mode", "PKN=refresh", "", strategy.Override{}, true},
		{"bad window", "PKN=backfill:many", "", strategy.Override{}, true},
		{"negative window", "PKN=backfill:-5", "", strategy.Override{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			symbol, o, err := parseOverride(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.symbol, symbol)
			assert.Equal(t, tt.want, o)
		})
	}
}

func TestBuildRunContext(t *testing.T) {
	t.Run("flags only", func(t *testing.T) {
		rc, err := buildRunContext(runFlags{
			symbols:   []string{"PKN", " XTB ", ""},
			instType:  "stock",
			asOf:      "2024-06-10",
			backfill:  true,
			overrides: []string{"pkn=backfill:100"},
			jobName:   "manual_fix",
		})
		require.NoError(t, err)

		assert.Equal(t, "manual", rc.Trigger)
		assert.Equal(t, "manual_fix", rc.JobName)
		assert.True(t, rc.Backfill)
		assert.Equal(t, contracts.MustTradingDate("2024-06-10"), rc.AsOf)
		require.Len(t, rc.Instruments, 2)
		assert.Equal(t, "XTB", rc.Instruments[1].Symbol)
		assert.Equal(t, contracts.InstrumentStock, rc.Instruments[1].Type)
		require.NotNil(t, rc.OverrideFor("PKN"))
		assert.Equal(t, 100, rc.OverrideFor("PKN").Window)
	})

	t.Run("flags win over file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
job_name: from_file
instruments:
  - symbol: CDR
    type: stock
force: true
`), 0o600))

		rc, err := buildRunContext(runFlags{
			contextFile: path,
			symbols:     []string{"WIG20"},
			instType:    "index",
		})
		require.NoError(t, err)

		assert.Equal(t, "file", rc.Trigger)
		assert.Equal(t, "from_file", rc.JobName)
		assert.True(t, rc.Force)
		require.Len(t, rc.Instruments, 1)
		assert.Equal(t, contracts.InstrumentIndex, rc.Instruments[0].Type)
	})

	t.Run("invalid", func(t *testing.T) {
		bad := []runFlags{
			{from: "2024-01-01"},
			{from: "2024-02-01", to: "2024-01-01"},
			{asOf: "yesterday"},
			{symbols: []string{"PKN"}, instType: "crypto"},
			{overrides: []string{"PKN"}},
			{contextFile: filepath.Join(t.TempDir(), "missing.yaml")},
		}
		for _, f := range bad {
			_, err := buildRunContext(f)
			assert.Error(t, err, "%+v", f)
		}
	})
}

func TestPrintSummary(t *testing.T) {
	buf := captureOutput(t)

	completed := time.Date(2024, 6, 14, 18, 1, 0, 0, time.UTC)
	PrintSummary(&engine.Summary{
		Job: contracts.Job{
			ID:          7,
			Name:        "ohlcv_daily",
			Type:        "ohlcv",
			Status:      contracts.JobCompleted,
			StartedAt:   completed.Add(-time.Minute),
			CompletedAt: &completed,
			Duration:    time.Minute,
			Counts:      contracts.RecordCounts{Processed: 10, Inserted: 8, Unchanged: 2},
		},
		AsOf:    contracts.MustTradingDate("2024-06-14"),
		Targets: 2,
	})

	s := buf.String()
	assert.Contains(t, s, "ohlcv_daily")
	assert.Contains(t, s, "#7")
	assert.Contains(t, s, "10 (+8 ~0 =2 !0)")
	assert.Contains(t, s, "2024-06-14")
	assert.Contains(t, s, "Job #7 completed")
}

func TestPrintSummarySkipped(t *testing.T) {
	buf := captureOutput(t)

	PrintSummary(&engine.Summary{Skipped: true, SkipReason: "2024-06-15 is not a trading day"})
	assert.Contains(t, buf.String(), "Run skipped: 2024-06-15 is not a trading day")
}

func TestPrintSeverities(t *testing.T) {
	buf := captureOutput(t)

	PrintSeverities(map[contracts.Severity]int{
		contracts.SeverityInfo:    3,
		contracts.SeverityError:   1,
		contracts.SeverityWarning: 2,
	})
	assert.Contains(t, buf.String(), "error=1 warning=2 info=3")

	buf.Reset()
	PrintSeverities(nil)
	assert.Contains(t, buf.String(), "no findings")
}

func TestPrintSessionStatus(t *testing.T) {
	buf := captureOutput(t)

	cal, err := calendar.New(nil)
	require.NoError(t, err)

	now := time.Date(2024, 12, 27, 12, 0, 0, 0, time.UTC)
	printSessionStatus(cal, "WSE", contracts.MustTradingDate("2024-12-24"), now)

	s := buf.String()
	assert.Contains(t, s, "closed (")
	assert.Contains(t, s, "2024-12-23")
	assert.Contains(t, s, "2024-12-27")
}
