package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	env     string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "etl",
	Short: "OHLCV ETL - 일봉 수집 오케스트레이션 엔진",
	Long: `OHLCV ETL Unified CLI

거래소 일봉(OHLCV) 수집 엔진.
전략 결정 → 추출 → 멱등 적재 → 품질 검증 → 작업 감사 → 캐시 무효화.

Usage:
  go run ./cmd/etl [command]

Examples:
  go run ./cmd/etl migrate
  go run ./cmd/etl run
  go run ./cmd/etl run --symbols PKN,XTB --backfill
  go run ./cmd/etl run --context run.yaml
  go run ./cmd/etl scheduler start
  go run ./cmd/etl jobs list --status failed
  go run ./cmd/etl serve`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&env, "env", "", "environment override (development|staging|production)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}
