package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wonny/stocketl/pkg/database"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "DB 스키마 생성",
	Long: `수집 엔진이 사용하는 테이블을 생성합니다.

생성되는 테이블:
- countries, exchanges, sectors  참조 데이터
- instruments           종목 레지스트리
- stock_prices          주식 일봉
- index_prices          지수 일봉
- etl_jobs              작업 감사
- etl_job_details       종목별 결과
- data_quality_metrics  품질 검증 결과

여러 번 실행해도 안전합니다 (IF NOT EXISTS).

Example:
  go run ./cmd/etl migrate
  go run ./cmd/etl migrate --print`,
	RunE: runMigrate,
}

var migratePrint bool

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().BoolVar(&migratePrint, "print", false, "스키마 SQL만 출력")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if migratePrint {
		fmt.Fprintln(out, database.Schema())
		return nil
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.db.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	PrintSuccess("Schema is up to date")
	return nil
}
