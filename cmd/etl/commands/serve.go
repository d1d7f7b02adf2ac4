package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/stocketl/internal/api"
	"github.com/wonny/stocketl/internal/api/handlers"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "운영 API 서버 시작",
	Long: `운영용 REST API 서버를 시작합니다.

이 명령어는:
- HTTP API 서버 시작
- 작업 감사 기록 및 품질 결과 조회
- 거래일 캘린더 조회

Endpoints:
  GET  /health                  - Health check
  GET  /metrics                 - Prometheus 메트릭 (METRICS_ENABLED)
  GET  /api/jobs                - 최근 작업 목록 (?limit=&status=)
  GET  /api/jobs/{id}           - 작업 + 종목별 결과
  GET  /api/jobs/{id}/quality   - 품질 검증 결과
  GET  /api/calendar            - 거래일 여부 (?date=&exchange=)

Example:
  go run ./cmd/etl serve
  go run ./cmd/etl serve --port 8080`,
	RunE: runServe,
}

var servePort string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&servePort, "port", "", "API 서버 포트 (기본 PORT)")
}

func runServe(cmd *cobra.Command, args []string) error {
	fmt.Fprintln(out, "=== OHLCV ETL API Server ===")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if servePort != "" {
		a.cfg.Port = servePort
	}

	h := api.Handlers{
		Health: handlers.NewHealthHandler(a.db, a.calendar, a.cfg.Engine.DefaultExchange),
		Jobs:   handlers.NewJobHandler(a.jobs, a.quality, a.log),
	}
	if a.cfg.MetricsEnabled {
		h.Metrics = a.metrics.Handler()
	}

	server := api.New(a.cfg, a.log, api.NewRouter(h, a.log))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	fmt.Fprintf(out, "\n✅ Server running on http://localhost:%s\n", a.cfg.Port)
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	case <-quit:
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	a.log.Info("Server stopped")
	return nil
}
