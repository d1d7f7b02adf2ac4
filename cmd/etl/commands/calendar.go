package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/stocketl/internal/calendar"
	"github.com/wonny/stocketl/internal/contracts"
)

// calendarCmd represents the calendar command
var calendarCmd = &cobra.Command{
	Use:   "calendar",
	Short: "거래일 캘린더 조회",
	Long: `거래소 거래일 캘린더를 조회합니다. DB 연결 없이 동작합니다.

Subcommands:
  check     - 특정 날짜의 거래일 여부
  sessions  - 기간 내 거래일 목록

Example:
  go run ./cmd/etl calendar check
  go run ./cmd/etl calendar check 2024-12-24
  go run ./cmd/etl calendar sessions --from 2024-12-20 --to 2025-01-03`,
}

var (
	calendarCheckCmd = &cobra.Command{
		Use:   "check [date]",
		Short: "거래일 여부",
		Args:  cobra.MaximumNArgs(1),
		RunE:  checkCalendar,
	}

	calendarSessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "기간 내 거래일 목록",
		RunE:  listSessions,
	}

	calendarExchange string
	calendarFrom     string
	calendarTo       string
)

func init() {
	rootCmd.AddCommand(calendarCmd)
	calendarCmd.AddCommand(calendarCheckCmd)
	calendarCmd.AddCommand(calendarSessionsCmd)

	calendarCmd.PersistentFlags().StringVar(&calendarExchange, "exchange", "", "거래소 (기본 DEFAULT_EXCHANGE)")
	calendarSessionsCmd.Flags().StringVar(&calendarFrom, "from", "", "시작일 (YYYY-MM-DD)")
	calendarSessionsCmd.Flags().StringVar(&calendarTo, "to", "", "종료일 (YYYY-MM-DD)")
	_ = calendarSessionsCmd.MarkFlagRequired("from")
	_ = calendarSessionsCmd.MarkFlagRequired("to")
}

// loadCalendar builds the calendar from config only
func loadCalendar() (*calendar.Calendar, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	cal, err := calendar.New(cfg.Engine.CalendarClosures)
	if err != nil {
		return nil, "", fmt.Errorf("build calendar: %w", err)
	}

	exchange := calendarExchange
	if exchange == "" {
		exchange = cfg.Engine.DefaultExchange
	}
	return cal, exchange, nil
}

func checkCalendar(cmd *cobra.Command, args []string) error {
	cal, exchange, err := loadCalendar()
	if err != nil {
		return err
	}

	now := time.Now()
	date := cal.Today(exchange, now)
	if len(args) == 1 {
		if date, err = contracts.ParseTradingDate(args[0]); err != nil {
			return err
		}
	}

	printSessionStatus(cal, exchange, date, now)
	return nil
}

func printSessionStatus(cal *calendar.Calendar, exchange string, date contracts.TradingDate, now time.Time) {
	PrintSeparator()
	PrintKeyValue("Exchange", exchange, 12)
	PrintKeyValue("Date", fmt.Sprintf("%s (%s)", date, date.Weekday()), 12)

	if cal.IsTradingDay(date, exchange) {
		PrintKeyValue("Session", "✅ trading day", 12)
	} else if name, ok := cal.HolidayName(date, exchange); ok {
		PrintKeyValue("Session", "❌ closed ("+name+")", 12)
	} else {
		PrintKeyValue("Session", "❌ closed (weekend)", 12)
	}

	PrintKeyValue("Previous", cal.PreviousTradingDay(date, exchange).String(), 12)
	PrintKeyValue("Next", cal.NextTradingDay(date, exchange).String(), 12)
	PrintKeyValue("Last closed", cal.LastCompletedSession(exchange, now).String(), 12)
	PrintSeparator()
}

func listSessions(cmd *cobra.Command, args []string) error {
	from, err := contracts.ParseTradingDate(calendarFrom)
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	to, err := contracts.ParseTradingDate(calendarTo)
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}
	if to.Before(from) {
		return fmt.Errorf("--to %s is before --from %s", to, from)
	}

	cal, exchange, err := loadCalendar()
	if err != nil {
		return err
	}

	sessions := cal.TradingDaysBetween(from, to, exchange)
	for _, d := range sessions {
		fmt.Fprintf(out, "%s  %s\n", d, d.Weekday())
	}
	fmt.Fprintf(out, "\n%d sessions on %s between %s and %s\n", len(sessions), exchange, from, to)
	return nil
}
