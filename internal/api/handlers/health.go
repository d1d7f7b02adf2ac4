package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/pkg/database"
)

// HealthChecker reports store health
type HealthChecker interface {
	HealthCheck(ctx context.Context) (*database.HealthStatus, error)
}

// SessionCalendar answers session questions for the status endpoint
type SessionCalendar interface {
	IsTradingDay(d contracts.TradingDate, exchange string) bool
	HolidayName(d contracts.TradingDate, exchange string) (string, bool)
	LastCompletedSession(exchange string, now time.Time) contracts.TradingDate
	Today(exchange string, now time.Time) contracts.TradingDate
}

// HealthHandler serves liveness and calendar status
type HealthHandler struct {
	db       HealthChecker
	calendar SessionCalendar
	exchange string
	now      func() time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db HealthChecker, cal SessionCalendar, exchange string) *HealthHandler {
	return &HealthHandler{db: db, calendar: cal, exchange: exchange, now: time.Now}
}

// Health reports the store connection
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status, err := h.db.HealthCheck(ctx)
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "unavailable",
			"service":  "ohlcv-etl",
			"database": status,
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"service":  "ohlcv-etl",
		"database": status,
	})
}

// SessionStatus describes one calendar date
type SessionStatus struct {
	Exchange    string                `json:"exchange"`
	Date        contracts.TradingDate `json:"date"`
	TradingDay  bool                  `json:"trading_day"`
	Holiday     string                `json:"holiday,omitempty"`
	LastSession contracts.TradingDate `json:"last_completed_session"`
}

// Calendar reports whether a date is a session
// GET /api/calendar?date=2024-06-14&exchange=WSE
func (h *HealthHandler) Calendar(w http.ResponseWriter, r *http.Request) {
	exchange := h.exchange
	if v := r.URL.Query().Get("exchange"); v != "" {
		exchange = v
	}

	now := h.now()
	date := h.calendar.Today(exchange, now)
	if v := r.URL.Query().Get("date"); v != "" {
		d, err := contracts.ParseTradingDate(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid date format (expected YYYY-MM-DD)")
			return
		}
		date = d
	}

	st := SessionStatus{
		Exchange:    exchange,
		Date:        date,
		TradingDay:  h.calendar.IsTradingDay(date, exchange),
		LastSession: h.calendar.LastCompletedSession(exchange, now),
	}
	if name, ok := h.calendar.HolidayName(date, exchange); ok {
		st.Holiday = name
	}

	respondJSON(w, http.StatusOK, st)
}
