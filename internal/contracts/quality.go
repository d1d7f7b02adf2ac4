package contracts

import (
	"fmt"
	"time"
)

// Severity is the closed set of quality finding levels
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates s against the closed set
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(s); sev {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return sev, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Rank orders severities from info (0) to critical (3)
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// Quality metric names
const (
	MetricOHLCConsistency   = "ohlc_consistency"
	MetricPriceGap          = "price_gap"
	MetricVolumeConsistency = "volume_consistency"
	// MetricMalformedRow aggregates rows without a parseable date, filed under the run's as-of date
	MetricMalformedRow      = "malformed_row"
)

// QualityMetric is one persisted data-quality finding
type QualityMetric struct {
	ID           int64       `json:"id"`
	JobID        *int64      `json:"job_id,omitempty"`
	InstrumentID int64       `json:"instrument_id"`
	Symbol       string      `json:"symbol"`
	MetricDate   TradingDate `json:"metric_date"`
	Name         string      `json:"metric_name"`
	Value        *float64    `json:"metric_value,omitempty"`
	ThresholdMin *float64    `json:"threshold_min,omitempty"`
	ThresholdMax *float64    `json:"threshold_max,omitempty"`
	Passed       bool        `json:"passed"`
	Severity     Severity    `json:"severity"`
	Description  string      `json:"description"`
	CreatedAt    time.Time   `json:"created_at"`
}
