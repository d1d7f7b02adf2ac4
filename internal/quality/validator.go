package quality

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/pkg/logger"
)

// Config holds quality thresholds
type Config struct {
	GapThreshold       float64 `yaml:"gap_threshold"`        // 0.05
	GapErrorMultiplier float64 `yaml:"gap_error_multiplier"` // 4
	VolumeFactor       float64 `yaml:"volume_factor"`        // 5
	VolumeWindow       int     `yaml:"volume_window"`        // 20
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() Config {
	return Config{
		GapThreshold:       0.05,
		GapErrorMultiplier: 4,
		VolumeFactor:       5,
		VolumeWindow:       20,
	}
}

// History reads stored bars preceding a date
type History interface {
	PrecedingBars(ctx context.Context, inst *contracts.Instrument, before contracts.TradingDate, n int) ([]contracts.Bar, error)
}

// Sink persists findings append-only
type Sink interface {
	SaveMetrics(ctx context.Context, metrics []contracts.QualityMetric) (int, error)
}

// Input is one instrument's load outcome
type Input struct {
	JobID      *int64
	Instrument *contracts.Instrument
	Written    []contracts.Bar         // inserted or updated bars
	Unchanged  []contracts.Bar         // context for gap/volume neighbours
	Rejected   []contracts.RejectedBar // invalid or malformed input rows
	AsOf       contracts.TradingDate   // date used for rows without a parseable date
}

// Report summarizes the findings of one Validate call
type Report struct {
	Metrics    []contracts.QualityMetric
	Saved      int
	BySeverity map[contracts.Severity]int
}

// Worst returns the highest severity found
func (r *Report) Worst() contracts.Severity {
	worst := contracts.SeverityInfo
	for _, m := range r.Metrics {
		if m.Severity.Rank() > worst.Rank() {
			worst = m.Severity
		}
	}
	return worst
}

// Score is the share of passed checks, 1.0 when nothing was checked
func (r *Report) Score() float64 {
	if len(r.Metrics) == 0 {
		return 1.0
	}
	passed := 0
	for _, m := range r.Metrics {
		if m.Passed {
			passed++
		}
	}
	return float64(passed) / float64(len(r.Metrics))
}

// Validator evaluates written bars and records findings.
// It only reads prices.
// ⭐ SSOT: 데이터 품질 판정은 여기서만
type Validator struct {
	history History
	sink    Sink
	config  Config
	logger  *logger.Logger
}

// NewValidator creates a new Validator
func NewValidator(history History, sink Sink, config Config, log *logger.Logger) *Validator {
	return &Validator{
		history: history,
		sink:    sink,
		config:  config,
		logger:  log.WithField("module", "quality"),
	}
}

// Validate runs every check for in and persists the findings
func (v *Validator) Validate(ctx context.Context, in Input) (*Report, error) {
	report := &Report{BySeverity: make(map[contracts.Severity]int)}

	// 1. OHLC consistency
	report.Metrics = append(report.Metrics, v.checkOHLC(in)...)

	// 2/3. gap and volume need the series around the written bars
	if len(in.Written) > 0 {
		series, err := v.series(ctx, in)
		if err != nil {
			return nil, err
		}
		written := make(map[contracts.TradingDate]bool, len(in.Written))
		for _, b := range in.Written {
			written[b.Date] = true
		}
		for i, b := range series {
			if !written[b.Date] {
				continue
			}
			if i > 0 {
				report.Metrics = append(report.Metrics, v.checkGap(in, series[i-1], b))
			}
			report.Metrics = append(report.Metrics, v.checkVolume(in, series[v.windowStart(i):i], b))
		}
	}

	for _, m := range report.Metrics {
		report.BySeverity[m.Severity]++
	}

	if v.sink != nil && len(report.Metrics) > 0 {
		saved, err := v.sink.SaveMetrics(ctx, report.Metrics)
		if err != nil {
			return report, fmt.Errorf("save quality metrics: %w", err)
		}
		report.Saved = saved
	}

	if report.Worst().Rank() >= contracts.SeverityWarning.Rank() {
		logger.FromContext(ctx, v.logger.WithSymbol(in.Instrument.Symbol)).WithFields(map[string]interface{}{
			"metrics":  len(report.Metrics),
			"warning":  report.BySeverity[contracts.SeverityWarning],
			"error":    report.BySeverity[contracts.SeverityError],
			"critical": report.BySeverity[contracts.SeverityCritical],
		}).Warn("Data quality findings")
	}

	return report, nil
}

// series merges stored history with this load's bars, ascending
func (v *Validator) series(ctx context.Context, in Input) ([]contracts.Bar, error) {
	current := make([]contracts.Bar, 0, len(in.Written)+len(in.Unchanged))
	current = append(current, in.Written...)
	current = append(current, in.Unchanged...)
	sort.Slice(current, func(i, j int) bool { return current[i].Date.Before(current[j].Date) })

	if v.history == nil {
		return current, nil
	}
	prev, err := v.history.PrecedingBars(ctx, in.Instrument, current[0].Date, v.config.VolumeWindow)
	if err != nil {
		if errors.Is(err, contracts.ErrStoreUnavailable) {
			return nil, err
		}
		logger.FromContext(ctx, v.logger.WithSymbol(in.Instrument.Symbol)).WithError(err).Warn("History unavailable, checking batch only")
		return current, nil
	}
	return append(prev, current...), nil
}

func (v *Validator) windowStart(i int) int {
	if start := i - v.config.VolumeWindow; start > 0 {
		return start
	}
	return 0
}

// checkOHLC records one ohlc_consistency row per date, a failure winning over
// a pass, plus one malformed_row finding for rows without a usable date.
// Distinct keys keep every failure from being dropped by the append-only sink.
func (v *Validator) checkOHLC(in Input) []contracts.QualityMetric {
	type failure struct {
		sev     contracts.Severity
		reasons []string
	}
	failed := make(map[contracts.TradingDate]*failure)
	var order []contracts.TradingDate
	var dateless []string

	for _, r := range in.Rejected {
		desc := rejectDescription(r)
		if r.Date.IsZero() {
			dateless = append(dateless, desc)
			continue
		}
		sev := contracts.SeverityError
		if r.Malformed {
			sev = contracts.SeverityCritical
		}
		f, ok := failed[r.Date]
		if !ok {
			f = &failure{sev: sev}
			failed[r.Date] = f
			order = append(order, r.Date)
		}
		if sev.Rank() > f.sev.Rank() {
			f.sev = sev
		}
		f.reasons = append(f.reasons, desc)
	}

	var metrics []contracts.QualityMetric
	for _, b := range in.Written {
		if _, bad := failed[b.Date]; bad {
			continue
		}
		metrics = append(metrics, v.metric(in, b.Date, contracts.MetricOHLCConsistency,
			nil, nil, nil, true, contracts.SeverityInfo, "OHLC relationships hold"))
	}
	for _, date := range order {
		f := failed[date]
		n := float64(len(f.reasons))
		metrics = append(metrics, v.metric(in, date, contracts.MetricOHLCConsistency,
			&n, nil, nil, false, f.sev, joinReasons(f.reasons)))
	}
	if len(dateless) > 0 {
		n := float64(len(dateless))
		metrics = append(metrics, v.metric(in, in.AsOf, contracts.MetricMalformedRow,
			&n, nil, nil, false, contracts.SeverityCritical, joinReasons(dateless)))
	}
	return metrics
}

func rejectDescription(r contracts.RejectedBar) string {
	if !r.Malformed {
		return "rejected bar: " + r.Reason
	}
	if r.Line > 0 {
		return fmt.Sprintf("malformed row at line %d: %s", r.Line, r.Reason)
	}
	return "malformed row: " + r.Reason
}

// joinReasons keeps descriptions bounded when a payload is mostly garbage
func joinReasons(reasons []string) string {
	const shown = 3
	if len(reasons) <= shown {
		return strings.Join(reasons, "; ")
	}
	return fmt.Sprintf("%s; and %d more", strings.Join(reasons[:shown], "; "), len(reasons)-shown)
}

func (v *Validator) checkGap(in Input, prev, cur contracts.Bar) contracts.QualityMetric {
	threshold := v.config.GapThreshold

	if prev.Close.IsZero() {
		return v.metric(in, cur.Date, contracts.MetricPriceGap, nil, nil, &threshold,
			false, contracts.SeverityWarning, fmt.Sprintf("previous close on %s is zero", prev.Date))
	}

	// decimal keeps a move of exactly the threshold from tripping it
	move := cur.Close.Div(prev.Close).Sub(decimal.NewFromInt(1)).Abs()
	limit := decimal.NewFromFloat(threshold)

	sev, passed := contracts.SeverityInfo, true
	switch {
	case move.GreaterThan(limit.Mul(decimal.NewFromFloat(v.config.GapErrorMultiplier))):
		sev, passed = contracts.SeverityError, false
	case move.GreaterThan(limit):
		sev, passed = contracts.SeverityWarning, false
	}
	gap := move.InexactFloat64()
	desc := fmt.Sprintf("close moved %.2f%% from %s (%s -> %s)", gap*100, prev.Date, prev.Close, cur.Close)
	return v.metric(in, cur.Date, contracts.MetricPriceGap, &gap, nil, &threshold, passed, sev, desc)
}

func (v *Validator) checkVolume(in Input, window []contracts.Bar, cur contracts.Bar) contracts.QualityMetric {
	if len(window) == 0 {
		return v.metric(in, cur.Date, contracts.MetricVolumeConsistency, nil, nil, nil,
			true, contracts.SeverityInfo, "no volume history")
	}

	var sum float64
	for _, b := range window {
		sum += float64(b.Volume)
	}
	avg := sum / float64(len(window))
	if avg == 0 {
		return v.metric(in, cur.Date, contracts.MetricVolumeConsistency, nil, nil, nil,
			true, contracts.SeverityInfo, "trailing volume is zero")
	}

	ratio := float64(cur.Volume) / avg
	lo, hi := 1/v.config.VolumeFactor, v.config.VolumeFactor
	passed := ratio >= lo && ratio <= hi
	sev := contracts.SeverityInfo
	if !passed {
		sev = contracts.SeverityWarning
	}
	desc := fmt.Sprintf("volume %d is %.2fx the %d-bar average %.0f", cur.Volume, ratio, len(window), avg)
	return v.metric(in, cur.Date, contracts.MetricVolumeConsistency, &ratio, &lo, &hi, passed, sev, desc)
}

func (v *Validator) metric(in Input, date contracts.TradingDate, name string, value, thMin, thMax *float64,
	passed bool, sev contracts.Severity, desc string) contracts.QualityMetric {
	return contracts.QualityMetric{
		JobID:        in.JobID,
		InstrumentID: in.Instrument.ID,
		Symbol:       in.Instrument.Symbol,
		MetricDate:   date,
		Name:         name,
		Value:        value,
		ThresholdMin: thMin,
		ThresholdMax: thMax,
		Passed:       passed,
		Severity:     sev,
		Description:  desc,
	}
}
