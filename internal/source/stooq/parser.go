package stooq

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/internal/source"
)

// errDailyLimit is Stooq's plain-text answer once the daily quota is spent
var errDailyLimit = errors.New("provider daily hits limit exceeded")

// column aliases, English and Polish headers
var headerAliases = map[string]string{
	"date":       "date",
	"data":       "date",
	"open":       "open",
	"otwarcie":   "open",
	"high":       "high",
	"najwyzszy":  "high",
	"low":        "low",
	"najnizszy":  "low",
	"close":      "close",
	"zamkniecie": "close",
	"volume":     "volume",
	"wolumen":    "volume",
}

var requiredColumns = []string{"date", "open", "high", "low", "close"}

// ParseCSV turns a Stooq daily CSV into bars. Columns are located by header
// name so reordering or extra columns do not break parsing. Rows whose fields
// cannot be read are returned as malformed rejects; relationships between
// fields (high >= low...) are left to the loader.
func ParseCSV(symbol string, payload []byte, dataSource string) (*source.Result, error) {
	payload = bytes.TrimPrefix(payload, []byte("\xef\xbb\xbf"))
	trimmed := strings.TrimSpace(string(payload))

	if trimmed == "" {
		return nil, source.ErrNoData
	}
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "no data"), strings.HasPrefix(lower, "brak danych"):
		return nil, source.ErrNoData
	case strings.Contains(lower, "exceeded the daily hits limit"):
		return nil, errDailyLimit
	case strings.HasPrefix(lower, "<"):
		return nil, fmt.Errorf("%w: html instead of csv", source.ErrFormat)
	}

	r := csv.NewReader(bytes.NewReader(payload))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %v", source.ErrFormat, err)
	}
	cols, err := mapHeader(header)
	if err != nil {
		return nil, err
	}

	result := &source.Result{}
	byDate := make(map[contracts.TradingDate]contracts.Bar)
	line := 1

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			result.Rejected = append(result.Rejected, contracts.RejectedBar{
				Symbol: symbol, Line: line, Reason: err.Error(), Malformed: true,
			})
			continue
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		result.RawRows++

		bar, reject := parseRecord(symbol, record, cols, line)
		if reject != nil {
			result.Rejected = append(result.Rejected, *reject)
			continue
		}
		bar.Source = dataSource
		// later rows win on duplicate dates
		byDate[bar.Date] = bar.WithHash()
	}

	if result.RawRows == 0 {
		return nil, source.ErrNoData
	}

	result.Bars = make([]contracts.Bar, 0, len(byDate))
	for _, b := range byDate {
		result.Bars = append(result.Bars, b)
	}
	sort.Slice(result.Bars, func(i, j int) bool {
		return result.Bars[i].Date.Before(result.Bars[j].Date)
	})
	return result, nil
}

func mapHeader(header []string) (map[string]int, error) {
	cols := make(map[string]int)
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if canonical, ok := headerAliases[key]; ok {
			if _, dup := cols[canonical]; !dup {
				cols[canonical] = i
			}
		}
	}

	var missing []string
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing columns %s in header %q",
			source.ErrFormat, strings.Join(missing, ","), strings.Join(header, ","))
	}
	return cols, nil
}

func parseRecord(symbol string, record []string, cols map[string]int, line int) (contracts.Bar, *contracts.RejectedBar) {
	reject := func(date contracts.TradingDate, format string, args ...interface{}) (contracts.Bar, *contracts.RejectedBar) {
		return contracts.Bar{}, &contracts.RejectedBar{
			Symbol:    symbol,
			Date:      date,
			Line:      line,
			Reason:    fmt.Sprintf(format, args...),
			Malformed: true,
		}
	}

	field := func(name string) (string, bool) {
		idx, ok := cols[name]
		if !ok || idx >= len(record) {
			return "", false
		}
		return strings.TrimSpace(record[idx]), true
	}

	rawDate, ok := field("date")
	if !ok || rawDate == "" {
		return reject(contracts.TradingDate{}, "missing date")
	}
	date, err := contracts.ParseTradingDate(rawDate)
	if err != nil {
		return reject(contracts.TradingDate{}, "bad date %q", rawDate)
	}

	bar := contracts.Bar{Symbol: symbol, Date: date}
	targets := []*decimal.Decimal{&bar.Open, &bar.High, &bar.Low, &bar.Close}
	for i, name := range []string{"open", "high", "low", "close"} {
		raw, ok := field(name)
		if !ok || raw == "" {
			return reject(date, "missing %s", name)
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return reject(date, "bad %s %q", name, raw)
		}
		*targets[i] = v
	}

	if raw, ok := field("volume"); ok && raw != "" {
		v, err := parseVolume(raw)
		if err != nil {
			return reject(date, "bad volume %q", raw)
		}
		bar.Volume = v
	}

	return bar, nil
}

// parseVolume accepts integers and Stooq's occasional "12345.0"
func parseVolume(raw string) (int64, error) {
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a number: %q", raw)
	}
	r := math.Round(f)
	// float64(math.MaxInt64) is 2^63, itself out of range
	if r >= math.MaxInt64 || r < math.MinInt64 {
		return 0, fmt.Errorf("out of range: %q", raw)
	}
	return int64(r), nil
}
