package contracts

import (
	"fmt"
	"time"
)

// DateLayout is the canonical text form of a trading date
const DateLayout = "2006-01-02"

// TradingDate is a civil calendar date (no time of day, no zone)
// ⭐ SSOT: 거래일은 time.Time 과 섞이지 않도록 별도 타입으로만 다룸
//
// The zero value is "no date". Converting to an instant always requires an
// explicit location via At, so a local date can never be compared against a
// zone-aware timestamp by accident.
type TradingDate struct {
	t time.Time // midnight UTC
}

// NewTradingDate builds a date from its parts
func NewTradingDate(year int, month time.Month, day int) TradingDate {
	return TradingDate{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the civil date of instant t as observed in loc
func DateOf(t time.Time, loc *time.Location) TradingDate {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return NewTradingDate(lt.Year(), lt.Month(), lt.Day())
}

// ParseTradingDate parses YYYY-MM-DD
func ParseTradingDate(s string) (TradingDate, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return TradingDate{}, fmt.Errorf("parse trading date %q: %w", s, err)
	}
	return TradingDate{t: t}, nil
}

// MustTradingDate is ParseTradingDate for constants and tests
func MustTradingDate(s string) TradingDate {
	d, err := ParseTradingDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// IsZero reports whether d is unset
func (d TradingDate) IsZero() bool { return d.t.IsZero() }

// Time returns midnight UTC of d, the form stored in DATE columns
func (d TradingDate) Time() time.Time { return d.t }

// At returns the instant at hour:min of d in loc
func (d TradingDate) At(loc *time.Location, hour, min int) time.Time {
	return time.Date(d.t.Year(), d.t.Month(), d.t.Day(), hour, min, 0, 0, loc)
}

func (d TradingDate) Year() int             { return d.t.Year() }
func (d TradingDate) Month() time.Month     { return d.t.Month() }
func (d TradingDate) Day() int              { return d.t.Day() }
func (d TradingDate) Weekday() time.Weekday { return d.t.Weekday() }

// AddDays moves d by n calendar days
func (d TradingDate) AddDays(n int) TradingDate {
	return TradingDate{t: d.t.AddDate(0, 0, n)}
}

func (d TradingDate) Before(o TradingDate) bool { return d.t.Before(o.t) }
func (d TradingDate) After(o TradingDate) bool  { return d.t.After(o.t) }
func (d TradingDate) Equal(o TradingDate) bool  { return d.t.Equal(o.t) }

// DaysUntil returns the number of calendar days from d to o (negative if o is earlier)
func (d TradingDate) DaysUntil(o TradingDate) int {
	return int(o.t.Sub(d.t).Hours() / 24)
}

// String implements fmt.Stringer
func (d TradingDate) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(DateLayout)
}

// MarshalText implements encoding.TextMarshaler
func (d TradingDate) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *TradingDate) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = TradingDate{}
		return nil
	}
	parsed, err := ParseTradingDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// TradingDateFromDB converts a scanned DATE column value
func TradingDateFromDB(t time.Time) TradingDate {
	return NewTradingDate(t.Year(), t.Month(), t.Day())
}
