package calendar

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/pl"

	"github.com/wonny/stocketl/internal/contracts"
)

// Calendar answers trading-day questions per exchange.
// It is a pure function of static rules plus holiday data and is safe for
// concurrent use once built.
// ⭐ SSOT: 거래일 판단은 이 패키지에서만
type Calendar struct {
	venues   map[string]*Venue
	fallback *Venue
}

// Venue holds the rules of one exchange
type Venue struct {
	Code        string
	Location    *time.Location
	CloseHour   int
	CloseMinute int

	business *cal.BusinessCalendar
	closures map[contracts.TradingDate]string
}

// Warsaw Stock Exchange closures on top of Polish public holidays
var (
	wseChristmasEve = &cal.Holiday{
		Name:  "Christmas Eve (exchange closed)",
		Type:  cal.ObservanceOther,
		Month: time.December,
		Day:   24,
		Func:  cal.CalcDayOfMonth,
	}
	wseNewYearsEve = &cal.Holiday{
		Name:  "New Year's Eve (exchange closed)",
		Type:  cal.ObservanceOther,
		Month: time.December,
		Day:   31,
		Func:  cal.CalcDayOfMonth,
	}
)

// New builds the calendar with the Warsaw venue registered under its
// common aliases. extraClosures are ad-hoc WSE closures (YYYY-MM-DD).
func New(extraClosures []string) (*Calendar, error) {
	warsaw := mustLocation("Europe/Warsaw")

	wse := newVenue("WSE", warsaw, 17, 30)
	wse.business.AddHoliday(pl.Holidays...)
	wse.business.AddHoliday(wseChristmasEve, wseNewYearsEve)

	for _, s := range extraClosures {
		d, err := contracts.ParseTradingDate(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("calendar closure: %w", err)
		}
		wse.closures[d] = "Exchange closure"
	}

	c := &Calendar{
		venues:   make(map[string]*Venue),
		fallback: newVenue("DEFAULT", time.UTC, 23, 59),
	}
	for _, alias := range []string{"WSE", "XWAR", "GPW"} {
		c.venues[alias] = wse
	}
	return c, nil
}

func newVenue(code string, loc *time.Location, hour, minute int) *Venue {
	return &Venue{
		Code:        code,
		Location:    loc,
		CloseHour:   hour,
		CloseMinute: minute,
		business:    cal.NewBusinessCalendar(),
		closures:    make(map[contracts.TradingDate]string),
	}
}

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// tzdata is embedded, this only guards against a typo in name
		panic(fmt.Sprintf("load location %s: %v", name, err))
	}
	return loc
}

// Venue returns the rules for exchange. Unknown exchanges get a
// weekdays-only UTC calendar.
func (c *Calendar) Venue(exchange string) *Venue {
	if v, ok := c.venues[strings.ToUpper(exchange)]; ok {
		return v
	}
	return c.fallback
}

// Knows reports whether exchange has dedicated rules
func (c *Calendar) Knows(exchange string) bool {
	_, ok := c.venues[strings.ToUpper(exchange)]
	return ok
}

// IsTradingDay reports whether d is a session day on exchange
func (c *Calendar) IsTradingDay(d contracts.TradingDate, exchange string) bool {
	return c.Venue(exchange).isTradingDay(d)
}

// HolidayName returns why d is closed, if it is a holiday or closure
func (c *Calendar) HolidayName(d contracts.TradingDate, exchange string) (string, bool) {
	v := c.Venue(exchange)
	if name, ok := v.closures[d]; ok {
		return name, true
	}
	actual, observed, h := v.business.IsHoliday(noon(d))
	if (actual || observed) && h != nil {
		return h.Name, true
	}
	return "", false
}

// LastCompletedSession returns the latest session of exchange whose close
// is at or before now
func (c *Calendar) LastCompletedSession(exchange string, now time.Time) contracts.TradingDate {
	v := c.Venue(exchange)
	local := now.In(v.Location)
	today := contracts.DateOf(local, v.Location)

	if v.isTradingDay(today) && !local.Before(v.CloseInstant(today)) {
		return today
	}
	return v.previous(today)
}

// Today returns the calendar date of now in the exchange's timezone
func (c *Calendar) Today(exchange string, now time.Time) contracts.TradingDate {
	v := c.Venue(exchange)
	return contracts.DateOf(now.In(v.Location), v.Location)
}

// PreviousTradingDay returns the closest session strictly before d
func (c *Calendar) PreviousTradingDay(d contracts.TradingDate, exchange string) contracts.TradingDate {
	return c.Venue(exchange).previous(d)
}

// NextTradingDay returns the closest session strictly after d
func (c *Calendar) NextTradingDay(d contracts.TradingDate, exchange string) contracts.TradingDate {
	v := c.Venue(exchange)
	next := d.AddDays(1)
	for !v.isTradingDay(next) {
		next = next.AddDays(1)
	}
	return next
}

// TradingDaysBetween lists sessions in [from, to]
func (c *Calendar) TradingDaysBetween(from, to contracts.TradingDate, exchange string) []contracts.TradingDate {
	v := c.Venue(exchange)
	var days []contracts.TradingDate
	for d := from; !d.After(to); d = d.AddDays(1) {
		if v.isTradingDay(d) {
			days = append(days, d)
		}
	}
	return days
}

// SessionsBack returns the date of the n-th session counting back from end
// (end itself counts as the first when it is a session)
func (c *Calendar) SessionsBack(end contracts.TradingDate, n int, exchange string) contracts.TradingDate {
	v := c.Venue(exchange)
	d := end
	if !v.isTradingDay(d) {
		d = v.previous(d)
	}
	for i := 1; i < n; i++ {
		d = v.previous(d)
	}
	return d
}

// CloseInstant returns the session close of d on exchange as an instant
func (c *Calendar) CloseInstant(d contracts.TradingDate, exchange string) time.Time {
	return c.Venue(exchange).CloseInstant(d)
}

// CloseInstant returns the session close of d as an instant
func (v *Venue) CloseInstant(d contracts.TradingDate) time.Time {
	return d.At(v.Location, v.CloseHour, v.CloseMinute)
}

func (v *Venue) isTradingDay(d contracts.TradingDate) bool {
	if _, closed := v.closures[d]; closed {
		return false
	}
	return v.business.IsWorkday(noon(d))
}

func (v *Venue) previous(d contracts.TradingDate) contracts.TradingDate {
	prev := d.AddDays(-1)
	for !v.isTradingDay(prev) {
		prev = prev.AddDays(-1)
	}
	return prev
}

// noon avoids any date flip when the holiday library converts zones
func noon(d contracts.TradingDate) time.Time {
	return d.At(time.UTC, 12, 0)
}
