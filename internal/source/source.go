package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/wonny/stocketl/internal/contracts"
)

var (
	// ErrNoData means the provider answered but has no bars for the symbol
	ErrNoData = errors.New("no data returned")

	// ErrFormat means the payload could not be understood at all
	ErrFormat = errors.New("unrecognized payload format")
)

// Request describes one fetch
type Request struct {
	Instrument contracts.InstrumentRef

	// Window keeps only the most recent N bars; 0 keeps everything
	Window int

	// AsOf caps the series; bars after it are dropped. Zero means no cap.
	AsOf contracts.TradingDate

	// From/To restrict the series to an explicit range (manual backfills)
	From contracts.TradingDate
	To   contracts.TradingDate
}

// Result is a validated series, oldest first, every bar hashed
type Result struct {
	Bars     []contracts.Bar
	Rejected []contracts.RejectedBar
	RawRows  int
}

// Span returns the first and last date of the result
func (r *Result) Span() (contracts.TradingDate, contracts.TradingDate) {
	if len(r.Bars) == 0 {
		return contracts.TradingDate{}, contracts.TradingDate{}
	}
	return r.Bars[0].Date, r.Bars[len(r.Bars)-1].Date
}

// Gateway fetches daily bars from an external provider
type Gateway interface {
	Name() string
	Fetch(ctx context.Context, req Request) (*Result, error)
}

// ExtractionError is the instrument-level failure of a fetch
type ExtractionError struct {
	Symbol    string
	Attempts  int
	Transient bool
	Err       error
}

func (e *ExtractionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("extract %s (%s, %d attempts): %v", e.Symbol, kind, e.Attempts, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// IsTransient reports whether err is an ExtractionError worth retrying later
func IsTransient(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee) && ee.Transient
}

// Trim applies AsOf, From/To and Window to an ascending series
func Trim(bars []contracts.Bar, req Request) []contracts.Bar {
	out := bars[:0:0]
	for _, b := range bars {
		if !req.AsOf.IsZero() && b.Date.After(req.AsOf) {
			continue
		}
		if !req.From.IsZero() && b.Date.Before(req.From) {
			continue
		}
		if !req.To.IsZero() && b.Date.After(req.To) {
			continue
		}
		out = append(out, b)
	}
	if req.Window > 0 && len(out) > req.Window {
		out = out[len(out)-req.Window:]
	}
	return out
}

// TrimRejected applies the same bounds to rejected rows. For windowed
// requests rows older than the first kept bar are outside the window, and
// rows without a date cannot be placed in it, so both are dropped.
func TrimRejected(rejected []contracts.RejectedBar, req Request, kept []contracts.Bar) []contracts.RejectedBar {
	out := rejected[:0:0]
	for _, r := range rejected {
		if r.Date.IsZero() {
			if req.Window == 0 {
				out = append(out, r)
			}
			continue
		}
		if !req.AsOf.IsZero() && r.Date.After(req.AsOf) {
			continue
		}
		if !req.From.IsZero() && r.Date.Before(req.From) {
			continue
		}
		if !req.To.IsZero() && r.Date.After(req.To) {
			continue
		}
		if req.Window > 0 && len(kept) > 0 && r.Date.Before(kept[0].Date) {
			continue
		}
		out = append(out, r)
	}
	return out
}
