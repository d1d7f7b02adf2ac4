package synthetic

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/internal/source"
	"github.com/wonny/stocketl/pkg/config"
	"github.com/wonny/stocketl/pkg/logger"
)

// SourceName tags every generated bar so it can never pass for real data
const SourceName = "synthetic"

// ErrNotAllowed is returned when synthetic data is requested outside development
var ErrNotAllowed = errors.New("synthetic data requires ENV=development and ALLOW_SYNTHETIC_DATA=true")

// Sessions is the part of the trading calendar the generator needs
type Sessions interface {
	TradingDaysBetween(from, to contracts.TradingDate, exchange string) []contracts.TradingDate
	SessionsBack(end contracts.TradingDate, n int, exchange string) contracts.TradingDate
}

// Gateway produces deterministic random-walk bars for local work.
// The same symbol and date always give the same bar.
type Gateway struct {
	sessions Sessions
	today    func() contracts.TradingDate
	logger   *logger.Logger
}

// New returns the generator only when the configuration explicitly allows it
func New(cfg *config.Config, sessions Sessions, today func() contracts.TradingDate, log *logger.Logger) (*Gateway, error) {
	if !cfg.IsDevelopment() || !cfg.Source.AllowSynthetic {
		return nil, ErrNotAllowed
	}
	return &Gateway{
		sessions: sessions,
		today:    today,
		logger:   log.WithField("module", "synthetic"),
	}, nil
}

// Name implements source.Gateway
func (g *Gateway) Name() string { return SourceName }

// Fetch implements source.Gateway
func (g *Gateway) Fetch(ctx context.Context, req source.Request) (*source.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ref := req.Instrument
	end := req.To
	if end.IsZero() {
		end = req.AsOf
	}
	if end.IsZero() {
		end = g.today()
	}

	window := req.Window
	if window <= 0 {
		window = 250
	}
	start := req.From
	if start.IsZero() {
		start = g.sessions.SessionsBack(end, window, ref.Exchange)
	}

	days := g.sessions.TradingDaysBetween(start, end, ref.Exchange)
	bars := make([]contracts.Bar, 0, len(days))
	for _, d := range days {
		bars = append(bars, generate(ref.Symbol, d))
	}

	g.logger.WithFields(map[string]interface{}{
		"symbol": ref.Symbol,
		"bars":   len(bars),
	}).Warn("Serving synthetic bars")

	return &source.Result{
		Bars:    source.Trim(bars, req),
		RawRows: len(bars),
	}, nil
}

// generate derives one bar from a seed of symbol and date
func generate(symbol string, d contracts.TradingDate) contracts.Bar {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	base := 20 + float64(h.Sum64()%480)

	_, _ = h.Write([]byte(d.String()))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	// slow drift by day number keeps consecutive closes near each other
	drift := 1 + 0.1*float64(d.Time().Unix()/86400%200-100)/100
	open := base * drift * (1 + (rng.Float64()-0.5)*0.02)
	closeP := open * (1 + (rng.Float64()-0.5)*0.03)
	high := max(open, closeP) * (1 + rng.Float64()*0.01)
	low := min(open, closeP) * (1 - rng.Float64()*0.01)

	bar := contracts.Bar{
		Symbol: symbol,
		Date:   d,
		Open:   decimal.NewFromFloat(open).Round(2),
		High:   decimal.NewFromFloat(high).Round(2),
		Low:    decimal.NewFromFloat(low).Round(2),
		Close:  decimal.NewFromFloat(closeP).Round(2),
		Volume: 10_000 + rng.Int63n(500_000),
		Source: SourceName,
	}
	// rounding can break the envelope by a cent
	bar.High = decimal.Max(bar.High, bar.Open, bar.Close)
	bar.Low = decimal.Min(bar.Low, bar.Open, bar.Close)
	return bar.WithHash()
}
