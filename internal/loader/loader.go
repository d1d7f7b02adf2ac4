package loader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/pkg/logger"
)

// Action is what the loader decided to do with one bar
type Action int

const (
	ActionInsert Action = iota
	ActionUpdate
)

func (a Action) String() string {
	if a == ActionUpdate {
		return "update"
	}
	return "insert"
}

// Write is one bar to persist
type Write struct {
	Bar    contracts.StoredBar
	Action Action
}

// WriteOutcome is the per-bar result of Store.WriteBars
type WriteOutcome struct {
	Date     contracts.TradingDate
	Action   Action
	Affected bool  // false when the row already held the same content
	Err      error // statement-level failure, the bar was not written
}

// Store is the price persistence the loader needs
type Store interface {
	StoredHashes(ctx context.Context, inst *contracts.Instrument, from, to contracts.TradingDate) (map[contracts.TradingDate]string, error)
	// WriteBars applies writes in one transaction; a failing statement only
	// fails its own bar. A returned error means nothing was committed.
	WriteBars(ctx context.Context, inst *contracts.Instrument, writes []Write) ([]WriteOutcome, error)
}

// Registry creates instruments on first sight
type Registry interface {
	Ensure(ctx context.Context, ref contracts.InstrumentRef) (*contracts.Instrument, error)
	ExtendTradingRange(ctx context.Context, id int64, first, last contracts.TradingDate) error
}

// SessionClock converts a trading date to its session close instant
type SessionClock interface {
	CloseInstant(d contracts.TradingDate, exchange string) time.Time
}

// Result is the outcome of loading one instrument
type Result struct {
	Instrument *contracts.Instrument
	Counts     contracts.RecordCounts
	Written    []contracts.Bar // inserted or updated, ascending
	Unchanged  []contracts.Bar
	Rejected   []contracts.RejectedBar
	From       contracts.TradingDate
	To         contracts.TradingDate
}

// Loader writes validated bars idempotently.
// Re-running the same input leaves the store unchanged and reports every
// bar as unchanged.
// ⭐ SSOT: 가격 쓰기는 Loader 를 통해서만
type Loader struct {
	store    Store
	registry Registry
	clock    SessionClock
	logger   *logger.Logger
}

// New creates a new Loader
func New(store Store, registry Registry, clock SessionClock, log *logger.Logger) *Loader {
	return &Loader{
		store:    store,
		registry: registry,
		clock:    clock,
		logger:   log.WithField("module", "loader"),
	}
}

// Load validates, classifies and writes bars for one instrument
func (l *Loader) Load(ctx context.Context, ref contracts.InstrumentRef, bars []contracts.Bar) (*Result, error) {
	inst, err := l.registry.Ensure(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("ensure instrument %s: %w", ref.Symbol, err)
	}

	res := &Result{Instrument: inst}
	res.Counts.Processed = len(bars)

	sorted := make([]contracts.Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	// 1. validate
	valid := make([]contracts.Bar, 0, len(sorted))
	for _, b := range sorted {
		if err := b.Validate(); err != nil {
			res.Rejected = append(res.Rejected, contracts.RejectedBar{
				Symbol: inst.Symbol,
				Date:   b.Date,
				Reason: err.Error(),
			})
			res.Counts.Failed++
			continue
		}
		b.Symbol = inst.Symbol
		if b.Hash == "" {
			b = b.WithHash()
		}
		valid = append(valid, b)
	}
	if len(valid) == 0 {
		return res, nil
	}
	res.From, res.To = valid[0].Date, valid[len(valid)-1].Date

	// 2. classify against stored hashes
	stored, err := l.store.StoredHashes(ctx, inst, res.From, res.To)
	if err != nil {
		return res, fmt.Errorf("read stored hashes for %s: %w", inst.Symbol, err)
	}

	var writes []Write
	byDate := make(map[contracts.TradingDate]contracts.Bar, len(valid))
	for _, b := range valid {
		byDate[b.Date] = b
		hash, exists := stored[b.Date]
		switch {
		case !exists:
			writes = append(writes, Write{Bar: l.stored(inst, b), Action: ActionInsert})
		case hash != b.Hash:
			writes = append(writes, Write{Bar: l.stored(inst, b), Action: ActionUpdate})
		default:
			res.Counts.Unchanged++
			res.Unchanged = append(res.Unchanged, b)
		}
	}

	// 3. write
	if len(writes) > 0 {
		outcomes, err := l.store.WriteBars(ctx, inst, writes)
		if err != nil {
			return res, fmt.Errorf("write bars for %s: %w", inst.Symbol, err)
		}
		for _, o := range outcomes {
			bar := byDate[o.Date]
			switch {
			case o.Err != nil:
				res.Counts.Failed++
				res.Rejected = append(res.Rejected, contracts.RejectedBar{
					Symbol: inst.Symbol,
					Date:   o.Date,
					Reason: o.Err.Error(),
				})
			case !o.Affected:
				res.Counts.Unchanged++
				res.Unchanged = append(res.Unchanged, bar)
			case o.Action == ActionUpdate:
				res.Counts.Updated++
				res.Written = append(res.Written, bar)
			default:
				res.Counts.Inserted++
				res.Written = append(res.Written, bar)
			}
		}
		sort.Slice(res.Written, func(i, j int) bool { return res.Written[i].Date.Before(res.Written[j].Date) })
	}

	log := logger.FromContext(ctx, l.logger.WithSymbol(inst.Symbol))

	if len(res.Written) > 0 {
		first, last := res.Written[0].Date, res.Written[len(res.Written)-1].Date
		if err := l.registry.ExtendTradingRange(ctx, inst.ID, first, last); err != nil {
			if errors.Is(err, contracts.ErrStoreUnavailable) {
				return res, err
			}
			log.WithError(err).Warn("Failed to extend trading range")
		}
	}

	log.WithFields(map[string]interface{}{
		"processed": res.Counts.Processed,
		"inserted":  res.Counts.Inserted,
		"updated":   res.Counts.Updated,
		"unchanged": res.Counts.Unchanged,
		"failed":    res.Counts.Failed,
	}).Debug("Bars loaded")

	return res, nil
}

// stored derives the UTC columns from the session close
func (l *Loader) stored(inst *contracts.Instrument, b contracts.Bar) contracts.StoredBar {
	closeAt := l.clock.CloseInstant(b.Date, inst.ExchangeCode)
	return contracts.StoredBar{
		Bar:          b,
		InstrumentID: inst.ID,
		DateUTC:      contracts.DateOf(closeAt, time.UTC),
		EpochUTC:     closeAt.Unix(),
	}
}
