package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/pkg/logger"
)

type fakeReader struct {
	state State
	err   error
	calls int
}

func (f *fakeReader) InstrumentState(ctx context.Context, ref contracts.InstrumentRef) (State, error) {
	f.calls++
	return f.state, f.err
}

type fixedClock contracts.TradingDate

func (c fixedClock) LastCompletedSession(exchange string, now time.Time) contracts.TradingDate {
	return contracts.TradingDate(c)
}

var (
	lastSession = contracts.MustTradingDate("2024-06-14")
	now         = time.Date(2024, 6, 14, 18, 0, 0, 0, time.UTC)
	xtb         = contracts.InstrumentRef{Symbol: "XTB", Type: contracts.InstrumentStock, Exchange: "WSE"}
)

func newResolver(reader StateReader, cfg Config) *Resolver {
	return NewResolver(reader, fixedClock(lastSession), cfg, logger.NewNop())
}

func TestResolver_Rules(t *testing.T) {
	tests := []struct {
		name       string
		state      State
		wantOp     contracts.Operation
		wantWindow int
		wantRule   Rule
	}{
		{
			name:       "new instrument",
			state:      State{},
			wantOp:     contracts.OperationBackfill,
			wantWindow: 1000,
			wantRule:   RuleNew,
		},
		{
			name:       "known instrument without rows",
			state:      State{Known: true, Active: true},
			wantOp:     contracts.OperationBackfill,
			wantWindow: 1000,
			wantRule:   RuleNew,
		},
		{
			name:       "stale: 10 days behind with 50 rows",
			state:      State{Known: true, Active: true, RowCount: 50, Latest: lastSession.AddDays(-10)},
			wantOp:     contracts.OperationBackfill,
			wantWindow: 500,
			wantRule:   RuleStale,
		},
		{
			name:       "exactly 7 days behind is not stale",
			state:      State{Known: true, Active: true, RowCount: 200, Latest: lastSession.AddDays(-7)},
			wantOp:     contracts.OperationIncremental,
			wantWindow: 1,
			wantRule:   RuleCurrent,
		},
		{
			name:       "sparse but recent",
			state:      State{Known: true, Active: true, RowCount: 12, Latest: lastSession},
			wantOp:     contracts.OperationBackfill,
			wantWindow: 1000,
			wantRule:   RuleSparse,
		},
		{
			name:       "stale wins over sparse",
			state:      State{Known: true, Active: true, RowCount: 5, Latest: lastSession.AddDays(-30)},
			wantOp:     contracts.OperationBackfill,
			wantWindow: 500,
			wantRule:   RuleStale,
		},
		{
			name:       "current with exactly 30 rows",
			state:      State{Known: true, Active: true, RowCount: 30, Latest: lastSession.AddDays(-1)},
			wantOp:     contracts.OperationIncremental,
			wantWindow: 1,
			wantRule:   RuleCurrent,
		},
		{
			name:       "latest ahead of last session",
			state:      State{Known: true, Active: true, RowCount: 300, Latest: lastSession.AddDays(1)},
			wantOp:     contracts.OperationIncremental,
			wantWindow: 1,
			wantRule:   RuleCurrent,
		},
		{
			name:       "inactive instrument",
			state:      State{Known: true, Active: false, RowCount: 300, Latest: lastSession},
			wantOp:     contracts.OperationSkip,
			wantWindow: 0,
			wantRule:   RuleInactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newResolver(&fakeReader{state: tt.state}, DefaultConfig())

			d, err := r.Resolve(context.Background(), Request{Instrument: xtb, Now: now})
			require.NoError(t, err)

			assert.Equal(t, tt.wantOp, d.Operation)
			assert.Equal(t, tt.wantWindow, d.Window)
			assert.Equal(t, tt.wantRule, d.Rule)
			assert.False(t, d.Fallback)
			assert.NotEmpty(t, d.Reason)
			assert.Equal(t, lastSession, d.LastSession)
		})
	}
}

func TestResolver_ZeroRowsAlwaysBackfill(t *testing.T) {
	reader := &fakeReader{state: State{}}

	// whatever the calendar says, an empty instrument gets the full window
	for _, session := range []string{"1995-01-02", "2024-06-14", "2030-12-30"} {
		r := NewResolver(reader, fixedClock(contracts.MustTradingDate(session)), DefaultConfig(), logger.NewNop())
		d, err := r.Resolve(context.Background(), Request{Instrument: xtb, Now: now})
		require.NoError(t, err)
		assert.Equal(t, contracts.OperationBackfill, d.Operation, session)
		assert.Equal(t, 1000, d.Window, session)
	}
}

func TestResolver_CurrentAlwaysIncremental(t *testing.T) {
	r := newResolver(nil, DefaultConfig())

	for lag := 0; lag <= 7; lag++ {
		for _, rows := range []int{30, 31, 250, 5000} {
			r.reader = &fakeReader{state: State{Known: true, Active: true, RowCount: rows, Latest: lastSession.AddDays(-lag)}}
			d, err := r.Resolve(context.Background(), Request{Instrument: xtb, Now: now})
			require.NoError(t, err)
			assert.Equal(t, contracts.OperationIncremental, d.Operation, "lag=%d rows=%d", lag, rows)
		}
	}
}

func TestResolver_OverrideWins(t *testing.T) {
	reader := &fakeReader{state: State{}}
	r := newResolver(reader, DefaultConfig())

	tests := []struct {
		name       string
		override   Override
		wantOp     contracts.Operation
		wantWindow int
	}{
		{"force incremental on a new instrument", Override{Operation: contracts.OperationIncremental}, contracts.OperationIncremental, 1},
		{"force skip", Override{Operation: contracts.OperationSkip}, contracts.OperationSkip, 0},
		{"backfill with custom window", Override{Operation: contracts.OperationBackfill, Window: 250}, contracts.OperationBackfill, 250},
		{"backfill default window", Override{Operation: contracts.OperationBackfill}, contracts.OperationBackfill, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := tt.override
			d, err := r.Resolve(context.Background(), Request{Instrument: xtb, Now: now, Override: &o})
			require.NoError(t, err)
			assert.Equal(t, tt.wantOp, d.Operation)
			assert.Equal(t, tt.wantWindow, d.Window)
			assert.Equal(t, RuleOverride, d.Rule)
		})
	}

	// state is never consulted when an override applies
	assert.Equal(t, 0, reader.calls)
}

func TestResolver_LookupFailure(t *testing.T) {
	lookupErr := errors.New("connection reset")

	t.Run("defaults to incremental", func(t *testing.T) {
		r := newResolver(&fakeReader{err: lookupErr}, DefaultConfig())

		d, err := r.Resolve(context.Background(), Request{Instrument: xtb, Now: now})
		require.NoError(t, err)
		assert.Equal(t, contracts.OperationIncremental, d.Operation)
		assert.Equal(t, 1, d.Window)
		assert.True(t, d.Fallback)
		assert.Equal(t, RuleFallback, d.Rule)
		assert.ErrorIs(t, d.LookupErr, lookupErr)
	})

	t.Run("backfill run uses backfill", func(t *testing.T) {
		r := newResolver(&fakeReader{err: lookupErr}, DefaultConfig())

		d, err := r.Resolve(context.Background(), Request{Instrument: xtb, Now: now, BackfillRun: true})
		require.NoError(t, err)
		assert.Equal(t, contracts.OperationBackfill, d.Operation)
		assert.Equal(t, 1000, d.Window)
		assert.True(t, d.Fallback)
	})

	t.Run("strict mode surfaces the error", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Strict = true
		r := newResolver(&fakeReader{err: lookupErr}, cfg)

		d, err := r.Resolve(context.Background(), Request{Instrument: xtb, Now: now})
		require.Error(t, err)
		assert.ErrorIs(t, err, lookupErr)
		assert.True(t, d.Fallback)
	})
}
