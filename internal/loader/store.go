package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/internal/registry"
	"github.com/wonny/stocketl/internal/strategy"
	"github.com/wonny/stocketl/pkg/database"
)

// PriceRepository persists bars in stock_prices / index_prices
// ⭐ SSOT: 가격 테이블 SQL 은 여기서만
type PriceRepository struct {
	pool            *pgxpool.Pool
	defaultExchange string
}

// NewPriceRepository creates a new price repository
func NewPriceRepository(pool *pgxpool.Pool, defaultExchange string) *PriceRepository {
	return &PriceRepository{pool: pool, defaultExchange: defaultExchange}
}

// InstrumentState implements strategy.StateReader
func (r *PriceRepository) InstrumentState(ctx context.Context, ref contracts.InstrumentRef) (strategy.State, error) {
	ref = ref.Normalize(r.defaultExchange)

	var id int64
	var active bool
	var instType string
	err := r.pool.QueryRow(ctx, `
		SELECT i.id, i.is_active, i.instrument_type
		FROM instruments i
		JOIN exchanges e ON e.id = i.exchange_id
		WHERE i.symbol = $1 AND e.code = $2`,
		ref.Symbol, registry.CanonicalExchange(ref.Exchange),
	).Scan(&id, &active, &instType)
	if errors.Is(err, pgx.ErrNoRows) {
		return strategy.State{}, nil
	}
	if err != nil {
		return strategy.State{}, storeError("read instrument state", err)
	}

	state := strategy.State{Known: true, Active: active}

	var latest *time.Time
	query := fmt.Sprintf(`
		SELECT COUNT(*), MAX(trading_date_local)
		FROM %s
		WHERE instrument_id = $1`, contracts.InstrumentType(instType).PriceTable())
	if err := r.pool.QueryRow(ctx, query, id).Scan(&state.RowCount, &latest); err != nil {
		return strategy.State{}, storeError("read price state", err)
	}
	if latest != nil {
		state.Latest = contracts.TradingDateFromDB(*latest)
	}
	return state, nil
}

// StoredHashes implements Store
func (r *PriceRepository) StoredHashes(ctx context.Context, inst *contracts.Instrument, from, to contracts.TradingDate) (map[contracts.TradingDate]string, error) {
	query := fmt.Sprintf(`
		SELECT trading_date_local, content_hash
		FROM %s
		WHERE instrument_id = $1 AND trading_date_local BETWEEN $2 AND $3`, inst.Type.PriceTable())

	rows, err := r.pool.Query(ctx, query, inst.ID, from.Time(), to.Time())
	if err != nil {
		return nil, storeError("query stored hashes", err)
	}
	defer rows.Close()

	hashes := make(map[contracts.TradingDate]string)
	for rows.Next() {
		var d time.Time
		var h string
		if err := rows.Scan(&d, &h); err != nil {
			return nil, storeError("scan stored hash", err)
		}
		hashes[contracts.TradingDateFromDB(d)] = h
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("query stored hashes", err)
	}
	return hashes, nil
}

// WriteBars implements Store. Each bar runs inside its own savepoint so a
// constraint violation rolls back only that bar.
func (r *PriceRepository) WriteBars(ctx context.Context, inst *contracts.Instrument, writes []Write) ([]WriteOutcome, error) {
	table := inst.Type.PriceTable()
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (
			instrument_id, trading_date_local, trading_date_utc, epoch_utc,
			open_price, high_price, low_price, close_price, volume,
			content_hash, data_source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (instrument_id, trading_date_local) DO UPDATE SET
			trading_date_utc = EXCLUDED.trading_date_utc,
			epoch_utc = EXCLUDED.epoch_utc,
			open_price = EXCLUDED.open_price,
			high_price = EXCLUDED.high_price,
			low_price = EXCLUDED.low_price,
			close_price = EXCLUDED.close_price,
			volume = EXCLUDED.volume,
			content_hash = EXCLUDED.content_hash,
			data_source = EXCLUDED.data_source,
			updated_at = NOW()
		WHERE %[1]s.content_hash <> EXCLUDED.content_hash`, table)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, storeError("begin price transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	outcomes := make([]WriteOutcome, 0, len(writes))
	for _, w := range writes {
		b := w.Bar
		dataSource := b.Source
		if dataSource == "" {
			dataSource = "unknown"
		}

		sp, err := tx.Begin(ctx)
		if err != nil {
			return nil, storeError("savepoint", err)
		}

		tag, err := sp.Exec(ctx, query,
			b.InstrumentID, b.Date.Time(), b.DateUTC.Time(), b.EpochUTC,
			b.Open, b.High, b.Low, b.Close, b.Volume,
			b.Hash, dataSource,
		)
		if err != nil {
			_ = sp.Rollback(ctx)
			if database.IsConnectionError(err) {
				return nil, storeError("write bar", err)
			}
			outcomes = append(outcomes, WriteOutcome{Date: b.Date, Action: w.Action, Err: err})
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			return nil, storeError("release savepoint", err)
		}
		outcomes = append(outcomes, WriteOutcome{Date: b.Date, Action: w.Action, Affected: tag.RowsAffected() > 0})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeError("commit price transaction", err)
	}
	return outcomes, nil
}

// PrecedingBars returns up to n bars strictly before date, ascending
func (r *PriceRepository) PrecedingBars(ctx context.Context, inst *contracts.Instrument, before contracts.TradingDate, n int) ([]contracts.Bar, error) {
	query := fmt.Sprintf(`
		SELECT trading_date_local, open_price, high_price, low_price, close_price, volume, content_hash, data_source
		FROM %s
		WHERE instrument_id = $1 AND trading_date_local < $2
		ORDER BY trading_date_local DESC
		LIMIT $3`, inst.Type.PriceTable())

	rows, err := r.pool.Query(ctx, query, inst.ID, before.Time(), n)
	if err != nil {
		return nil, storeError("query preceding bars", err)
	}
	defer rows.Close()

	var bars []contracts.Bar
	for rows.Next() {
		b := contracts.Bar{Symbol: inst.Symbol}
		var d time.Time
		if err := rows.Scan(&d, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Hash, &b.Source); err != nil {
			return nil, storeError("scan bar", err)
		}
		b.Date = contracts.TradingDateFromDB(d)
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("query preceding bars", err)
	}

	// reverse into ascending order
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// storeError tags connection-level failures with ErrStoreUnavailable
func storeError(op string, err error) error {
	if database.IsConnectionError(err) {
		return fmt.Errorf("%s: %w: %w", op, contracts.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
