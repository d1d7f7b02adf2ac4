package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/pkg/database"
	"github.com/wonny/stocketl/pkg/logger"
)

// NameResolver looks up a display name for an unseen instrument
type NameResolver interface {
	LookupName(ctx context.Context, ref contracts.InstrumentRef) (string, error)
}

// Registry owns instruments and their reference data.
// Creation is always an upsert on the natural key so concurrent workers
// never race on check-then-insert.
// ⭐ SSOT: instruments / exchanges / sectors 쓰기는 여기서만
type Registry struct {
	pool            *pgxpool.Pool
	names           NameResolver
	defaultExchange string
	logger          *logger.Logger
}

// New creates a new Registry
func New(pool *pgxpool.Pool, defaultExchange string, log *logger.Logger) *Registry {
	return &Registry{
		pool:            pool,
		defaultExchange: CanonicalExchange(defaultExchange),
		logger:          log.WithField("module", "registry"),
	}
}

// WithNameResolver enables display name lookups for auto-created instruments
func (r *Registry) WithNameResolver(n NameResolver) *Registry {
	r.names = n
	return r
}

const instrumentColumns = `
	i.id, i.symbol, i.name, i.instrument_type, i.exchange_id, e.code, i.sector_id,
	i.currency, i.is_active, i.first_trading_date, i.last_trading_date,
	i.created_at, i.updated_at`

// Resolve finds an instrument by natural key. Returns contracts.ErrNotFound
// when it does not exist.
func (r *Registry) Resolve(ctx context.Context, ref contracts.InstrumentRef) (*contracts.Instrument, error) {
	ref = r.normalize(ref)

	query := `
		SELECT ` + instrumentColumns + `
		FROM instruments i
		JOIN exchanges e ON e.id = i.exchange_id
		WHERE i.symbol = $1 AND e.code = $2`

	inst, err := scanInstrument(r.pool.QueryRow(ctx, query, ref.Symbol, ref.Exchange))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("instrument %s: %w", ref.Key(), contracts.ErrNotFound)
	}
	if err != nil {
		return nil, storeError("resolve instrument", err)
	}
	return inst, nil
}

// Get finds an instrument by surrogate id
func (r *Registry) Get(ctx context.Context, id int64) (*contracts.Instrument, error) {
	query := `
		SELECT ` + instrumentColumns + `
		FROM instruments i
		JOIN exchanges e ON e.id = i.exchange_id
		WHERE i.id = $1`

	inst, err := scanInstrument(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("instrument %d: %w", id, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, storeError("get instrument", err)
	}
	return inst, nil
}

// Ensure returns the instrument for ref, creating it and any missing
// exchange, country and sector rows first
func (r *Registry) Ensure(ctx context.Context, ref contracts.InstrumentRef) (*contracts.Instrument, error) {
	ref = r.normalize(ref)

	inst, err := r.Resolve(ctx, ref)
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, contracts.ErrNotFound) {
		return nil, err
	}

	// Network lookups happen before the transaction opens
	name := r.displayName(ctx, ref)
	info, known := LookupExchange(ref.Exchange)
	currency := ref.Currency
	if currency == "" {
		currency = info.Exchange.Currency
	}

	var created bool
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		exchangeID, err := r.ensureExchange(ctx, tx, info, known)
		if err != nil {
			return err
		}

		var sectorID *int64
		if ref.Sector != "" {
			id, err := r.ensureSector(ctx, tx, ref.Sector)
			if err != nil {
				return err
			}
			sectorID = &id
		}

		query := `
			INSERT INTO instruments (symbol, name, instrument_type, exchange_id, sector_id, currency)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (symbol, exchange_id) DO UPDATE SET symbol = EXCLUDED.symbol
			RETURNING id, (xmax = 0)`

		var id int64
		if err := tx.QueryRow(ctx, query,
			ref.Symbol, name, string(ref.Type), exchangeID, sectorID, currency,
		).Scan(&id, &created); err != nil {
			return fmt.Errorf("upsert instrument: %w", err)
		}

		if created && ref.Type == contracts.InstrumentIndex {
			if _, err := tx.Exec(ctx, `
				INSERT INTO index_details (instrument_id, base_value, base_date)
				VALUES ($1, $2, $3)
				ON CONFLICT (instrument_id) DO NOTHING`,
				id, DefaultIndexBaseValue, contracts.MustTradingDate(DefaultIndexBaseDate).Time(),
			); err != nil {
				return fmt.Errorf("insert index details: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeError("ensure instrument "+ref.Key(), err)
	}

	if created {
		r.logger.Event("reference_autocreate").WithFields(map[string]interface{}{
			"entity": "instrument",
			"symbol": ref.Symbol,
			"type":   ref.Type,
			"name":   name,
		}).Info("Auto-created instrument")
	}

	return r.Resolve(ctx, ref)
}

// ensureExchange upserts the country and the exchange, returning the exchange id
func (r *Registry) ensureExchange(ctx context.Context, tx pgx.Tx, info ExchangeInfo, known bool) (int64, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO countries (code, name) VALUES ($1, $2)
		ON CONFLICT (code) DO NOTHING`,
		info.Country.Code, info.Country.Name)
	if err != nil {
		return 0, fmt.Errorf("upsert country: %w", err)
	}
	if tag.RowsAffected() > 0 {
		r.autoCreated("country", info.Country.Code, known)
	}

	ex := info.Exchange
	var id int64
	var inserted bool
	err = tx.QueryRow(ctx, `
		INSERT INTO exchanges (code, mic_code, name, country_code, currency, timezone)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE SET code = EXCLUDED.code
		RETURNING id, (xmax = 0)`,
		ex.Code, ex.MICCode, ex.Name, ex.CountryCode, ex.Currency, ex.Timezone,
	).Scan(&id, &inserted)
	if err != nil {
		return 0, fmt.Errorf("upsert exchange: %w", err)
	}
	if inserted {
		r.autoCreated("exchange", ex.Code, known)
	}
	return id, nil
}

// ensureSector upserts a sector by name
func (r *Registry) ensureSector(ctx context.Context, tx pgx.Tx, name string) (int64, error) {
	var id int64
	var inserted bool
	err := tx.QueryRow(ctx, `
		INSERT INTO sectors (name, classification, description)
		VALUES ($1, 'GICS', $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, (xmax = 0)`,
		name, PlaceholderSectorDescription(name),
	).Scan(&id, &inserted)
	if err != nil {
		return 0, fmt.Errorf("upsert sector: %w", err)
	}
	if inserted {
		r.autoCreated("sector", name, false)
	}
	return id, nil
}

func (r *Registry) autoCreated(entity, key string, fromCatalog bool) {
	r.logger.Event("reference_autocreate").WithFields(map[string]interface{}{
		"entity":       entity,
		"key":          key,
		"from_catalog": fromCatalog,
	}).Warn("Auto-created reference data")
}

// displayName picks the given name, then a looked up one, then a placeholder
func (r *Registry) displayName(ctx context.Context, ref contracts.InstrumentRef) string {
	if ref.Name != "" {
		return ref.Name
	}
	if r.names != nil {
		name, err := r.names.LookupName(ctx, ref)
		if err == nil && name != "" {
			return name
		}
		if err != nil {
			r.logger.WithError(err).WithField("symbol", ref.Symbol).Debug("Name lookup failed")
		}
	}
	return PlaceholderName(ref.Symbol)
}

// Deactivate marks an instrument inactive. Instruments are never deleted.
func (r *Registry) Deactivate(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE instruments SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return storeError("deactivate instrument", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instrument %d: %w", id, contracts.ErrNotFound)
	}
	return nil
}

// ExtendTradingRange widens first/last trading date to include [first, last]
func (r *Registry) ExtendTradingRange(ctx context.Context, id int64, first, last contracts.TradingDate) error {
	if first.IsZero() || last.IsZero() {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE instruments SET
			first_trading_date = LEAST(COALESCE(first_trading_date, $2), $2),
			last_trading_date = GREATEST(COALESCE(last_trading_date, $3), $3),
			updated_at = NOW()
		WHERE id = $1`,
		id, first.Time(), last.Time())
	if err != nil {
		return storeError("extend trading range", err)
	}
	return nil
}

// ListActive returns active instruments, optionally filtered by type
func (r *Registry) ListActive(ctx context.Context, types ...contracts.InstrumentType) ([]*contracts.Instrument, error) {
	filter := make([]string, 0, len(types))
	for _, t := range types {
		filter = append(filter, string(t))
	}

	query := `
		SELECT ` + instrumentColumns + `
		FROM instruments i
		JOIN exchanges e ON e.id = i.exchange_id
		WHERE i.is_active
		  AND (cardinality($1::text[]) = 0 OR i.instrument_type::text = ANY($1))
		ORDER BY i.instrument_type, i.symbol`

	rows, err := r.pool.Query(ctx, query, filter)
	if err != nil {
		return nil, storeError("list instruments", err)
	}
	defer rows.Close()

	var out []*contracts.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, storeError("scan instrument", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list instruments", err)
	}
	return out, nil
}

func (r *Registry) normalize(ref contracts.InstrumentRef) contracts.InstrumentRef {
	ref = ref.Normalize(r.defaultExchange)
	ref.Exchange = CanonicalExchange(ref.Exchange)
	return ref
}

func scanInstrument(row pgx.Row) (*contracts.Instrument, error) {
	var inst contracts.Instrument
	var instType string
	var first, last *time.Time

	if err := row.Scan(
		&inst.ID, &inst.Symbol, &inst.Name, &instType, &inst.ExchangeID, &inst.ExchangeCode,
		&inst.SectorID, &inst.Currency, &inst.Active, &first, &last,
		&inst.CreatedAt, &inst.UpdatedAt,
	); err != nil {
		return nil, err
	}

	inst.Type = contracts.InstrumentType(instType)
	if first != nil {
		inst.FirstTradingDate = contracts.TradingDateFromDB(*first)
	}
	if last != nil {
		inst.LastTradingDate = contracts.TradingDateFromDB(*last)
	}
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	return &inst, nil
}

// storeError tags connection-level failures with ErrStoreUnavailable
func storeError(op string, err error) error {
	if database.IsConnectionError(err) {
		return fmt.Errorf("%s: %w: %w", op, contracts.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
