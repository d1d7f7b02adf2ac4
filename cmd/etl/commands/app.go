package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/wonny/stocketl/internal/calendar"
	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/internal/engine"
	"github.com/wonny/stocketl/internal/loader"
	"github.com/wonny/stocketl/internal/metrics"
	"github.com/wonny/stocketl/internal/notify"
	"github.com/wonny/stocketl/internal/quality"
	"github.com/wonny/stocketl/internal/registry"
	"github.com/wonny/stocketl/internal/source"
	"github.com/wonny/stocketl/internal/source/stooq"
	"github.com/wonny/stocketl/internal/source/synthetic"
	"github.com/wonny/stocketl/internal/strategy"
	"github.com/wonny/stocketl/internal/tracker"
	"github.com/wonny/stocketl/pkg/config"
	"github.com/wonny/stocketl/pkg/database"
	"github.com/wonny/stocketl/pkg/httputil"
	"github.com/wonny/stocketl/pkg/logger"
	"github.com/wonny/stocketl/pkg/redis"
)

// app holds the wired components shared by the commands
// ⭐ SSOT: 의존성 조립은 여기서만
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	db       *database.DB
	calendar *calendar.Calendar
	registry *registry.Registry
	prices   *loader.PriceRepository
	jobs     *tracker.Repository
	quality  *quality.Repository
	metrics  *metrics.Metrics

	closers []func()
}

// loadConfig applies the global flags on top of the environment
func loadConfig() (*config.Config, error) {
	if env != "" {
		// config.Load is the only reader; hand the override over through the environment
		if err := os.Setenv("ENV", env); err != nil {
			return nil, fmt.Errorf("set ENV: %w", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// newApp loads config, connects to the database and builds the stores
func newApp() (*app, error) {
	// 1. Load config
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	// 2. Initialize logger
	log := logger.New(cfg)

	// 3. Trading calendar
	cal, err := calendar.New(cfg.Engine.CalendarClosures)
	if err != nil {
		return nil, fmt.Errorf("build calendar: %w", err)
	}

	// 4. Connect to database
	db, err := database.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		calendar: cal,
		registry: registry.New(db.Pool, cfg.Engine.DefaultExchange, log),
		prices:   loader.NewPriceRepository(db.Pool, cfg.Engine.DefaultExchange),
		jobs:     tracker.NewRepository(db.Pool),
		quality:  quality.NewRepository(db.Pool),
		metrics:  metrics.New(),
	}
	a.closers = append(a.closers, db.Close)
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// gateway builds the configured market data source
func (a *app) gateway() (source.Gateway, error) {
	switch a.cfg.Source.Name {
	case stooq.SourceName:
		client := stooq.NewClient(httputil.New(a.cfg, a.log), a.cfg.Source, a.log)
		a.registry.WithNameResolver(client)
		return client, nil

	case synthetic.SourceName:
		exchange := a.cfg.Engine.DefaultExchange
		today := func() contracts.TradingDate { return a.calendar.Today(exchange, time.Now()) }
		gw, err := synthetic.New(a.cfg, a.calendar, today, a.log)
		if err != nil {
			return nil, err
		}
		a.log.Warn("Using synthetic market data")
		return gw, nil
	}
	return nil, fmt.Errorf("unknown source %q", a.cfg.Source.Name)
}

// notifier builds the cache invalidation targets
func (a *app) notifier() (notify.Notifier, error) {
	var targets notify.Multi

	if a.cfg.Redis.Enabled {
		client, err := redis.New(a.cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { client.Close() })
		targets = append(targets, notify.NewRedis(client, a.cfg.Redis.KeyPrefix, a.cfg.Redis.Channel, a.log))
	}

	if a.cfg.NATS.Enabled {
		nc, err := notify.ConnectNATS(a.cfg.NATS.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, nc.Close)
		targets = append(targets, notify.NewNATS(nc, a.cfg.NATS.Subject, a.log))
	}

	switch len(targets) {
	case 0:
		return notify.Noop{}, nil
	case 1:
		return targets[0], nil
	}
	return targets, nil
}

// engine wires the orchestration engine
func (a *app) engine() (*engine.Engine, error) {
	gw, err := a.gateway()
	if err != nil {
		return nil, fmt.Errorf("build gateway: %w", err)
	}
	notifier, err := a.notifier()
	if err != nil {
		return nil, fmt.Errorf("build notifier: %w", err)
	}

	ec := a.cfg.Engine
	resolver := strategy.NewResolver(a.prices, a.calendar, strategy.Config{
		BackfillWindow:      ec.BackfillWindow,
		StaleBackfillWindow: ec.StaleBackfillWindow,
		IncrementalWindow:   ec.IncrementalWindow,
		StaleAfterDays:      ec.StaleAfterDays,
		SparseRowThreshold:  ec.SparseRowThreshold,
		Strict:              ec.StrictStateLookup,
	}, a.log)

	validator := quality.NewValidator(a.prices, a.quality, quality.Config{
		GapThreshold:       ec.PriceGapThreshold,
		GapErrorMultiplier: ec.GapErrorMultiplier,
		VolumeFactor:       ec.VolumeOutlierFactor,
		VolumeWindow:       ec.VolumeTrailingWindow,
	}, a.log)

	return engine.New(engine.Deps{
		Resolver:  resolver,
		Gateway:   gw,
		Loader:    loader.New(a.prices, a.registry, a.calendar, a.log),
		Validator: validator,
		Tracker:   tracker.New(a.jobs, a.log),
		Calendar:  a.calendar,
		Universe:  engine.NewRegistryUniverse(registry.DefaultUniverse(), a.registry),
		Notifier:  notifier,
		Metrics:   a.metrics,
	}, engine.ConfigFrom(a.cfg), a.log), nil
}
