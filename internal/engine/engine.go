package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/internal/loader"
	"github.com/wonny/stocketl/internal/metrics"
	"github.com/wonny/stocketl/internal/notify"
	"github.com/wonny/stocketl/internal/quality"
	"github.com/wonny/stocketl/internal/registry"
	"github.com/wonny/stocketl/internal/source"
	"github.com/wonny/stocketl/internal/strategy"
	"github.com/wonny/stocketl/internal/tracker"
	"github.com/wonny/stocketl/pkg/config"
	"github.com/wonny/stocketl/pkg/logger"
)

// Resolver decides the extraction mode of one instrument
type Resolver interface {
	Resolve(ctx context.Context, req strategy.Request) (strategy.Decision, error)
}

// Loader writes a fetched series
type Loader interface {
	Load(ctx context.Context, ref contracts.InstrumentRef, bars []contracts.Bar) (*loader.Result, error)
}

// Validator scores a loaded series
type Validator interface {
	Validate(ctx context.Context, in quality.Input) (*quality.Report, error)
}

// Calendar answers session questions for the run date
type Calendar interface {
	Today(exchange string, now time.Time) contracts.TradingDate
	IsTradingDay(d contracts.TradingDate, exchange string) bool
	HolidayName(d contracts.TradingDate, exchange string) (string, bool)
	LastCompletedSession(exchange string, now time.Time) contracts.TradingDate
	CloseInstant(d contracts.TradingDate, exchange string) time.Time
}

// Config holds engine settings
type Config struct {
	Workers         int
	MaxRetries      int
	RetryDelay      time.Duration
	MinSuccessRatio float64
	DefaultExchange string
	NotifyTimeout   time.Duration
}

// ConfigFrom maps the application config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Workers:         cfg.Engine.Workers,
		MaxRetries:      cfg.Engine.MaxRetries,
		RetryDelay:      cfg.Engine.RetryDelay,
		MinSuccessRatio: cfg.Engine.MinSuccessRatio,
		DefaultExchange: cfg.Engine.DefaultExchange,
		NotifyTimeout:   10 * time.Second,
	}
}

// Deps are the collaborators of one engine
type Deps struct {
	Resolver  Resolver
	Gateway   source.Gateway
	Loader    Loader
	Validator Validator
	Tracker   *tracker.Tracker
	Calendar  Calendar
	Universe  Universe
	Notifier  notify.Notifier // optional
	Metrics   *metrics.Metrics // optional
}

// Engine runs one extraction job end to end: strategy, extraction, load,
// validation and audit for every target instrument
// ⭐ SSOT: 수집 오케스트레이션은 Engine 에서만
type Engine struct {
	deps   Deps
	config Config
	logger *logger.Logger
	now    func() time.Time
}

// New creates a new Engine
func New(deps Deps, cfg Config, log *logger.Logger) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.DefaultExchange == "" {
		cfg.DefaultExchange = "WSE"
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Noop{}
	}
	return &Engine{
		deps:   deps,
		config: cfg,
		logger: log.WithField("module", "engine"),
		now:    time.Now,
	}
}

// Summary is what a run reports back to its trigger
type Summary struct {
	RunID      string                `json:"run_id"`
	Job        contracts.Job         `json:"job"`
	Skipped    bool                  `json:"skipped"`
	SkipReason string                `json:"skip_reason,omitempty"`
	AsOf       contracts.TradingDate `json:"as_of"`
	Backfill   bool                  `json:"backfill"`
	Targets    int                   `json:"targets"`
	Notified   bool                  `json:"notified"`
}

// runState is shared by the workers of one run
type runState struct {
	rc         RunContext
	run        *tracker.Run
	sessionNow time.Time
	asOf       contracts.TradingDate
	backfill   bool

	mu      sync.Mutex
	changed map[string]bool
}

// outcome is the result of one instrument attempt
type outcome struct {
	detail    *contracts.JobDetail
	transient bool
}

// Run executes one job for rc. The returned error is non-nil when the run
// could not start, was aborted by an unavailable store, or was cancelled;
// instrument failures are reported through the job instead.
func (e *Engine) Run(ctx context.Context, rc RunContext) (*Summary, error) {
	if err := rc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run context: %w", err)
	}
	if rc.Trigger == "" {
		rc.Trigger = "manual"
	}

	exchange := e.config.DefaultExchange
	now := e.now()
	today := e.deps.Calendar.Today(exchange, now)

	runDate := today
	if !rc.AsOf.IsZero() {
		runDate = rc.AsOf
	}

	sum := &Summary{RunID: uuid.NewString(), AsOf: runDate}
	log := e.logger.WithFields(map[string]interface{}{
		"run_id":  sum.RunID,
		"trigger": rc.Trigger,
		"as_of":   runDate.String(),
	})

	// 1. Trading day gate
	if !e.deps.Calendar.IsTradingDay(runDate, exchange) && !rc.Force {
		sum.Skipped = true
		sum.SkipReason = fmt.Sprintf("%s is not a trading day on %s", runDate, exchange)
		if name, ok := e.deps.Calendar.HolidayName(runDate, exchange); ok {
			sum.SkipReason += " (" + name + ")"
		}
		log.WithField("reason", sum.SkipReason).Info("Run skipped")
		return sum, nil
	}

	// 2. Session reference and run mode
	sessionNow := now
	if !rc.AsOf.IsZero() {
		if closeAt := e.deps.Calendar.CloseInstant(rc.AsOf, exchange); closeAt.Before(now) {
			sessionNow = closeAt
		}
	}
	st := &runState{
		rc:         rc,
		sessionNow: sessionNow,
		asOf:       e.deps.Calendar.LastCompletedSession(exchange, sessionNow),
		changed:    make(map[string]bool),
	}
	st.backfill = rc.Backfill || rc.HasRange() ||
		(!rc.AsOf.IsZero() && rc.AsOf.DaysUntil(today) > AutoBackfillAfterDays)
	sum.AsOf, sum.Backfill = st.asOf, st.backfill

	// 3. Targets
	targets, err := e.targets(ctx, rc)
	if err != nil {
		return sum, err
	}
	sum.Targets = len(targets)

	// 4. Open job
	run, err := e.deps.Tracker.Open(ctx, e.openRequest(rc, st, sum, targets))
	if err != nil {
		return sum, fmt.Errorf("open job: %w", err)
	}
	st.run = run
	e.deps.Metrics.JobStarted()

	log = log.WithJob(run.ID())
	log.WithFields(map[string]interface{}{
		"targets":  len(targets),
		"backfill": st.backfill,
		"session":  st.asOf.String(),
		"workers":  e.config.Workers,
	}).Info("Run started")

	// 5. Passes: the first over every target, then retries of transient failures
	runErr := e.execute(ctx, st, targets)

	// 6. Finalize, even when ctx is already cancelled
	finishCtx := context.WithoutCancel(ctx)
	status, msg := e.decide(ctx, run, runErr)
	job, ferr := run.Finish(finishCtx, status, msg)
	if ferr != nil {
		log.WithError(ferr).Error("Failed to finalize job")
		job = run.Snapshot()
	}
	sum.Job = job
	e.deps.Metrics.JobFinished(job)

	// 7. Invalidate downstream caches
	if job.Status == contracts.JobCompleted && job.Counts.Affected() > 0 {
		sum.Notified = e.notify(finishCtx, st, job)
	}

	switch {
	case runErr != nil:
		return sum, runErr
	case ferr != nil:
		return sum, ferr
	}
	return sum, nil
}

// execute runs the first pass and then retry passes while transient
// failures remain and the retry budget allows
func (e *Engine) execute(ctx context.Context, st *runState, targets []contracts.InstrumentRef) error {
	pending := targets
	for {
		held, err := e.pass(ctx, st, pending, st.run.CanRetry())
		if err != nil {
			return err
		}
		if len(held) == 0 {
			return nil
		}

		if err := st.run.MarkRetrying(ctx); err != nil {
			return err
		}
		e.deps.Metrics.RetryStarted()
		e.logger.WithJob(st.run.ID()).WithFields(map[string]interface{}{
			"instruments": len(held),
			"delay":       e.config.RetryDelay.String(),
		}).Warn("Retrying transient failures")

		if err := sleep(ctx, e.config.RetryDelay); err != nil {
			return err
		}
		if err := st.run.ResumeRunning(ctx); err != nil {
			return err
		}
		pending = held
	}
}

// pass processes refs on a bounded pool. Transient failures are held back
// for another pass when canRetry; every other outcome is recorded.
func (e *Engine) pass(ctx context.Context, st *runState, refs []contracts.InstrumentRef, canRetry bool) ([]contracts.InstrumentRef, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Workers)

	var mu sync.Mutex
	var held []contracts.InstrumentRef

	for _, ref := range refs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			out, err := e.processInstrument(gctx, st, ref)
			if err != nil {
				return err
			}

			if out.transient && canRetry {
				mu.Lock()
				held = append(held, ref)
				mu.Unlock()
				e.logger.WithJob(st.run.ID()).WithSymbol(ref.Symbol).
					WithField("error", out.detail.ErrorMessage).
					Warn("Transient failure held for retry")
				return nil
			}

			// the instrument is done; its detail must land even if the run is winding down
			return e.record(context.WithoutCancel(gctx), st, out.detail)
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	// keep retry order stable with the target order
	sort.SliceStable(held, func(i, j int) bool { return indexOf(refs, held[i]) < indexOf(refs, held[j]) })
	return held, nil
}

// processInstrument runs strategy, extraction, load and validation for one
// instrument. A non-nil error aborts the run.
func (e *Engine) processInstrument(ctx context.Context, st *runState, ref contracts.InstrumentRef) (*outcome, error) {
	start := e.now()
	d := &contracts.JobDetail{
		Symbol:         ref.Symbol,
		InstrumentType: ref.Type,
		Operation:      fallbackOperation(st.backfill),
	}
	log := e.logger.WithJob(st.run.ID()).WithSymbol(ref.Symbol).WithField("type", ref.Type)
	ctx = log.IntoContext(ctx)
	done := func(transient bool) (*outcome, error) {
		d.ProcessingTime = e.now().Sub(start)
		return &outcome{detail: d, transient: transient}, nil
	}

	// 1. Strategy
	decision, err := e.deps.Resolver.Resolve(ctx, strategy.Request{
		Instrument:  ref,
		Now:         st.sessionNow,
		Override:    st.rc.OverrideFor(ref.Symbol),
		BackfillRun: st.backfill,
	})
	if err != nil {
		if aborts(err) {
			return nil, err
		}
		d.Reason = "state lookup failed"
		d.ErrorMessage = err.Error()
		return done(false)
	}
	d.Operation, d.Reason = decision.Operation, decision.Reason

	if decision.Operation == contracts.OperationSkip {
		log.WithField("reason", decision.Reason).Info("Instrument skipped")
		return done(false)
	}

	// 2. Extract
	req := source.Request{Instrument: ref, Window: decision.Window, AsOf: st.asOf}
	if st.rc.HasRange() {
		req.From, req.To, req.Window = st.rc.From, st.rc.To, 0
		d.Operation = contracts.OperationBackfill
		d.Reason = fmt.Sprintf("explicit range %s..%s", st.rc.From, st.rc.To)
	}

	res, err := e.deps.Gateway.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.ErrorMessage = err.Error()
		log.WithError(err).Warn("Extraction failed")
		return done(source.IsTransient(err))
	}
	malformed := len(res.Rejected)

	// 3. Load
	lr, err := e.deps.Loader.Load(ctx, ref, res.Bars)
	if err != nil {
		if aborts(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.Counts.Processed = len(res.Bars) + malformed
		d.Counts.Failed = d.Counts.Processed
		d.ErrorMessage = err.Error()
		log.WithError(err).Error("Load failed")
		return done(false)
	}

	id := lr.Instrument.ID
	d.InstrumentID = &id
	d.Counts = lr.Counts
	d.Counts.Processed += malformed
	d.Counts.Failed += malformed
	d.DateFrom, d.DateTo = lr.From, lr.To

	// 4. Validate; findings never fail the instrument
	jobID := st.run.ID()
	rejected := make([]contracts.RejectedBar, 0, len(lr.Rejected)+malformed)
	rejected = append(rejected, lr.Rejected...)
	rejected = append(rejected, res.Rejected...)

	report, err := e.deps.Validator.Validate(ctx, quality.Input{
		JobID:      &jobID,
		Instrument: lr.Instrument,
		Written:    lr.Written,
		Unchanged:  lr.Unchanged,
		Rejected:   rejected,
		AsOf:       st.asOf,
	})
	switch {
	case err != nil && aborts(err):
		return nil, err
	case err != nil:
		log.WithError(err).Warn("Quality validation failed")
	default:
		e.deps.Metrics.QualityObserved(report.Metrics)
		if report.Worst().Rank() >= contracts.SeverityError.Rank() {
			log.WithFields(map[string]interface{}{
				"worst": report.Worst(),
				"score": report.Score(),
			}).Warn("Quality findings")
		}
	}

	log.WithFields(map[string]interface{}{
		"operation": d.Operation,
		"inserted":  d.Counts.Inserted,
		"updated":   d.Counts.Updated,
		"unchanged": d.Counts.Unchanged,
		"failed":    d.Counts.Failed,
	}).Debug("Instrument loaded")

	return done(false)
}

// record persists a detail. Only an unavailable store aborts the run.
func (e *Engine) record(ctx context.Context, st *runState, d *contracts.JobDetail) error {
	if err := st.run.RecordDetail(ctx, d); err != nil {
		if aborts(err) {
			return err
		}
		e.logger.WithJob(st.run.ID()).WithSymbol(d.Symbol).WithError(err).Error("Failed to record job detail")
		return nil
	}
	e.deps.Metrics.InstrumentDone(d)

	if d.Counts.Affected() > 0 {
		st.mu.Lock()
		st.changed[d.Symbol] = true
		st.mu.Unlock()
	}
	return nil
}

// decide maps the run result onto a terminal status
func (e *Engine) decide(ctx context.Context, run *tracker.Run, runErr error) (contracts.JobStatus, string) {
	if runErr != nil {
		if ctx.Err() != nil || errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return contracts.JobCancelled, fmt.Sprintf("cancelled: %v", runErr)
		}
		return contracts.JobFailed, runErr.Error()
	}

	succeeded, failed := run.Outcomes()
	total := succeeded + failed
	if total == 0 {
		return contracts.JobCompleted, ""
	}
	if succeeded == 0 {
		return contracts.JobFailed, fmt.Sprintf("all %d instruments failed", total)
	}
	if ratio := float64(succeeded) / float64(total); ratio < e.config.MinSuccessRatio {
		return contracts.JobFailed, fmt.Sprintf("success ratio %.2f below %.2f (%d/%d)",
			ratio, e.config.MinSuccessRatio, succeeded, total)
	}
	return contracts.JobCompleted, ""
}

// notify emits the invalidation event; failures are logged only
func (e *Engine) notify(ctx context.Context, st *runState, job contracts.Job) bool {
	st.mu.Lock()
	symbols := make([]string, 0, len(st.changed))
	for s := range st.changed {
		symbols = append(symbols, s)
	}
	st.mu.Unlock()
	sort.Strings(symbols)

	ctx, cancel := context.WithTimeout(ctx, e.config.NotifyTimeout)
	defer cancel()

	err := e.deps.Notifier.Notify(ctx, notify.Event{
		JobID:       job.ID,
		Symbols:     symbols,
		TradingDate: st.asOf,
		RecordCount: job.Counts.Affected(),
	})
	e.deps.Metrics.Notified(err)
	if err != nil {
		e.logger.WithError(err).WithFields(map[string]interface{}{
			"job_id":   job.ID,
			"notifier": e.deps.Notifier.Name(),
		}).Warn("Cache invalidation failed")
		return false
	}
	return true
}

// targets returns the normalized, de-duplicated instrument list
func (e *Engine) targets(ctx context.Context, rc RunContext) ([]contracts.InstrumentRef, error) {
	refs := rc.Instruments
	if len(refs) == 0 {
		var err error
		refs, err = e.deps.Universe.Targets(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve targets: %w", err)
		}
	}

	seen := make(map[string]bool, len(refs))
	out := make([]contracts.InstrumentRef, 0, len(refs))
	for _, ref := range refs {
		ref = ref.Normalize(e.config.DefaultExchange)
		ref.Exchange = registry.CanonicalExchange(ref.Exchange)
		if seen[ref.Key()] {
			continue
		}
		seen[ref.Key()] = true
		out = append(out, ref)
	}
	return out, nil
}

func (e *Engine) openRequest(rc RunContext, st *runState, sum *Summary, targets []contracts.InstrumentRef) tracker.OpenRequest {
	jobType := "incremental"
	if st.backfill {
		jobType = "backfill"
	}
	name := rc.JobName
	if name == "" {
		name = "ohlcv_" + jobType
	}

	meta := map[string]interface{}{
		"run_id":   sum.RunID,
		"trigger":  rc.Trigger,
		"as_of":    st.asOf.String(),
		"backfill": st.backfill,
		"force":    rc.Force,
		"source":   e.deps.Gateway.Name(),
		"workers":  e.config.Workers,
		"targets":  len(targets),
	}
	if rc.HasRange() {
		meta["from"], meta["to"] = rc.From.String(), rc.To.String()
	}
	if len(rc.Overrides) > 0 {
		overridden := make([]string, 0, len(rc.Overrides))
		for s := range rc.Overrides {
			overridden = append(overridden, s)
		}
		sort.Strings(overridden)
		meta["overrides"] = strings.Join(overridden, ",")
	}

	return tracker.OpenRequest{
		Name:           name,
		Type:           jobType,
		InstrumentType: instrumentScope(targets),
		MaxRetries:     e.config.MaxRetries,
		ExternalRunID:  rc.ExternalRunID,
		Metadata:       meta,
	}
}

// instrumentScope is the shared type of all targets, or "all"
func instrumentScope(refs []contracts.InstrumentRef) string {
	if len(refs) == 0 {
		return "all"
	}
	t := refs[0].Type
	for _, r := range refs[1:] {
		if r.Type != t {
			return "all"
		}
	}
	return string(t)
}

func fallbackOperation(backfill bool) contracts.Operation {
	if backfill {
		return contracts.OperationBackfill
	}
	return contracts.OperationIncremental
}

// aborts reports whether err must stop the whole run
func aborts(err error) bool {
	return errors.Is(err, contracts.ErrStoreUnavailable)
}

func indexOf(refs []contracts.InstrumentRef, ref contracts.InstrumentRef) int {
	for i, r := range refs {
		if r.Key() == ref.Key() {
			return i
		}
	}
	return len(refs)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
