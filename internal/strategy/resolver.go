package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/pkg/logger"
)

// State is what the store knows about an instrument
type State struct {
	Known    bool // present in the registry
	Active   bool
	RowCount int
	Latest   contracts.TradingDate // zero when RowCount == 0
}

// StateReader reads persisted instrument state
type StateReader interface {
	InstrumentState(ctx context.Context, ref contracts.InstrumentRef) (State, error)
}

// SessionClock answers "last completed session" for an exchange
type SessionClock interface {
	LastCompletedSession(exchange string, now time.Time) contracts.TradingDate
}

// Rule names the decision branch that matched
type Rule string

const (
	RuleOverride Rule = "override"
	RuleInactive Rule = "inactive"
	RuleNew      Rule = "new"
	RuleStale    Rule = "stale"
	RuleSparse   Rule = "sparse"
	RuleCurrent  Rule = "current"
	RuleFallback Rule = "fallback"
)

// Override is a caller-supplied mode that wins unconditionally
type Override struct {
	Operation contracts.Operation `yaml:"mode" json:"mode"`
	Window    int                 `yaml:"window,omitempty" json:"window,omitempty"`
}

// Request is one resolution question
type Request struct {
	Instrument  contracts.InstrumentRef
	Now         time.Time
	Override    *Override
	BackfillRun bool // run context flags this as a backfill run
}

// Decision is the resolved extraction plan for one instrument
type Decision struct {
	Operation   contracts.Operation
	Window      int
	Rule        Rule
	Reason      string
	State       State
	LastSession contracts.TradingDate
	Fallback    bool
	LookupErr   error
}

// Config holds the decision thresholds
type Config struct {
	BackfillWindow      int
	StaleBackfillWindow int
	IncrementalWindow   int
	StaleAfterDays      int
	SparseRowThreshold  int

	// Strict turns a state lookup failure into an error instead of the
	// incremental/backfill fallback
	Strict bool
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() Config {
	return Config{
		BackfillWindow:      1000,
		StaleBackfillWindow: 500,
		IncrementalWindow:   1,
		StaleAfterDays:      7,
		SparseRowThreshold:  30,
	}
}

// Resolver decides skip / incremental / backfill per instrument.
// It only reads.
// ⭐ SSOT: 백필/증분 결정은 여기서만
type Resolver struct {
	reader StateReader
	clock  SessionClock
	config Config
	logger *logger.Logger
}

// NewResolver creates a new Resolver
func NewResolver(reader StateReader, clock SessionClock, config Config, log *logger.Logger) *Resolver {
	return &Resolver{
		reader: reader,
		clock:  clock,
		config: config,
		logger: log.WithField("module", "strategy"),
	}
}

// Resolve returns the extraction plan for req. The returned error is non-nil
// only in strict mode when state could not be read.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Decision, error) {
	lastSession := r.clock.LastCompletedSession(req.Instrument.Exchange, req.Now)

	// 1. Manual override
	if req.Override != nil && req.Override.Operation != "" {
		return Decision{
			Operation:   req.Override.Operation,
			Window:      r.overrideWindow(*req.Override),
			Rule:        RuleOverride,
			Reason:      fmt.Sprintf("manual override: %s", req.Override.Operation),
			LastSession: lastSession,
		}, nil
	}

	state, err := r.reader.InstrumentState(ctx, req.Instrument)
	if err != nil {
		return r.fallback(req, lastSession, err)
	}

	d := Decision{State: state, LastSession: lastSession}

	switch {
	case state.Known && !state.Active:
		d.Operation, d.Window, d.Rule = contracts.OperationSkip, 0, RuleInactive
		d.Reason = "instrument is deactivated"

	case state.RowCount == 0:
		d.Operation, d.Window, d.Rule = contracts.OperationBackfill, r.config.BackfillWindow, RuleNew
		d.Reason = "no stored rows"

	case state.Latest.DaysUntil(lastSession) > r.config.StaleAfterDays:
		d.Operation, d.Window, d.Rule = contracts.OperationBackfill, r.config.StaleBackfillWindow, RuleStale
		d.Reason = fmt.Sprintf("latest %s is %d days before last session %s",
			state.Latest, state.Latest.DaysUntil(lastSession), lastSession)

	case state.RowCount < r.config.SparseRowThreshold:
		d.Operation, d.Window, d.Rule = contracts.OperationBackfill, r.config.BackfillWindow, RuleSparse
		d.Reason = fmt.Sprintf("only %d stored rows", state.RowCount)

	default:
		d.Operation, d.Window, d.Rule = contracts.OperationIncremental, r.config.IncrementalWindow, RuleCurrent
		d.Reason = fmt.Sprintf("latest %s is current", state.Latest)
	}

	r.logger.WithFields(map[string]interface{}{
		"symbol":    req.Instrument.Symbol,
		"operation": d.Operation,
		"window":    d.Window,
		"rule":      d.Rule,
		"rows":      state.RowCount,
		"latest":    state.Latest.String(),
	}).Debug("Strategy resolved")

	return d, nil
}

// fallback applies the rule used when state could not be read
func (r *Resolver) fallback(req Request, lastSession contracts.TradingDate, lookupErr error) (Decision, error) {
	r.logger.Event("state_lookup_fallback").WithSymbol(req.Instrument.Symbol).WithError(lookupErr).WithFields(map[string]interface{}{
		"backfill_run": req.BackfillRun,
		"strict":       r.config.Strict,
	}).Warn("Instrument state lookup failed")

	if r.config.Strict {
		return Decision{
			Rule:        RuleFallback,
			LastSession: lastSession,
			Fallback:    true,
			LookupErr:   lookupErr,
		}, fmt.Errorf("read state of %s: %w", req.Instrument.Symbol, lookupErr)
	}

	d := Decision{
		Operation:   contracts.OperationIncremental,
		Window:      r.config.IncrementalWindow,
		Rule:        RuleFallback,
		Reason:      "state lookup failed, defaulting to incremental",
		LastSession: lastSession,
		Fallback:    true,
		LookupErr:   lookupErr,
	}
	if req.BackfillRun {
		d.Operation = contracts.OperationBackfill
		d.Window = r.config.BackfillWindow
		d.Reason = "state lookup failed during a backfill run"
	}
	return d, nil
}

func (r *Resolver) overrideWindow(o Override) int {
	if o.Window > 0 {
		return o.Window
	}
	switch o.Operation {
	case contracts.OperationBackfill:
		return r.config.BackfillWindow
	case contracts.OperationIncremental:
		return r.config.IncrementalWindow
	}
	return 0
}
