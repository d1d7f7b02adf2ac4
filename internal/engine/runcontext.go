package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/internal/strategy"
)

const (
	// MaxBackfillSpanDays caps an explicit from/to range
	MaxBackfillSpanDays = 3650

	// AutoBackfillAfterDays turns a run into a backfill run when its
	// as-of date lies further in the past
	AutoBackfillAfterDays = 7
)

// EarliestDate is the oldest date a manual range may start at
var EarliestDate = contracts.MustTradingDate("1990-01-01")

// RunContext is everything a trigger hands to the engine for one run
type RunContext struct {
	JobName       string `yaml:"job_name,omitempty"`
	Trigger       string `yaml:"trigger,omitempty"` // manual, scheduler, file
	ExternalRunID string `yaml:"external_run_id,omitempty"`

	// AsOf pins the run to a past session; zero means now
	AsOf contracts.TradingDate `yaml:"as_of,omitempty"`

	// From/To request an explicit range for every extracted instrument
	From contracts.TradingDate `yaml:"from,omitempty"`
	To   contracts.TradingDate `yaml:"to,omitempty"`

	Backfill bool `yaml:"backfill,omitempty"`
	Force    bool `yaml:"force,omitempty"`

	// Instruments overrides the default universe
	Instruments []contracts.InstrumentRef `yaml:"instruments,omitempty"`

	// Overrides maps symbol -> forced operation
	Overrides map[string]strategy.Override `yaml:"overrides,omitempty"`
}

// LoadRunContext reads a YAML run context. Unknown keys are rejected.
func LoadRunContext(path string) (RunContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunContext{}, fmt.Errorf("read run context: %w", err)
	}
	return ParseRunContext(data)
}

// ParseRunContext decodes and validates a YAML run context
func ParseRunContext(data []byte) (RunContext, error) {
	var rc RunContext

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rc); err != nil && !errors.Is(err, io.EOF) {
		return RunContext{}, fmt.Errorf("parse run context: %w", err)
	}

	if rc.Trigger == "" {
		rc.Trigger = "file"
	}
	if err := rc.Validate(); err != nil {
		return RunContext{}, err
	}
	return rc, nil
}

// Validate checks ranges and overrides
func (rc *RunContext) Validate() error {
	if rc.From.IsZero() != rc.To.IsZero() {
		return fmt.Errorf("from and to must be given together")
	}
	if !rc.From.IsZero() {
		if rc.From.Before(EarliestDate) {
			return fmt.Errorf("from %s is before %s", rc.From, EarliestDate)
		}
		if rc.To.Before(rc.From) {
			return fmt.Errorf("to %s is before from %s", rc.To, rc.From)
		}
		if span := rc.From.DaysUntil(rc.To); span > MaxBackfillSpanDays {
			return fmt.Errorf("range of %d days exceeds %d", span, MaxBackfillSpanDays)
		}
	}
	if !rc.AsOf.IsZero() && rc.AsOf.Before(EarliestDate) {
		return fmt.Errorf("as_of %s is before %s", rc.AsOf, EarliestDate)
	}
	if len(rc.ExternalRunID) > 250 {
		return fmt.Errorf("external_run_id longer than 250 characters")
	}

	for i, ref := range rc.Instruments {
		if strings.TrimSpace(ref.Symbol) == "" {
			return fmt.Errorf("instrument #%d has no symbol", i+1)
		}
		if ref.Type != "" {
			if _, err := contracts.ParseInstrumentType(string(ref.Type)); err != nil {
				return fmt.Errorf("instrument %s: %w", ref.Symbol, err)
			}
		}
	}

	normalized := make(map[string]strategy.Override, len(rc.Overrides))
	for symbol, o := range rc.Overrides {
		if _, err := contracts.ParseOperation(string(o.Operation)); err != nil {
			return fmt.Errorf("override %s: %w", symbol, err)
		}
		if o.Window < 0 {
			return fmt.Errorf("override %s: negative window", symbol)
		}
		normalized[strings.ToUpper(strings.TrimSpace(symbol))] = o
	}
	rc.Overrides = normalized
	return nil
}

// OverrideFor returns the manual override for symbol, if any
func (rc *RunContext) OverrideFor(symbol string) *strategy.Override {
	o, ok := rc.Overrides[strings.ToUpper(symbol)]
	if !ok {
		return nil
	}
	return &o
}

// HasRange reports whether an explicit from/to range was requested
func (rc *RunContext) HasRange() bool {
	return !rc.From.IsZero()
}
