package engine

import (
	"context"
	"fmt"

	"github.com/wonny/stocketl/internal/contracts"
)

// Universe lists the instruments a run targets when the run context
// names none
type Universe interface {
	Targets(ctx context.Context) ([]contracts.InstrumentRef, error)
}

// StaticUniverse is a fixed list
type StaticUniverse []contracts.InstrumentRef

// Targets implements Universe
func (s StaticUniverse) Targets(ctx context.Context) ([]contracts.InstrumentRef, error) {
	out := make([]contracts.InstrumentRef, len(s))
	copy(out, s)
	return out, nil
}

// ActiveLister returns active registry instruments
type ActiveLister interface {
	ListActive(ctx context.Context, types ...contracts.InstrumentType) ([]*contracts.Instrument, error)
}

// RegistryUniverse is the configured base list plus every active
// instrument already in the registry
type RegistryUniverse struct {
	base   []contracts.InstrumentRef
	lister ActiveLister
}

// NewRegistryUniverse creates a new RegistryUniverse
func NewRegistryUniverse(base []contracts.InstrumentRef, lister ActiveLister) *RegistryUniverse {
	return &RegistryUniverse{base: base, lister: lister}
}

// Targets implements Universe
func (u *RegistryUniverse) Targets(ctx context.Context) ([]contracts.InstrumentRef, error) {
	out := make([]contracts.InstrumentRef, 0, len(u.base))
	out = append(out, u.base...)

	active, err := u.lister.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active instruments: %w", err)
	}
	for _, inst := range active {
		out = append(out, contracts.InstrumentRef{
			Symbol:   inst.Symbol,
			Type:     inst.Type,
			Exchange: inst.ExchangeCode,
			Name:     inst.Name,
			Currency: inst.Currency,
		})
	}
	// duplicates are dropped by the engine
	return out, nil
}
