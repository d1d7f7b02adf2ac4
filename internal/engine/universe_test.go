package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/stocketl/internal/contracts"
)

type fakeLister struct {
	active []*contracts.Instrument
	err    error
}

func (f *fakeLister) ListActive(ctx context.Context, types ...contracts.InstrumentType) ([]*contracts.Instrument, error) {
	return f.active, f.err
}

func TestRegistryUniverse(t *testing.T) {
	base := []contracts.InstrumentRef{
		{Symbol: "XTB", Type: contracts.InstrumentStock, Exchange: "WSE"},
		{Symbol: "WIG20", Type: contracts.InstrumentIndex, Exchange: "WSE"},
	}
	lister := &fakeLister{active: []*contracts.Instrument{
		{Symbol: "ALE", Type: contracts.InstrumentStock, ExchangeCode: "WSE", Name: "Allegro", Currency: "PLN"},
	}}

	targets, err := NewRegistryUniverse(base, lister).Targets(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 3)
	assert.Equal(t, "XTB", targets[0].Symbol)
	assert.Equal(t, "ALE", targets[2].Symbol)
	assert.Equal(t, "Allegro", targets[2].Name)
	assert.Equal(t, "PLN", targets[2].Currency)

	// the base list is not aliased
	targets[0].Symbol = "CHANGED"
	assert.Equal(t, "XTB", base[0].Symbol)
}

func TestRegistryUniverse_ListError(t *testing.T) {
	lister := &fakeLister{err: errors.New("connection refused")}

	_, err := NewRegistryUniverse(nil, lister).Targets(context.Background())
	assert.ErrorContains(t, err, "list active instruments")
}

func TestStaticUniverse_Copies(t *testing.T) {
	u := StaticUniverse{{Symbol: "PKN"}}

	targets, err := u.Targets(context.Background())
	require.NoError(t, err)
	targets[0].Symbol = "CDR"
	assert.Equal(t, "PKN", u[0].Symbol)
}
