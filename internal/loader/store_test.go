package loader

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/stocketl/internal/calendar"
	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/internal/registry"
	"github.com/wonny/stocketl/pkg/config"
	"github.com/wonny/stocketl/pkg/database"
	"github.com/wonny/stocketl/pkg/logger"
)

func setupDB(t *testing.T) *database.DB {
	t.Helper()

	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set, skipping price repository integration test")
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	db, err := database.New(cfg)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestPriceRepository_RoundTrip(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	log := logger.NewNop()

	cal, err := calendar.New(nil)
	require.NoError(t, err)

	reg := registry.New(db.Pool, "WSE", log)
	repo := NewPriceRepository(db.Pool, "WSE")
	l := New(repo, reg, cal, log)

	ref := contracts.InstrumentRef{
		Symbol: fmt.Sprintf("LT%d", time.Now().UnixNano()%1_000_000),
		Type:   contracts.InstrumentStock,
	}

	state, err := repo.InstrumentState(ctx, ref)
	require.NoError(t, err)
	assert.False(t, state.Known)

	bars := week()
	for i := range bars {
		bars[i].Symbol = ref.Symbol
		bars[i] = bars[i].WithHash()
	}

	res, err := l.Load(ctx, ref, bars)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Counts.Inserted)

	again, err := l.Load(ctx, ref, bars)
	require.NoError(t, err)
	assert.Equal(t, 5, again.Counts.Unchanged)

	state, err = repo.InstrumentState(ctx, ref)
	require.NoError(t, err)
	assert.True(t, state.Known)
	assert.Equal(t, 5, state.RowCount)
	assert.Equal(t, "2024-06-14", state.Latest.String())

	prev, err := repo.PrecedingBars(ctx, res.Instrument, contracts.MustTradingDate("2024-06-14"), 2)
	require.NoError(t, err)
	require.Len(t, prev, 2)
	assert.Equal(t, "2024-06-12", prev[0].Date.String())
	assert.Equal(t, "2024-06-13", prev[1].Date.String())
	assert.True(t, prev[1].Close.Equal(bars[3].Close))
}
