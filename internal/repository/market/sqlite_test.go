package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahmethakanbesel/marketsync/internal/market"
	"github.com/ahmethakanbesel/marketsync/internal/platform/sqlite"
)

func setupTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func day(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC)
}

func bar(inst string, t time.Time, c float64) domain.Bar {
	return domain.Bar{Dataset: domain.KlineDayRaw, Instrument: inst, Time: t, Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 100}
}

func TestUpsertBars_Idempotent(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	bars := []domain.Bar{bar("600000.SH", day(1, 2), 10), bar("600000.SH", day(1, 3), 11)}
	n, err := repo.UpsertBars(ctx, bars)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// Replaying the same window, with one corrected value, leaves one row per
	// key holding the last write.
	bars[1].Close = 11.5
	bars[1].High = 12.5
	_, err = repo.UpsertBars(ctx, bars)
	require.NoError(t, err)

	got, err := repo.ListBars(ctx, domain.KlineDayRaw, "600000.SH", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 11.5, got[1].Close)
	assert.True(t, got[0].Time.Equal(day(1, 2)))
}

func TestUpsertBars_Batches(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	var bars []domain.Bar
	start := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	for i := 0; i < 1201; i++ {
		b := bar("000001.SZ", start.Add(time.Duration(i)*time.Minute), 10)
		b.Dataset = domain.KlineMinuteRaw
		bars = append(bars, b)
	}

	n, err := repo.UpsertBars(ctx, bars)
	require.NoError(t, err)
	assert.EqualValues(t, 1201, n)

	got, err := repo.ListBars(ctx, domain.KlineMinuteRaw, "000001.SZ", start, start.Add(9*time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 10)
}

func TestInstruments(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	_, err := repo.UpsertBars(ctx, []domain.Bar{
		bar("600000.SH", day(1, 2), 10),
		bar("000001.SZ", day(2, 1), 10),
		bar("600000.SH", day(2, 1), 10),
	})
	require.NoError(t, err)

	all, err := repo.Instruments(ctx, domain.KlineDayRaw, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"000001.SZ", "600000.SH"}, all)

	jan, err := repo.Instruments(ctx, domain.KlineDayRaw, day(1, 1), day(1, 31))
	require.NoError(t, err)
	assert.Equal(t, []string{"600000.SH"}, jan)
}

func TestAppendFactors_AsOf(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	v1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	v2 := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	n, err := repo.AppendFactors(ctx, []domain.Factor{
		{Instrument: "000001.SZ", TradeDate: day(1, 2), Factor: 1.0, AsOf: v1},
		{Instrument: "000001.SZ", TradeDate: day(1, 3), Factor: 1.25, AsOf: v1},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// Re-ingesting identical values writes nothing; a revised value appends.
	n, err = repo.AppendFactors(ctx, []domain.Factor{
		{Instrument: "000001.SZ", TradeDate: day(1, 2), Factor: 1.0, AsOf: v2},
		{Instrument: "000001.SZ", TradeDate: day(1, 3), Factor: 1.3, AsOf: v2},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	latest, err := repo.LatestFactors(ctx, "000001.SZ", time.Time{})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, 1.3, latest[1].Factor)

	pinned, err := repo.LatestFactors(ctx, "000001.SZ", v1)
	require.NoError(t, err)
	require.Len(t, pinned, 2)
	assert.Equal(t, 1.25, pinned[1].Factor)

	before, err := repo.LatestFactors(ctx, "000001.SZ", v1.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, before)

	insts, err := repo.Instruments(ctx, domain.AdjFactor, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"000001.SZ"}, insts)
}
