package checkpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahmethakanbesel/marketsync/internal/checkpoint"
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

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func TestGet_Missing(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	st, err := repo.Get(context.Background(), "kline_day_raw", "600000.SH")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestAdvance_CreatesAndReads(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	st, err := repo.Advance(ctx, domain.Update{
		Dataset:    "kline_day_raw",
		Instrument: "600000.SH",
		Checkpoint: day(5),
		Extra:      map[string]string{"page": "abc"},
	}, 3)
	require.NoError(t, err)
	assert.True(t, st.Checkpoint.Equal(day(5)))
	assert.Equal(t, "abc", st.Extra["page"])
	assert.Equal(t, 0, st.EmptyStreak)
	assert.False(t, st.Dormant)
}

func TestAdvance_NeverRegresses(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	_, err := repo.Advance(ctx, domain.Update{Dataset: "d", Instrument: "i", Checkpoint: day(10), Extra: map[string]string{"v": "new"}}, 0)
	require.NoError(t, err)

	st, err := repo.Advance(ctx, domain.Update{Dataset: "d", Instrument: "i", Checkpoint: day(3), Extra: map[string]string{"v": "old"}}, 0)
	require.NoError(t, err)
	assert.True(t, st.Checkpoint.Equal(day(10)), "checkpoint regressed to %s", st.Checkpoint)
	assert.Equal(t, "new", st.Extra["v"], "extra from a stale advance must not win")
}

func TestAdvance_ConcurrentRacesAreMonotonic(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	var wg sync.WaitGroup
	for d := 1; d <= 20; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			_, err := repo.Advance(ctx, domain.Update{Dataset: "d", Instrument: "i", Checkpoint: day(d)}, 0)
			assert.NoError(t, err)
		}(d)
	}
	wg.Wait()

	st, err := repo.Get(ctx, "d", "i")
	require.NoError(t, err)
	assert.True(t, st.Checkpoint.Equal(day(20)))
}

func TestAdvance_EmptyStreakAndDormancy(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()
	empty := domain.Update{Dataset: "d", Instrument: "i", Checkpoint: day(1), Empty: true}

	st, err := repo.Advance(ctx, empty, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, st.EmptyStreak)
	assert.False(t, st.Dormant)

	empty.Checkpoint = day(2)
	st, err = repo.Advance(ctx, empty, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, st.EmptyStreak)
	assert.True(t, st.Dormant)

	// A non-empty re-fetch of covered ground leaves the streak alone.
	st, err = repo.Advance(ctx, domain.Update{Dataset: "d", Instrument: "i", Checkpoint: day(2)}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, st.EmptyStreak)

	st, err = repo.Advance(ctx, domain.Update{Dataset: "d", Instrument: "i", Checkpoint: day(3)}, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, st.EmptyStreak)
	assert.False(t, st.Dormant)
}

func TestAdvance_RepeatedEmptyWindowCountsOnce(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()
	holiday := domain.Update{Dataset: "kline_day_raw", Instrument: "600000.SH", Checkpoint: day(30), Empty: true}

	for i := 0; i < 2; i++ {
		_, err := repo.Advance(ctx, holiday, 5)
		require.NoError(t, err)
	}

	st, err := repo.Get(ctx, "kline_day_raw", "600000.SH")
	require.NoError(t, err)
	assert.True(t, st.Checkpoint.Equal(day(30)))
	assert.Equal(t, 1, st.EmptyStreak)
}

func TestList(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	for _, inst := range []string{"600000.SH", "000001.SZ"} {
		_, err := repo.Advance(ctx, domain.Update{Dataset: "kline_day_raw", Instrument: inst, Checkpoint: day(2)}, 0)
		require.NoError(t, err)
	}
	_, err := repo.Advance(ctx, domain.Update{Dataset: "adj_factor", Instrument: "600000.SH", Checkpoint: day(2)}, 0)
	require.NoError(t, err)

	states, err := repo.List(ctx, "kline_day_raw")
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "000001.SZ", states[0].Instrument)

	all, err := repo.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
