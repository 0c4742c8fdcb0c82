package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/marketsync/internal/apperror"
	"github.com/ahmethakanbesel/marketsync/internal/platform/sqlite"
	domain "github.com/ahmethakanbesel/marketsync/internal/snapshot"
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

func TestCreateUpdateGet(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()
	created := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

	s := &domain.Snapshot{
		ID:        "snap1",
		Dataset:   "kline_day_raw",
		Universe:  []string{"000001.SZ", "600000.SH"},
		From:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:        time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
		AsOf:      created,
		Status:    domain.StatusRunning,
		Path:      "snap1",
		CreatedAt: created,
	}
	require.NoError(t, repo.Create(ctx, s))

	got, err := repo.Get(ctx, "snap1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, s.Universe, got.Universe)
	assert.True(t, got.AsOf.Equal(created))
	assert.Nil(t, got.FinishedAt)

	finished := created.Add(time.Minute)
	s.Status = domain.StatusFailed
	s.Error = "disk full"
	s.RowCount = 12
	s.FinishedAt = &finished
	require.NoError(t, repo.Update(ctx, s))

	got, err = repo.Get(ctx, "snap1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "disk full", got.Error)
	assert.EqualValues(t, 12, got.RowCount)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(finished))
}

func TestGet_NotFound(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	_, err := repo.Get(context.Background(), "missing")
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.NotFound, appErr.Code())
}

func TestProgress(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Create(ctx, &domain.Snapshot{ID: "s", Dataset: "kline_day_raw", Status: domain.StatusRunning, CreatedAt: now}))

	first := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SaveProgress(ctx, domain.Progress{SnapshotID: "s", Instrument: "B", DoneAt: now}))
	require.NoError(t, repo.SaveProgress(ctx, domain.Progress{SnapshotID: "s", Instrument: "A", Rows: 1, DoneAt: now}))
	require.NoError(t, repo.SaveProgress(ctx, domain.Progress{SnapshotID: "s", Instrument: "A", Rows: 3, FirstDate: &first, LastDate: &first, DoneAt: now}))

	progress, err := repo.ListProgress(ctx, "s")
	require.NoError(t, err)
	require.Len(t, progress, 2)
	assert.Equal(t, "A", progress[0].Instrument)
	assert.EqualValues(t, 3, progress[0].Rows)
	require.NotNil(t, progress[0].FirstDate)
	assert.True(t, progress[0].FirstDate.Equal(first))
	assert.Nil(t, progress[1].FirstDate)
}
