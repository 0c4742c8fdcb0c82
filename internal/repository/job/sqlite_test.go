package job

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahmethakanbesel/marketsync/internal/job"
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

func newJob() *domain.Job {
	return &domain.Job{
		Dataset: "kline_day_raw",
		Mode:    domain.ModeIncremental,
		Params: domain.Params{
			Instruments: []string{"600000.SH"},
			StartDate:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			EndDate:     time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		},
		Workers: 2,
		Status:  domain.StatusQueued,
	}
}

func TestCreate_And_Get(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	j := newJob()
	require.NoError(t, repo.Create(ctx, j))
	require.NotZero(t, j.ID)

	got, err := repo.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "kline_day_raw", got.Dataset)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, []string{"600000.SH"}, got.Params.Instruments)
	assert.True(t, got.Params.EndDate.Equal(j.Params.EndDate))
	assert.Nil(t, got.StartedAt)
}

func TestUpdate(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	j := newJob()
	require.NoError(t, repo.Create(ctx, j))

	finished := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	j.Status = domain.StatusPartial
	j.Error = "1 of 3 tasks failed"
	j.FinishedAt = &finished
	j.Summary = domain.Summary{TasksTotal: 3, TasksSucceeded: 2, TasksFailed: 1, RowsWritten: 40, Errors: 1}
	require.NoError(t, repo.Update(ctx, j))

	got, err := repo.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartial, got.Status)
	assert.Equal(t, j.Summary, got.Summary)
	assert.Equal(t, "1 of 3 tasks failed", got.Error)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(finished))
}

func TestList(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(ctx, newJob()))
	}
	factors := newJob()
	factors.Dataset = "adj_factor"
	require.NoError(t, repo.Create(ctx, factors))

	jobs, err := repo.List(ctx, domain.ListFilter{Dataset: "kline_day_raw"})
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
	assert.Greater(t, jobs[0].ID, jobs[1].ID, "newest first")

	jobs, err = repo.List(ctx, domain.ListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = repo.List(ctx, domain.ListFilter{Status: domain.StatusRunning})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestClaimQueued(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	first, second := newJob(), newJob()
	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.Create(ctx, second))

	got, err := repo.ClaimQueued(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID, "oldest first")
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	got, err = repo.ClaimQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	got, err = repo.ClaimQueued(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRuns_OneActivePerJob(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	j := newJob()
	require.NoError(t, repo.Create(ctx, j))

	started := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	run := &domain.Run{ID: "run-1", JobID: j.ID, Dataset: j.Dataset, Mode: j.Mode, Params: j.Params, Status: domain.StatusRunning, StartedAt: started}
	require.NoError(t, repo.CreateRun(ctx, run))

	err := repo.CreateRun(ctx, &domain.Run{ID: "run-2", JobID: j.ID, Dataset: j.Dataset, Mode: j.Mode, Status: domain.StatusRunning, StartedAt: started})
	assert.ErrorIs(t, err, domain.ErrRunActive)

	active, err := repo.ActiveRun(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "run-1", active.ID)
	assert.Equal(t, []string{"600000.SH"}, active.Params.Instruments)

	finished := started.Add(time.Hour)
	run.Status = domain.StatusSucceeded
	run.FinishedAt = &finished
	require.NoError(t, repo.FinishRun(ctx, run))

	// Finished runs are immutable.
	run.Status = domain.StatusFailed
	require.NoError(t, repo.FinishRun(ctx, run))

	require.NoError(t, repo.CreateRun(ctx, &domain.Run{ID: "run-2", JobID: j.ID, Dataset: j.Dataset, Mode: j.Mode, Status: domain.StatusRunning, StartedAt: finished}))

	runs, err := repo.ListRuns(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, domain.StatusSucceeded, runs[0].Status)
	assert.Equal(t, domain.StatusRunning, runs[1].Status)
}

func TestTasksAndErrors(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	j := newJob()
	require.NoError(t, repo.Create(ctx, j))
	require.NoError(t, repo.CreateRun(ctx, &domain.Run{ID: "run-1", JobID: j.ID, Dataset: j.Dataset, Mode: j.Mode, Status: domain.StatusRunning, StartedAt: time.Now()}))

	task := &domain.Task{
		JobID: j.ID, RunID: "run-1", Dataset: j.Dataset, Instrument: "600000.SH",
		WindowFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		WindowTo:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		Status:     domain.TaskRunning,
	}
	require.NoError(t, repo.CreateTask(ctx, task))
	require.NotZero(t, task.ID)

	task.Status = domain.TaskSuccess
	task.RowsWritten = 21
	task.RowsSkipped = 1
	task.ErrorCount = 1
	require.NoError(t, repo.UpdateTask(ctx, task))

	require.NoError(t, repo.AppendErrors(ctx, []domain.ErrorRecord{
		{RunID: "run-1", TaskID: task.ID, Instrument: "600000.SH", Kind: domain.KindValidation, Message: "high below low"},
	}))
	require.NoError(t, repo.AppendErrors(ctx, nil))

	tasks, err := repo.ListTasks(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskSuccess, tasks[0].Status)
	assert.EqualValues(t, 21, tasks[0].RowsWritten)
	assert.True(t, tasks[0].WindowTo.Equal(task.WindowTo))

	errs, err := repo.ListErrors(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, task.ID, errs[0].TaskID)
	assert.Equal(t, domain.KindValidation, errs[0].Kind)
}

func TestGet_NotFound(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	_, err := repo.Get(context.Background(), 999)
	if err == nil {
		t.Fatal("expected error for missing job")
	}
}

func TestClaims_TryClaimAndHeartbeat(t *testing.T) {
	claims := NewClaims(setupTestDB(t).DB)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	claims.now = func() time.Time { return now }
	key := domain.TaskClaimKey("kline_day_raw", "600000.SH")

	ok, err := claims.TryClaim(ctx, key, "a", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = claims.TryClaim(ctx, key, "b", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "live claim must not be taken")

	ok, err = claims.TryClaim(ctx, key, "a", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "a live claim is not re-entrant")

	require.NoError(t, claims.Heartbeat(ctx, key, "a", 42))
	c, err := claims.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "a", c.Owner)
	assert.EqualValues(t, 42, c.TaskID)

	// Two minutes later the claim is stale and can be taken over.
	now = now.Add(2 * time.Minute)
	ok, err = claims.TryClaim(ctx, key, "b", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	err = claims.Heartbeat(ctx, key, "a", 0)
	assert.True(t, errors.Is(err, domain.ErrClaimLost))

	require.NoError(t, claims.Release(ctx, key, "a"), "releasing someone else's claim is a no-op")
	c, _ = claims.Get(ctx, key)
	require.NotNil(t, c)
	assert.Equal(t, "b", c.Owner)

	require.NoError(t, claims.Release(ctx, key, "b"))
	c, err = claims.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestClaims_SingleFlightUnderContention(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "claims.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	claims := NewClaims(db.DB)
	key := domain.TaskClaimKey("kline_day_raw", "000001.SZ")

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := claims.TryClaim(context.Background(), key, string(rune('a'+i)), time.Now().Add(-time.Minute))
			if err != nil {
				t.Errorf("try claim: %v", err)
				return
			}
			if ok {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, winners.Load())
}
