package job

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ahmethakanbesel/marketsync/internal/apperror"
)

type mockRepo struct {
	mu     sync.Mutex
	jobs   map[int64]*Job
	runs   map[string]*Run
	tasks  []Task
	errs   []ErrorRecord
	nextID int64
}

func newMockRepo() *mockRepo {
	return &mockRepo{jobs: make(map[int64]*Job), runs: make(map[string]*Run), nextID: 1}
}

func (m *mockRepo) Create(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j.ID = m.nextID
	m.nextID++
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *mockRepo) Update(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *mockRepo) Get(_ context.Context, id int64) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	cp := *j
	return &cp, nil
}

func (m *mockRepo) List(_ context.Context, f ListFilter) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if f.Dataset != "" && j.Dataset != f.Dataset {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		result = append(result, *j)
	}
	sort.Slice(result, func(a, b int) bool { return result[a].ID < result[b].ID })
	return result, nil
}

func (m *mockRepo) ClaimQueued(_ context.Context) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := int64(1); id < m.nextID; id++ {
		j, ok := m.jobs[id]
		if ok && j.Status == StatusQueued {
			j.Status = StatusRunning
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) CreateRun(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *mockRepo) FinishRun(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *mockRepo) ActiveRun(_ context.Context, jobID int64) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.JobID == jobID && r.Status == StatusRunning {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) ListRuns(_ context.Context, jobID int64) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for _, r := range m.runs {
		if r.JobID == jobID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *mockRepo) CreateTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = int64(len(m.tasks) + 1)
	m.tasks = append(m.tasks, *t)
	return nil
}

func (m *mockRepo) UpdateTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID-1] = *t
	return nil
}

func (m *mockRepo) ListTasks(_ context.Context, jobID int64) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.tasks {
		if t.JobID == jobID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockRepo) AppendErrors(_ context.Context, errs []ErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
	return nil
}

func (m *mockRepo) ListErrors(_ context.Context, _ int64) ([]ErrorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ErrorRecord(nil), m.errs...), nil
}

type mockClaims struct {
	mu     sync.Mutex
	claims map[string]Claim
}

func newMockClaims() *mockClaims {
	return &mockClaims{claims: make(map[string]Claim)}
}

func (m *mockClaims) TryClaim(_ context.Context, key, owner string, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[key]; ok && !c.HeartbeatAt.Before(staleBefore) {
		return false, nil
	}
	now := time.Now()
	m.claims[key] = Claim{Key: key, Owner: owner, ClaimedAt: now, HeartbeatAt: now}
	return true, nil
}

func (m *mockClaims) Heartbeat(_ context.Context, key, owner string, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[key]
	if !ok || c.Owner != owner {
		return ErrClaimLost
	}
	c.HeartbeatAt = time.Now()
	c.TaskID = taskID
	m.claims[key] = c
	return nil
}

func (m *mockClaims) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[key]; ok && c.Owner == owner {
		delete(m.claims, key)
	}
	return nil
}

func (m *mockClaims) Get(_ context.Context, key string) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[key]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *mockClaims) set(c Claim) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims[c.Key] = c
}

func TestService_Submit(t *testing.T) {
	repo := newMockRepo()
	notified := 0
	svc := NewService(repo, newMockClaims())
	svc.SetNotify(func() { notified++ })

	j, err := svc.Submit(context.Background(), SubmitJobRequest{
		Dataset:     "kline_day_raw",
		Instruments: []string{"600000.SH", "000001.SZ"},
		StartDate:   "2024-01-01",
		EndDate:     "2024-01-31",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Status != StatusQueued {
		t.Errorf("expected queued, got %s", j.Status)
	}
	if j.Mode != ModeIncremental {
		t.Errorf("expected incremental default, got %s", j.Mode)
	}
	if j.Workers != 4 {
		t.Errorf("expected default workers 4, got %d", j.Workers)
	}
	if !j.Params.EndDate.Equal(time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected end date %v", j.Params.EndDate)
	}
	if notified != 1 {
		t.Errorf("expected one notification, got %d", notified)
	}
}

func TestService_Submit_Invalid(t *testing.T) {
	svc := NewService(newMockRepo(), newMockClaims(), WithWorkerLimits(2, 8))

	tests := []struct {
		name string
		req  SubmitJobRequest
	}{
		{"unknown dataset", SubmitJobRequest{Dataset: "ticks"}},
		{"unknown mode", SubmitJobRequest{Dataset: "kline_day_raw", Mode: "turbo"}},
		{"bad date", SubmitJobRequest{Dataset: "kline_day_raw", StartDate: "yesterday-ish"}},
		{"reversed range", SubmitJobRequest{Dataset: "kline_day_raw", StartDate: "2024-02-01", EndDate: "2024-01-01"}},
		{"too many workers", SubmitJobRequest{Dataset: "kline_day_raw", Workers: 9}},
		{"blank instrument", SubmitJobRequest{Dataset: "kline_day_raw", Instruments: []string{" "}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(context.Background(), tt.req)
			appErr, ok := err.(*apperror.AppError)
			if !ok {
				t.Fatalf("expected AppError, got %v", err)
			}
			if appErr.Code() != apperror.BadRequest {
				t.Errorf("expected BAD_REQUEST, got %s", appErr.Code())
			}
		})
	}
}

func TestService_Get(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, newMockClaims())
	ctx := context.Background()

	if err := repo.Create(ctx, &Job{Dataset: "kline_day_raw", Status: StatusQueued}); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Get(ctx, GetJobRequest{ID: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Dataset != "kline_day_raw" {
		t.Errorf("expected kline_day_raw, got %s", got.Dataset)
	}
}

func TestService_Get_InvalidID(t *testing.T) {
	svc := NewService(newMockRepo(), newMockClaims())
	_, err := svc.Get(context.Background(), GetJobRequest{ID: 0})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestService_List(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, newMockClaims())
	ctx := context.Background()

	if err := repo.Create(ctx, &Job{Dataset: "kline_day_raw", Status: StatusQueued}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, &Job{Dataset: "adj_factor", Status: StatusQueued}); err != nil {
		t.Fatal(err)
	}

	jobs, err := svc.List(ctx, ListJobsRequest{Dataset: "adj_factor"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("expected 1 job, got %d", len(jobs))
	}

	if _, err := svc.List(ctx, ListJobsRequest{Status: "sleeping"}); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestService_StuckAndRequeue(t *testing.T) {
	repo := newMockRepo()
	claims := newMockClaims()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(repo, claims, WithStaleAfter(time.Minute), WithServiceClock(func() time.Time { return now }))
	ctx := context.Background()

	live := &Job{Dataset: "kline_day_raw", Status: StatusRunning}
	dead := &Job{Dataset: "kline_day_raw", Status: StatusRunning}
	_ = repo.Create(ctx, live)
	_ = repo.Create(ctx, dead)
	claims.set(Claim{Key: JobClaimKey(live.ID), Owner: "a", HeartbeatAt: now.Add(-10 * time.Second)})
	claims.set(Claim{Key: JobClaimKey(dead.ID), Owner: "b", HeartbeatAt: now.Add(-10 * time.Minute)})
	_ = repo.CreateRun(ctx, &Run{ID: "run-dead", JobID: dead.ID, Status: StatusRunning})

	stuck, err := svc.Stuck(ctx)
	if err != nil {
		t.Fatalf("stuck: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != dead.ID {
		t.Fatalf("expected only job %d stuck, got %+v", dead.ID, stuck)
	}

	if _, err := svc.Requeue(ctx, GetJobRequest{ID: live.ID}); err == nil {
		t.Error("expected conflict requeueing a live job")
	}

	got, err := svc.Requeue(ctx, GetJobRequest{ID: dead.ID})
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if got.Status != StatusQueued {
		t.Errorf("expected queued, got %s", got.Status)
	}
	if r := repo.runs["run-dead"]; r.Status != StatusFailed || r.FinishedAt == nil {
		t.Errorf("expected stale run closed as failed, got %+v", r)
	}
	if c, _ := claims.Get(ctx, JobClaimKey(dead.ID)); c != nil {
		t.Error("expected job claim released")
	}
}

func TestService_Requeue_TerminalStates(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, newMockClaims())
	ctx := context.Background()

	partial := &Job{Dataset: "kline_day_raw", Status: StatusPartial, Error: "1 task failed"}
	done := &Job{Dataset: "kline_day_raw", Status: StatusSucceeded}
	_ = repo.Create(ctx, partial)
	_ = repo.Create(ctx, done)

	got, err := svc.Requeue(ctx, GetJobRequest{ID: partial.ID})
	if err != nil {
		t.Fatalf("requeue partial: %v", err)
	}
	if got.Status != StatusQueued || got.Error != "" {
		t.Errorf("expected clean queued job, got %+v", got)
	}

	_, err = svc.Requeue(ctx, GetJobRequest{ID: done.ID})
	appErr, ok := err.(*apperror.AppError)
	if !ok || appErr.Code() != apperror.Conflict {
		t.Errorf("expected conflict for succeeded job, got %v", err)
	}
}

func TestService_RecoverStaleJobs(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, newMockClaims())
	ctx := context.Background()

	// A running job with no claim row lost its executor before it heartbeated.
	_ = repo.Create(ctx, &Job{Dataset: "kline_day_raw", Status: StatusRunning, UpdatedAt: time.Now().Add(-time.Hour)})

	if err := svc.RecoverStaleJobs(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := repo.Get(ctx, 1)
	if got.Status != StatusQueued {
		t.Errorf("expected queued, got %s", got.Status)
	}
}

func TestService_JustStartedJobIsNotStuck(t *testing.T) {
	repo := newMockRepo()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(repo, newMockClaims(), WithStaleAfter(time.Minute), WithServiceClock(func() time.Time { return now }))
	ctx := context.Background()

	// Started a moment ago; its scheduler has not taken the job claim yet.
	j := &Job{Dataset: "kline_day_raw", Status: StatusRunning, UpdatedAt: now.Add(-time.Second)}
	_ = repo.Create(ctx, j)

	stuck, err := svc.Stuck(ctx)
	if err != nil {
		t.Fatalf("stuck: %v", err)
	}
	if len(stuck) != 0 {
		t.Fatalf("expected no stuck jobs, got %+v", stuck)
	}

	_, err = svc.Requeue(ctx, GetJobRequest{ID: j.ID})
	appErr, ok := err.(*apperror.AppError)
	if !ok || appErr.Code() != apperror.Conflict {
		t.Fatalf("expected conflict requeueing a starting job, got %v", err)
	}

	if err := svc.RecoverStaleJobs(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got, _ := repo.Get(ctx, j.ID); got.Status != StatusRunning {
		t.Errorf("expected job left running, got %s", got.Status)
	}
}
