package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/deeprun/internal/db"
	"github.com/metalagman/deeprun/internal/fault"
	"github.com/metalagman/deeprun/internal/store"
)

type funcExecutor func(ctx context.Context, job store.Job) error

func (f funcExecutor) Execute(ctx context.Context, job store.Job) error { return f(ctx, job) }

func newStore(t *testing.T) *store.Store {
	t.Helper()
	sqlDB, err := db.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return store.New(sqlDB)
}

func seedRunWithJob(t *testing.T, s *store.Store) (store.Run, store.Job) {
	t.Helper()
	ctx := context.Background()
	project := store.Project{ID: uuid.NewString(), Name: "demo", MainBranch: "main"}
	require.NoError(t, s.CreateProject(ctx, project))
	run := store.Run{
		ID:             uuid.NewString(),
		ProjectID:      project.ID,
		Origin:         store.OriginUser,
		Status:         store.RunQueued,
		Branch:         "runs/" + uuid.NewString(),
		BaseCommitHash: "base",
		Prompt:         "do things",
		MetadataJSON:   "{}",
	}
	job := store.Job{
		ID:         uuid.NewString(),
		RunID:      run.ID,
		ProjectID:  project.ID,
		TargetRole: "any",
	}
	require.NoError(t, s.CreateRun(ctx, run, &job))
	return run, job
}

func TestWorkerRunOnceCompletesJob(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	_, job := seedRunWithJob(t, s)

	var executed []string
	w := NewWorker(s, funcExecutor(func(_ context.Context, j store.Job) error {
		executed = append(executed, j.ID)
		return nil
	}), WorkerConfig{NodeID: "node-a"})

	claimed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, []string{job.ID}, executed)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, got.Status)
	assert.Equal(t, 1, got.Attempt)

	// queue drained
	claimed, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestWorkerReleaseFollowsFaultKind(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	_, job := seedRunWithJob(t, s)

	// transient failure goes back to queued
	w := NewWorker(s, funcExecutor(func(context.Context, store.Job) error {
		return fault.WorkspaceLocked("workspace busy")
	}), WorkerConfig{NodeID: "node-a"})
	claimed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobQueued, got.Status)
	assert.Contains(t, got.LastError, "workspace busy")

	// fatal failure closes the job
	w = NewWorker(s, funcExecutor(func(context.Context, store.Job) error {
		return fault.PlannerFailed("planner returned garbage")
	}), WorkerConfig{NodeID: "node-a"})
	claimed, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)

	got, err = s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, got.Status)
	assert.Equal(t, 2, got.Attempt)
}

func TestWorkerRoleFiltering(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	project := store.Project{ID: uuid.NewString(), Name: "demo", MainBranch: "main"}
	require.NoError(t, s.CreateProject(ctx, project))
	run := store.Run{
		ID:             uuid.NewString(),
		ProjectID:      project.ID,
		Origin:         store.OriginUser,
		Status:         store.RunQueued,
		Branch:         "runs/x",
		BaseCommitHash: "base",
		Prompt:         "heavy work",
		MetadataJSON:   "{}",
	}
	job := store.Job{
		ID:                   uuid.NewString(),
		RunID:                run.ID,
		ProjectID:            project.ID,
		TargetRole:           "heavy",
		RequiredCapabilities: []string{"docker"},
	}
	require.NoError(t, s.CreateRun(ctx, run, &job))

	noop := funcExecutor(func(context.Context, store.Job) error { return nil })

	claimed, err := NewWorker(s, noop, WorkerConfig{NodeID: "n1", Role: "light"}).RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, claimed)

	claimed, err = NewWorker(s, noop, WorkerConfig{NodeID: "n2", Role: "heavy"}).RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, claimed)

	claimed, err = NewWorker(s, noop, WorkerConfig{
		NodeID: "n3", Role: "heavy", Capabilities: []string{"docker"},
	}).RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestDispatcherRequeuesOrphanedLease(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	_, job := seedRunWithJob(t, s)

	node := store.WorkerNode{ID: "dead-node", Role: "any"}
	claimed, err := s.ClaimNextJob(ctx, node, 5*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	time.Sleep(10 * time.Millisecond)

	d := NewDispatcher(s, DispatcherConfig{})
	requeued, err := d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobQueued, got.Status)
	assert.Empty(t, got.AssignedNode)
	assert.Nil(t, got.LeaseExpiresAt)
	assert.Equal(t, "lease expired", got.LastError)

	events, err := s.ListEvents(ctx, job.RunID)
	require.NoError(t, err)
	found := false
	for _, ev := range events {
		if ev.Type == "run_requeued" {
			found = true
		}
	}
	assert.True(t, found, "missing run_requeued event")

	// a second sweep finds nothing
	requeued, err = d.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, requeued)
}

func TestDispatcherMarksStaleWorkersOffline(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertWorker(ctx, store.WorkerNode{
		ID: "node-a", Role: "any", Status: store.WorkerOnline,
	}))

	d := NewDispatcher(s, DispatcherConfig{})
	d.cfg.HeartbeatInterval = -time.Second // push the staleness cutoff into the future
	_, err := d.Sweep(ctx)
	require.NoError(t, err)

	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, store.WorkerOffline, workers[0].Status)
}

func TestWorkerConfigDefaults(t *testing.T) {
	cfg := WorkerConfig{}
	cfg.normalize()
	assert.NotEmpty(t, cfg.NodeID)
	assert.Equal(t, "any", cfg.Role)
	assert.Equal(t, defaultLease, cfg.Lease)
	assert.Equal(t, defaultPoll, cfg.PollInterval)
	assert.LessOrEqual(t, cfg.HeartbeatInterval, cfg.Lease/3)

	cfg = WorkerConfig{Lease: 30 * time.Second, HeartbeatInterval: time.Minute}
	cfg.normalize()
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
}

func TestWorkerConfigFromEnv(t *testing.T) {
	t.Setenv("NODE_ID", "env-node")
	t.Setenv("NODE_ROLE", "heavy")
	t.Setenv("WORKER_POLL_MS", "250")
	t.Setenv("WORKER_HEARTBEAT_MS", "1500")

	cfg := WorkerConfigFromEnv()
	assert.Equal(t, "env-node", cfg.NodeID)
	assert.Equal(t, "heavy", cfg.Role)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.HeartbeatInterval)
}
