package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/deeprun/internal/config"
	"github.com/metalagman/deeprun/internal/kernel"
	"github.com/metalagman/deeprun/internal/project"
	"github.com/metalagman/deeprun/internal/queue"
	"github.com/metalagman/deeprun/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Planner.Cmd = []string{"true"}
	return cfg
}

func TestPopulateBuildsTheGraph(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		st      *store.Store
		k       *kernel.Kernel
		svc     *project.Service
		worker  *queue.Worker
		sweeper *queue.Dispatcher
	)
	stop, err := Populate(ctx, testConfig(t), &st, &k, &svc, &worker, &sweeper)
	require.NoError(t, err)
	defer func() { require.NoError(t, stop(context.Background())) }()

	assert.NotNil(t, st)
	assert.NotNil(t, k)
	assert.NotNil(t, svc)
	assert.NotNil(t, worker)
	assert.NotNil(t, sweeper)

	// the database file is live through the shared handle
	p, err := svc.Create(ctx, project.CreateParams{Name: "wired"})
	require.NoError(t, err)
	got, err := st.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "wired", got.Name)
}

func TestPopulateRequiresPlannerCommand(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	var k *kernel.Kernel
	_, err := Populate(context.Background(), cfg, &k)
	require.Error(t, err)
}
