// Package queue runs the lease-based job distribution around the store:
// the worker loop that claims and executes run jobs, and the dispatcher
// that reclaims orphaned leases.
package queue

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/metalagman/deeprun/internal/fault"
	"github.com/metalagman/deeprun/internal/logging"
	"github.com/metalagman/deeprun/internal/metrics"
	"github.com/metalagman/deeprun/internal/store"
)

const (
	defaultLease     = 60 * time.Second
	defaultPoll      = 2 * time.Second
	defaultHeartbeat = defaultLease / 3
)

// Executor runs one claimed job to a terminal outcome. The kernel is the
// production implementation.
type Executor interface {
	Execute(ctx context.Context, job store.Job) error
}

// WorkerConfig describes one worker process.
type WorkerConfig struct {
	NodeID       string
	Role         string
	Capabilities []string

	Lease             time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// WorkerConfigFromEnv builds the config from the process environment:
// NODE_ID, NODE_ROLE, WORKER_POLL_MS, WORKER_HEARTBEAT_MS. Unset values
// get defaults; the node id falls back to hostname plus a random suffix.
func WorkerConfigFromEnv() WorkerConfig {
	cfg := WorkerConfig{
		NodeID: os.Getenv("NODE_ID"),
		Role:   os.Getenv("NODE_ROLE"),
	}
	if ms := envMillis("WORKER_POLL_MS"); ms > 0 {
		cfg.PollInterval = ms
	}
	if ms := envMillis("WORKER_HEARTBEAT_MS"); ms > 0 {
		cfg.HeartbeatInterval = ms
	}
	return cfg
}

func envMillis(key string) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}

func (c *WorkerConfig) normalize() {
	if c.NodeID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		c.NodeID = host + "-" + uuid.NewString()[:8]
	}
	if c.Role == "" {
		c.Role = "any"
	}
	if c.Lease <= 0 {
		c.Lease = defaultLease
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPoll
	}
	// heartbeats must land well inside the lease window
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval > c.Lease/3 {
		c.HeartbeatInterval = c.Lease / 3
		if c.HeartbeatInterval <= 0 {
			c.HeartbeatInterval = defaultHeartbeat
		}
	}
}

// Worker claims jobs for one node and drives them through the executor,
// holding the lease with heartbeats while the job runs.
type Worker struct {
	store  *store.Store
	exec   Executor
	cfg    WorkerConfig
	logger zerolog.Logger
}

// NewWorker wires a worker. Zero config fields get defaults.
func NewWorker(st *store.Store, exec Executor, cfg WorkerConfig) *Worker {
	cfg.normalize()
	return &Worker{
		store:  st,
		exec:   exec,
		cfg:    cfg,
		logger: logging.Component("worker").With().Str("node_id", cfg.NodeID).Logger(),
	}
}

// NodeID returns the effective node identity after defaulting.
func (w *Worker) NodeID() string { return w.cfg.NodeID }

// Run registers the node and polls for jobs until the context ends.
// Context cancellation is a clean shutdown; losing a lease mid-job is
// reported per job, not fatal to the loop.
func (w *Worker) Run(ctx context.Context) error {
	node := store.WorkerNode{
		ID:           w.cfg.NodeID,
		Role:         w.cfg.Role,
		Capabilities: w.cfg.Capabilities,
		Status:       store.WorkerOnline,
	}
	if err := w.store.UpsertWorker(ctx, node); err != nil {
		return err
	}
	w.logger.Info().Str("role", w.cfg.Role).Strs("capabilities", w.cfg.Capabilities).
		Msg("worker registered")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		job, err := w.store.ClaimNextJob(ctx, node, w.cfg.Lease)
		if err != nil && !fault.Is(err, fault.CodeStoreConflict) {
			w.logger.Error().Err(err).Msg("claim failed")
		}
		if job != nil {
			metrics.JobClaims.WithLabelValues(w.cfg.Role).Inc()
			w.processJob(ctx, *job)
			// drain eagerly while work is available
			continue
		}
		if err := w.store.TouchWorker(ctx, w.cfg.NodeID); err != nil {
			w.logger.Warn().Err(err).Msg("heartbeat to worker registry failed")
		}
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes at most one job. Returns false when nothing
// was eligible. Used by tests and the one-shot CLI mode.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	node := store.WorkerNode{
		ID:           w.cfg.NodeID,
		Role:         w.cfg.Role,
		Capabilities: w.cfg.Capabilities,
		Status:       store.WorkerOnline,
	}
	if err := w.store.UpsertWorker(ctx, node); err != nil {
		return false, err
	}
	job, err := w.store.ClaimNextJob(ctx, node, w.cfg.Lease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	metrics.JobClaims.WithLabelValues(w.cfg.Role).Inc()
	w.processJob(ctx, *job)
	return true, nil
}

// processJob executes one leased job under a heartbeat. The lease outcome
// (complete, release, lost) is resolved here; executor errors decide the
// release kind through the fault taxonomy.
func (w *Worker) processJob(ctx context.Context, job store.Job) {
	logger := w.logger.With().Str("job_id", job.ID).Str("run_id", job.RunID).Logger()
	logger.Info().Int("attempt", job.Attempt).Msg("job claimed")

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lost := make(chan struct{})
	done := make(chan struct{})
	go w.holdLease(jobCtx, job, cancel, lost, done)

	err := w.exec.Execute(jobCtx, job)
	cancel()
	<-done

	select {
	case <-lost:
		metrics.HeartbeatFailures.Inc()
		logger.Warn().Msg("lease lost while executing, leaving job to the new holder")
		return
	default:
	}

	if err == nil {
		if cerr := w.store.CompleteJob(ctx, job.ID, w.cfg.NodeID); cerr != nil {
			logger.Error().Err(cerr).Msg("complete failed")
			return
		}
		metrics.JobCompletions.Inc()
		logger.Info().Msg("job completed")
		return
	}

	retryable := fault.Retryable(err) || errors.Is(err, context.Canceled)
	if rerr := w.store.ReleaseJob(ctx, job.ID, w.cfg.NodeID, retryable, err.Error()); rerr != nil {
		logger.Error().Err(rerr).Msg("release failed")
		return
	}
	metrics.JobReleases.WithLabelValues(strconv.FormatBool(retryable)).Inc()
	logger.Warn().Err(err).Bool("retryable", retryable).Msg("job released")
}

// holdLease heartbeats until the job context ends. A rejected heartbeat
// means another node holds the lease now: the job context is cancelled and
// lost is closed.
func (w *Worker) holdLease(ctx context.Context, job store.Job, cancel context.CancelFunc, lost, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := w.store.HeartbeatJob(ctx, job.ID, w.cfg.NodeID, w.cfg.Lease); err != nil {
			if fault.Is(err, fault.CodeLeaseLost) {
				close(lost)
				cancel()
				return
			}
			w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("heartbeat failed")
		}
		_ = w.store.TouchWorker(ctx, w.cfg.NodeID)
	}
}
