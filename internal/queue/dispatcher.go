package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/metalagman/deeprun/internal/logging"
	"github.com/metalagman/deeprun/internal/metrics"
	"github.com/metalagman/deeprun/internal/store"
)

const (
	defaultSweepInterval = 15 * time.Second
	// a worker missing three heartbeat windows is considered gone
	staleWorkerFactor = 3
)

// Dispatcher reclaims orphaned leases: jobs whose worker stopped
// heartbeating get flipped back to queued in place, and stale worker
// registrations go offline. Step-level recovery happens when the next
// claimant re-enters execution and reconciles the interrupted step.
type Dispatcher struct {
	store  *store.Store
	cfg    DispatcherConfig
	logger zerolog.Logger
}

// DispatcherConfig bounds the sweep cadence.
type DispatcherConfig struct {
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
}

// NewDispatcher wires a dispatcher. Zero config fields get defaults.
func NewDispatcher(st *store.Store, cfg DispatcherConfig) *Dispatcher {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	return &Dispatcher{
		store:  st,
		cfg:    cfg,
		logger: logging.Component("dispatcher"),
	}
}

// Run sweeps on a ticker until the context ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		if _, err := d.Sweep(ctx); err != nil {
			d.logger.Error().Err(err).Msg("sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep requeues every expired lease and marks stale workers offline.
// Returns the number of jobs requeued.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	expired, err := d.store.ExpiredLeases(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, job := range expired {
		flipped, err := d.store.RequeueExpiredJob(ctx, job.ID, "lease expired")
		if err != nil {
			d.logger.Error().Err(err).Str("job_id", job.ID).Msg("requeue failed")
			continue
		}
		if !flipped {
			// a worker reclaimed or finished it between the scan and the flip
			continue
		}
		requeued++
		metrics.LeaseExpirations.Inc()
		d.logger.Warn().Str("job_id", job.ID).Str("run_id", job.RunID).
			Str("node_id", job.AssignedNode).Msg("orphaned lease requeued")
	}

	cutoff := time.Now().Add(-time.Duration(staleWorkerFactor) * d.cfg.HeartbeatInterval)
	offline, err := d.store.MarkStaleWorkersOffline(ctx, cutoff)
	if err != nil {
		return requeued, err
	}
	if offline > 0 {
		d.logger.Info().Int("workers", offline).Msg("stale workers marked offline")
	}
	return requeued, nil
}
