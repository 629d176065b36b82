package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/metalagman/deeprun/internal/fault"
)

const jobColumns = `id, run_id, project_id, kind, payload_json, status, target_role,
	required_capabilities_json, assigned_node, lease_expires_at, attempt,
	last_error, created_at, updated_at`

func insertJob(ctx context.Context, tx *sql.Tx, job Job, ts string) error {
	kind := job.Kind
	if kind == "" {
		kind = JobStart
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.RunID, job.ProjectID, string(kind),
		nullableString(job.PayloadJSON), string(JobQueued), job.TargetRole,
		encodeStrings(job.RequiredCapabilities), nullableString(job.AssignedNode),
		nullableTime(job.LeaseExpiresAt), job.Attempt,
		nullableString(job.LastError), ts, ts); err != nil {
		if isUniqueViolation(err) {
			return fault.DuplicateActiveJob("run %q already has a live job", job.RunID).Wrap(err)
		}
		return fmt.Errorf("insert job: %w", mapSQLError(err))
	}
	return nil
}

// EnqueueJob inserts a queued job. A second live job for the same run
// fails with DuplicateActiveJob.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	ts := formatTime(now())
	return s.withTx(ctx, "enqueue job", func(tx *sql.Tx) error {
		return insertJob(ctx, tx, job, ts)
	})
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, fault.NotFound("job %q", jobID)
	}
	if err != nil {
		return Job{}, fmt.Errorf("read job: %w", err)
	}
	return job, nil
}

// ActiveJobForRun returns the queued or leased job for a run, or nil.
func (s *Store) ActiveJobForRun(ctx context.Context, runID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE run_id=? AND status IN (?, ?) LIMIT 1`,
		runID, string(JobQueued), string(JobLeased))
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read active job: %w", err)
	}
	return &job, nil
}

// ClaimNextJob leases the oldest eligible job for the node: queued jobs and
// jobs whose lease expired, filtered by target role and required
// capabilities. Returns nil when nothing is eligible.
func (s *Store) ClaimNextJob(ctx context.Context, node WorkerNode, lease time.Duration) (*Job, error) {
	nowTS := formatTime(now())
	var claimed *Job
	err := s.withTx(ctx, "claim job", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
			WHERE (status=? OR (status=? AND lease_expires_at < ?))
			  AND (target_role='any' OR target_role=?)
			ORDER BY created_at ASC, id ASC`,
			string(JobQueued), string(JobLeased), nowTS, node.Role)
		if err != nil {
			return fmt.Errorf("select eligible jobs: %w", err)
		}
		var candidate *Job
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan job: %w", err)
			}
			if !capabilitiesSatisfied(job.RequiredCapabilities, node.Capabilities) {
				continue
			}
			candidate = &job
			break
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate jobs: %w", err)
		}
		if candidate == nil {
			return nil
		}
		expires := now().Add(lease)
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, assigned_node=?,
			lease_expires_at=?, attempt=attempt+1, updated_at=?
			WHERE id=? AND (status=? OR (status=? AND lease_expires_at < ?))`,
			string(JobLeased), node.ID, formatTime(expires), nowTS,
			candidate.ID, string(JobQueued), string(JobLeased), nowTS)
		if err != nil {
			return fmt.Errorf("lease job: %w", mapSQLError(err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fault.StoreConflict("job %q claimed concurrently", candidate.ID)
		}
		candidate.Status = JobLeased
		candidate.AssignedNode = node.ID
		candidate.LeaseExpiresAt = &expires
		candidate.Attempt++
		claimed = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func capabilitiesSatisfied(required, offered []string) bool {
	for _, want := range required {
		found := false
		for _, have := range offered {
			if want == have {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// HeartbeatJob extends the lease while the node still holds it. A reclaim
// by another node makes subsequent heartbeats fail with LeaseLost.
func (s *Store) HeartbeatJob(ctx context.Context, jobID, nodeID string, lease time.Duration) error {
	expires := formatTime(now().Add(lease))
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET lease_expires_at=?, updated_at=?
		WHERE id=? AND status=? AND assigned_node=?`,
		expires, formatTime(now()), jobID, string(JobLeased), nodeID)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", mapSQLError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.LeaseLost("job %q not leased by %q", jobID, nodeID)
	}
	return nil
}

// CompleteJob finalizes a held lease.
func (s *Store) CompleteJob(ctx context.Context, jobID, nodeID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, lease_expires_at=NULL, updated_at=?
		WHERE id=? AND status=? AND assigned_node=?`,
		string(JobCompleted), formatTime(now()), jobID, string(JobLeased), nodeID)
	if err != nil {
		return fmt.Errorf("complete job: %w", mapSQLError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.LeaseLost("job %q not leased by %q", jobID, nodeID)
	}
	return nil
}

// ReleaseJob gives a held lease back: retryable failures requeue the job,
// terminal failures close it.
func (s *Store) ReleaseJob(ctx context.Context, jobID, nodeID string, retryable bool, lastError string) error {
	status := JobFailed
	if retryable {
		status = JobQueued
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, assigned_node=NULL,
		lease_expires_at=NULL, last_error=?, updated_at=?
		WHERE id=? AND status=? AND assigned_node=?`,
		string(status), nullableString(lastError), formatTime(now()),
		jobID, string(JobLeased), nodeID)
	if err != nil {
		return fmt.Errorf("release job: %w", mapSQLError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.LeaseLost("job %q not leased by %q", jobID, nodeID)
	}
	return nil
}

// CancelQueuedJob cancels the queued job for a run if one exists. Leased
// jobs are left to their worker, which observes run cancellation at the
// next suspension point.
func (s *Store) CancelQueuedJob(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, updated_at=?
		WHERE run_id=? AND status=?`,
		string(JobCancelled), formatTime(now()), runID, string(JobQueued))
	if err != nil {
		return fmt.Errorf("cancel queued job: %w", mapSQLError(err))
	}
	return nil
}

// RequeueExpiredJob flips an expired leased job back to queued in place,
// keeping the one-live-job-per-run invariant. Returns false when the lease
// was reclaimed or finished concurrently.
func (s *Store) RequeueExpiredJob(ctx context.Context, jobID, lastError string) (bool, error) {
	nowTS := formatTime(now())
	var flipped bool
	err := s.withTx(ctx, "requeue expired job", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, assigned_node=NULL,
			lease_expires_at=NULL, last_error=?, updated_at=?
			WHERE id=? AND status=? AND lease_expires_at < ?`,
			string(JobQueued), nullableString(lastError), nowTS,
			jobID, string(JobLeased), nowTS)
		if err != nil {
			return fmt.Errorf("requeue expired job: %w", mapSQLError(err))
		}
		n, _ := res.RowsAffected()
		flipped = n > 0
		if !flipped {
			return nil
		}
		row := tx.QueryRowContext(ctx, `SELECT run_id FROM jobs WHERE id=?`, jobID)
		var runID string
		if err := row.Scan(&runID); err != nil {
			return fmt.Errorf("read requeued job: %w", err)
		}
		return s.insertEvent(ctx, tx, runID, "run_requeued", "lease expired, job requeued", "")
	})
	if err != nil {
		return false, err
	}
	return flipped, nil
}

// ExpiredLeases returns leased jobs whose lease passed before cutoff.
func (s *Store) ExpiredLeases(ctx context.Context, cutoff time.Time) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status=? AND lease_expires_at < ? ORDER BY created_at ASC`,
		string(JobLeased), formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var (
		job                  Job
		kind, status, caps   string
		payload              sql.NullString
		node, lease, lastErr sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&job.ID, &job.RunID, &job.ProjectID, &kind, &payload,
		&status, &job.TargetRole,
		&caps, &node, &lease, &job.Attempt, &lastErr, &createdAt, &updatedAt)
	if err != nil {
		return Job{}, err
	}
	job.Kind = JobKind(kind)
	job.PayloadJSON = scanNullString(payload)
	job.Status = JobStatus(status)
	job.RequiredCapabilities = decodeStrings(caps)
	job.AssignedNode = scanNullString(node)
	job.LeaseExpiresAt = scanNullTime(lease)
	job.LastError = scanNullString(lastErr)
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return job, nil
}
