package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/metalagman/deeprun/internal/fault"
)

// EventInput describes a timeline event recorded alongside a change.
type EventInput struct {
	Type     string
	Message  string
	DataJSON string
}

// RunUpdate contains optional field updates for a run record. Nil fields
// are left untouched.
type RunUpdate struct {
	Status              *RunStatus
	LastValidCommitHash *string
	FinalCommitHash     *string
	PlanJSON            *string
	MetadataJSON        *string
	FailureCode         *string
	FailureMessage      *string
	CorrectiveAttempts  *int
	StartedAt           *string
	FinishedAt          *string
}

const runColumns = `id, project_id, parent_run_id, origin, status, branch,
	base_commit_hash, last_valid_commit_hash, final_commit_hash, prompt,
	plan_json, metadata_json, failure_code, failure_message,
	corrective_attempts, created_at, updated_at, started_at, finished_at`

// CreateRun inserts the run record, its queue job when given, and a
// run_queued event in one transaction.
func (s *Store) CreateRun(ctx context.Context, run Run, job *Job) error {
	ts := formatTime(now())
	return s.withTx(ctx, "create run", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.ProjectID, nullableString(run.ParentRunID), string(run.Origin),
			string(run.Status), run.Branch, run.BaseCommitHash,
			nullableString(run.LastValidCommitHash), nullableString(run.FinalCommitHash),
			run.Prompt, nullableString(run.PlanJSON), run.MetadataJSON,
			nullableString(run.FailureCode), nullableString(run.FailureMessage),
			run.CorrectiveAttempts, ts, ts, nullableTime(run.StartedAt),
			nullableTime(run.FinishedAt)); err != nil {
			if isUniqueViolation(err) {
				return fault.AlreadyExists("run %q already exists", run.ID).Wrap(err)
			}
			return fmt.Errorf("insert run: %w", mapSQLError(err))
		}
		if job != nil {
			if err := insertJob(ctx, tx, *job, ts); err != nil {
				return err
			}
		}
		if err := s.insertEvent(ctx, tx, run.ID, "run_queued", "run queued", ""); err != nil {
			return err
		}
		return nil
	})
}

// RequeueRun flips an existing run back to queued and enqueues a fresh job
// for it in one transaction. Failure fields and finished_at are cleared so
// the run can execute again; a non-nil metadataJSON replaces the stored
// metadata atomically with the flip. A live job for the run fails the
// enqueue.
func (s *Store) RequeueRun(ctx context.Context, runID string, metadataJSON *string, job Job, events ...EventInput) error {
	ts := formatTime(now())
	return s.withTx(ctx, "requeue run", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status=?, updated_at=?, failure_code=NULL, failure_message=NULL,
				finished_at=NULL, metadata_json=COALESCE(?, metadata_json) WHERE id=?`,
			string(RunQueued), ts, metadataJSON, runID)
		if err != nil {
			return fmt.Errorf("requeue run: %w", mapSQLError(err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fault.NotFound("run %q", runID)
		}
		if err := insertJob(ctx, tx, job, ts); err != nil {
			return err
		}
		for _, ev := range events {
			if err := s.insertEvent(ctx, tx, runID, ev.Type, ev.Message, ev.DataJSON); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, fault.NotFound("run %q", runID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("read run: %w", err)
	}
	return run, nil
}

// ListRunsPage is one page of a cursor listing, newest first.
type ListRunsPage struct {
	Runs       []Run
	NextCursor string
}

// ListRuns returns runs for a project ordered newest first. A non-empty
// cursor resumes a previous listing; limit <= 0 defaults to 50.
func (s *Store) ListRuns(ctx context.Context, projectID, cursor string, limit int) (ListRunsPage, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM runs WHERE project_id=?`
	args := []any{projectID}
	if cursor != "" {
		createdAt, id, err := decodeCursor(cursor)
		if err != nil {
			return ListRunsPage{}, err
		}
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, createdAt, createdAt, id)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ListRunsPage{}, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var page ListRunsPage
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return ListRunsPage{}, fmt.Errorf("scan run: %w", err)
		}
		page.Runs = append(page.Runs, run)
	}
	if err := rows.Err(); err != nil {
		return ListRunsPage{}, fmt.Errorf("iterate runs: %w", err)
	}
	if len(page.Runs) > limit {
		page.Runs = page.Runs[:limit]
		last := page.Runs[len(page.Runs)-1]
		page.NextCursor = encodeCursor(formatTime(last.CreatedAt), last.ID)
	}
	return page, nil
}

// ActiveRunID returns the id of the run holding the project branch lock,
// or "" when the project is unlocked.
func (s *Store) ActiveRunID(ctx context.Context, projectID string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM runs WHERE project_id=? AND status IN (?, ?, ?, ?, ?) LIMIT 1`,
		projectID, string(RunQueued), string(RunRunning), string(RunCorrecting),
		string(RunOptimizing), string(RunValidating))
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("read active run: %w", err)
	}
	return id, nil
}

// UpdateRun applies the update and records events in one transaction.
func (s *Store) UpdateRun(ctx context.Context, runID string, update RunUpdate, events ...EventInput) error {
	return s.withTx(ctx, "update run", func(tx *sql.Tx) error {
		if err := applyRunUpdate(ctx, tx, runID, update); err != nil {
			return err
		}
		for _, ev := range events {
			if err := s.insertEvent(ctx, tx, runID, ev.Type, ev.Message, ev.DataJSON); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyRunUpdate(ctx context.Context, tx *sql.Tx, runID string, update RunUpdate) error {
	sets := []string{"updated_at=?"}
	args := []any{formatTime(now())}
	add := func(col string, v any) {
		sets = append(sets, col+"=?")
		args = append(args, v)
	}
	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if update.LastValidCommitHash != nil {
		add("last_valid_commit_hash", nullableString(*update.LastValidCommitHash))
	}
	if update.FinalCommitHash != nil {
		add("final_commit_hash", nullableString(*update.FinalCommitHash))
	}
	if update.PlanJSON != nil {
		add("plan_json", nullableString(*update.PlanJSON))
	}
	if update.MetadataJSON != nil {
		add("metadata_json", *update.MetadataJSON)
	}
	if update.FailureCode != nil {
		add("failure_code", nullableString(*update.FailureCode))
	}
	if update.FailureMessage != nil {
		add("failure_message", nullableString(*update.FailureMessage))
	}
	if update.CorrectiveAttempts != nil {
		add("corrective_attempts", *update.CorrectiveAttempts)
	}
	if update.StartedAt != nil {
		add("started_at", nullableString(*update.StartedAt))
	}
	if update.FinishedAt != nil {
		add("finished_at", nullableString(*update.FinishedAt))
	}
	args = append(args, runID)
	res, err := tx.ExecContext(ctx, `UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE id=?`, args...)
	if err != nil {
		return fmt.Errorf("update run: %w", mapSQLError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.NotFound("run %q", runID)
	}
	return nil
}

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var (
		run                                          Run
		parent, lastValid, finalHash, plan           sql.NullString
		failCode, failMsg, startedAt, finishedAt     sql.NullString
		origin, status, createdAt, updatedAt, branch string
	)
	err := row.Scan(&run.ID, &run.ProjectID, &parent, &origin, &status, &branch,
		&run.BaseCommitHash, &lastValid, &finalHash, &run.Prompt, &plan,
		&run.MetadataJSON, &failCode, &failMsg, &run.CorrectiveAttempts,
		&createdAt, &updatedAt, &startedAt, &finishedAt)
	if err != nil {
		return Run{}, err
	}
	run.ParentRunID = scanNullString(parent)
	run.Origin = RunOrigin(origin)
	run.Status = RunStatus(status)
	run.Branch = branch
	run.LastValidCommitHash = scanNullString(lastValid)
	run.FinalCommitHash = scanNullString(finalHash)
	run.PlanJSON = scanNullString(plan)
	run.FailureCode = scanNullString(failCode)
	run.FailureMessage = scanNullString(failMsg)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	run.StartedAt = scanNullTime(startedAt)
	run.FinishedAt = scanNullTime(finishedAt)
	return run, nil
}

func encodeCursor(createdAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(createdAt + "|" + id))
}

func decodeCursor(cursor string) (createdAt, id string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", fault.NotFound("cursor %q", cursor).Wrap(err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return "", "", fault.NotFound("cursor %q", cursor)
	}
	return parts[0], parts[1], nil
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, runID, typ, message, dataJSON string) error {
	seq, err := s.nextSeq(ctx, tx, runID)
	if err != nil {
		return err
	}
	ts := formatTime(now())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_events(run_id, seq, ts, type, message, data_json) VALUES(?, ?, ?, ?, ?, ?)`,
		runID, seq, ts, typ, message, nullableString(dataJSON)); err != nil {
		return fmt.Errorf("insert event: %w", mapSQLError(err))
	}
	return nil
}

func (s *Store) nextSeq(ctx context.Context, tx *sql.Tx, runID string) (int, error) {
	var seq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM run_events WHERE run_id=?`, runID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("read event seq: %w", err)
	}
	return seq + 1, nil
}

// ListEvents returns the run timeline in seq order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, ts, type, message, data_json FROM run_events WHERE run_id=? ORDER BY seq ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []RunEvent
	for rows.Next() {
		var (
			ev   RunEvent
			ts   string
			data sql.NullString
		)
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ts, &ev.Type, &ev.Message, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.TS = parseTime(ts)
		ev.DataJSON = scanNullString(data)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
