package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/metalagman/deeprun/internal/fault"
)

const stepColumns = `run_id, step_index, attempt, tool, class, status,
	input_json, output_json, commit_hash, failure_code, failure_message,
	created_at, started_at, finished_at`

// StartStep records the step attempt before its effects happen, updating
// the run in the same transaction. Reconciliation depends on the running
// row existing durably before any workspace mutation. A duplicate
// (run, index, attempt) key means the attempt was already recorded.
func (s *Store) StartStep(ctx context.Context, step Step, update RunUpdate, events ...EventInput) error {
	ts := formatTime(now())
	return s.withTx(ctx, "start step", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO steps(`+stepColumns+`)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			step.RunID, step.StepIndex, step.Attempt, step.Tool, string(step.Class),
			string(step.Status), nullableString(step.InputJSON),
			nullableString(step.OutputJSON), nullableString(step.CommitHash),
			nullableString(step.FailureCode), nullableString(step.FailureMessage),
			ts, nullableTime(step.StartedAt), nullableTime(step.FinishedAt)); err != nil {
			if isUniqueViolation(err) {
				return fault.AlreadyExists("step %s/%d/%d already recorded",
					step.RunID, step.StepIndex, step.Attempt).Wrap(err)
			}
			return fmt.Errorf("insert step: %w", mapSQLError(err))
		}
		if err := applyRunUpdate(ctx, tx, step.RunID, update); err != nil {
			return err
		}
		for _, ev := range events {
			if err := s.insertEvent(ctx, tx, step.RunID, ev.Type, ev.Message, ev.DataJSON); err != nil {
				return err
			}
		}
		return nil
	})
}

// FinishStep finalizes the step attempt and applies the run update in one
// transaction.
func (s *Store) FinishStep(ctx context.Context, step Step, update RunUpdate, events ...EventInput) error {
	return s.withTx(ctx, "finish step", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE steps SET status=?, output_json=?,
			commit_hash=?, failure_code=?, failure_message=?, finished_at=?
			WHERE run_id=? AND step_index=? AND attempt=?`,
			string(step.Status), nullableString(step.OutputJSON),
			nullableString(step.CommitHash), nullableString(step.FailureCode),
			nullableString(step.FailureMessage), nullableTime(step.FinishedAt),
			step.RunID, step.StepIndex, step.Attempt)
		if err != nil {
			return fmt.Errorf("update step: %w", mapSQLError(err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fault.NotFound("step %s/%d/%d", step.RunID, step.StepIndex, step.Attempt)
		}
		if err := applyRunUpdate(ctx, tx, step.RunID, update); err != nil {
			return err
		}
		for _, ev := range events {
			if err := s.insertEvent(ctx, tx, step.RunID, ev.Type, ev.Message, ev.DataJSON); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetStep loads one step attempt.
func (s *Store) GetStep(ctx context.Context, runID string, stepIndex, attempt int) (Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id=? AND step_index=? AND attempt=?`,
		runID, stepIndex, attempt)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return Step{}, fault.NotFound("step %s/%d/%d", runID, stepIndex, attempt)
	}
	if err != nil {
		return Step{}, fmt.Errorf("read step: %w", err)
	}
	return step, nil
}

// ListSteps returns all step attempts for a run in execution order:
// step index, then attempt, then creation time.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id=?
		 ORDER BY step_index ASC, attempt ASC, created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

// RunningSteps returns step attempts still marked running, newest first.
// After a crash these are the candidates for reconciliation.
func (s *Store) RunningSteps(ctx context.Context, runID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id=? AND status=?
		 ORDER BY step_index DESC, attempt DESC`, runID, string(StepRunning))
	if err != nil {
		return nil, fmt.Errorf("list running steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

func scanStep(row interface{ Scan(...any) error }) (Step, error) {
	var (
		step                             Step
		class, status, createdAt         string
		input, output, commit            sql.NullString
		failCode, failMsg, started, done sql.NullString
	)
	err := row.Scan(&step.RunID, &step.StepIndex, &step.Attempt, &step.Tool,
		&class, &status, &input, &output, &commit, &failCode, &failMsg,
		&createdAt, &started, &done)
	if err != nil {
		return Step{}, err
	}
	step.Class = StepClass(class)
	step.Status = StepStatus(status)
	step.InputJSON = scanNullString(input)
	step.OutputJSON = scanNullString(output)
	step.CommitHash = scanNullString(commit)
	step.FailureCode = scanNullString(failCode)
	step.FailureMessage = scanNullString(failMsg)
	step.CreatedAt = parseTime(createdAt)
	step.StartedAt = scanNullTime(started)
	step.FinishedAt = scanNullTime(done)
	return step, nil
}
