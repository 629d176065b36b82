package store

import (
	"context"
	"fmt"
	"time"
)

// RetentionPolicy controls run cleanup.
type RetentionPolicy struct {
	KeepLast int
	KeepDays int
}

// PrunedRun identifies a deleted run so the caller can drop its workspace
// branch and worktree.
type PrunedRun struct {
	RunID     string
	ProjectID string
	Branch    string
}

// PruneResult summarizes a prune operation.
type PruneResult struct {
	Considered int
	Kept       int
	Deleted    int
	Pruned     []PrunedRun
}

// PruneRuns deletes old terminal runs past the retention policy. Active
// runs are always kept. Steps, events and jobs cascade with the run row.
func (s *Store) PruneRuns(ctx context.Context, projectID string, policy RetentionPolicy, dryRun bool) (PruneResult, error) {
	if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
		return PruneResult{}, nil
	}
	cutoff := time.Time{}
	if policy.KeepDays > 0 {
		cutoff = now().Add(-time.Duration(policy.KeepDays) * 24 * time.Hour)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, status, branch, created_at FROM runs
		 WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return PruneResult{}, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type runRow struct {
		id        string
		projectID string
		status    RunStatus
		branch    string
		createdAt time.Time
	}
	var runs []runRow
	for rows.Next() {
		var (
			r                 runRow
			status, createdAt string
		)
		if err := rows.Scan(&r.id, &r.projectID, &status, &r.branch, &createdAt); err != nil {
			return PruneResult{}, fmt.Errorf("scan run: %w", err)
		}
		r.status = RunStatus(status)
		r.createdAt = parseTime(createdAt)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return PruneResult{}, fmt.Errorf("iterate runs: %w", err)
	}

	res := PruneResult{Considered: len(runs)}
	for idx, row := range runs {
		keep := row.status.Active()
		if !keep && policy.KeepLast > 0 && idx < policy.KeepLast {
			keep = true
		}
		if !keep && policy.KeepDays > 0 && row.createdAt.After(cutoff) {
			keep = true
		}
		if keep {
			res.Kept++
			continue
		}
		pruned := PrunedRun{RunID: row.id, ProjectID: row.projectID, Branch: row.branch}
		if !dryRun {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, row.id); err != nil {
				return res, fmt.Errorf("delete run %s: %w", row.id, mapSQLError(err))
			}
		}
		res.Deleted++
		res.Pruned = append(res.Pruned, pruned)
	}
	return res, nil
}
