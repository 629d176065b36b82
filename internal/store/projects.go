package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/metalagman/deeprun/internal/fault"
)

// historyBound caps the per-project activity log. Older entries are
// dropped in the same transaction that appends a new one.
const historyBound = 80

// CreateProject inserts the project row.
func (s *Store) CreateProject(ctx context.Context, p Project) error {
	ts := formatTime(now())
	_, err := s.db.ExecContext(ctx, `INSERT INTO projects(id, owner_id, name, template_id, main_branch, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		p.ID, nullableString(p.OwnerID), p.Name, p.TemplateID, p.MainBranch, ts, ts)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.AlreadyExists("project %q already exists", p.ID).Wrap(err)
		}
		return fmt.Errorf("insert project: %w", mapSQLError(err))
	}
	return nil
}

// GetProject loads one project.
func (s *Store) GetProject(ctx context.Context, projectID string) (Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, template_id, main_branch, created_at, updated_at
		 FROM projects WHERE id=?`, projectID)
	var (
		p                    Project
		owner                sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &owner, &p.Name, &p.TemplateID, &p.MainBranch, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Project{}, fault.NotFound("project %q", projectID)
	}
	if err != nil {
		return Project{}, fmt.Errorf("read project: %w", err)
	}
	p.OwnerID = scanNullString(owner)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

// ListProjects returns all projects, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, template_id, main_branch, created_at, updated_at
		 FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []Project
	for rows.Next() {
		var (
			p                    Project
			owner                sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&p.ID, &owner, &p.Name, &p.TemplateID, &p.MainBranch, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.OwnerID = scanNullString(owner)
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return projects, nil
}

// AppendHistory adds one bounded activity-log entry and trims the log past
// the bound, both in one transaction.
func (s *Store) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	ts := formatTime(now())
	return s.withTx(ctx, "append history", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO project_history(project_id, kind, summary, run_id, payload_json, created_at)
			 VALUES(?, ?, ?, ?, ?, ?)`,
			entry.ProjectID, entry.Kind, entry.Summary,
			nullableString(entry.RunID), nullableString(entry.PayloadJSON), ts); err != nil {
			return fmt.Errorf("insert history: %w", mapSQLError(err))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM project_history
			WHERE project_id=? AND id NOT IN (
				SELECT id FROM project_history WHERE project_id=? ORDER BY id DESC LIMIT ?)`,
			entry.ProjectID, entry.ProjectID, historyBound); err != nil {
			return fmt.Errorf("trim history: %w", mapSQLError(err))
		}
		if _, err := tx.ExecContext(ctx, `UPDATE projects SET updated_at=? WHERE id=?`,
			ts, entry.ProjectID); err != nil {
			return fmt.Errorf("touch project: %w", mapSQLError(err))
		}
		return nil
	})
}

// ListHistory returns the activity log, most recent first.
func (s *Store) ListHistory(ctx context.Context, projectID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > historyBound {
		limit = historyBound
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, kind, summary, run_id, payload_json, created_at
		 FROM project_history WHERE project_id=? ORDER BY id DESC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			e              HistoryEntry
			runID, payload sql.NullString
			createdAt      string
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Kind, &e.Summary, &runID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.RunID = scanNullString(runID)
		e.PayloadJSON = scanNullString(payload)
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}
