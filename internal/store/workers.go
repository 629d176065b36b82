package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertWorker registers the node or refreshes its heartbeat and profile.
func (s *Store) UpsertWorker(ctx context.Context, node WorkerNode) error {
	ts := formatTime(now())
	_, err := s.db.ExecContext(ctx, `INSERT INTO workers(id, role, capabilities_json, status, last_heartbeat_at, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET role=excluded.role,
			capabilities_json=excluded.capabilities_json, status=excluded.status,
			last_heartbeat_at=excluded.last_heartbeat_at, updated_at=excluded.updated_at`,
		node.ID, node.Role, encodeStrings(node.Capabilities), WorkerOnline, ts, ts, ts)
	if err != nil {
		return fmt.Errorf("upsert worker: %w", mapSQLError(err))
	}
	return nil
}

// TouchWorker refreshes the node heartbeat timestamp.
func (s *Store) TouchWorker(ctx context.Context, nodeID string) error {
	ts := formatTime(now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat_at=?, status=?, updated_at=? WHERE id=?`,
		ts, WorkerOnline, ts, nodeID)
	if err != nil {
		return fmt.Errorf("touch worker: %w", mapSQLError(err))
	}
	return nil
}

// MarkStaleWorkersOffline flips workers silent since the cutoff to offline
// and returns how many were flipped.
func (s *Store) MarkStaleWorkersOffline(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET status=?, updated_at=? WHERE status=? AND last_heartbeat_at < ?`,
		WorkerOffline, formatTime(now()), WorkerOnline, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("mark workers offline: %w", mapSQLError(err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListWorkers returns all registered workers.
func (s *Store) ListWorkers(ctx context.Context) ([]WorkerNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, capabilities_json, status, last_heartbeat_at, created_at, updated_at
		 FROM workers ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []WorkerNode
	for rows.Next() {
		var (
			node                            WorkerNode
			caps, beat, createdAt, updatedAt string
		)
		if err := rows.Scan(&node.ID, &node.Role, &caps, &node.Status, &beat, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		node.Capabilities = decodeStrings(caps)
		node.LastHeartbeatAt = parseTime(beat)
		node.CreatedAt = parseTime(createdAt)
		node.UpdatedAt = parseTime(updatedAt)
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return nodes, nil
}
