package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/metalagman/deeprun/internal/fault"
)

// CreateUser inserts an identity row. The kernel stores these for external
// collaborators; it never authenticates.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, email, name, created_at) VALUES(?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, formatTime(now()))
	if err != nil {
		if isUniqueViolation(err) {
			return fault.AlreadyExists("user %q already exists", u.Email).Wrap(err)
		}
		return fmt.Errorf("insert user: %w", mapSQLError(err))
	}
	return nil
}

// GetUser loads one user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at FROM users WHERE id=?`, userID)
	var (
		u         User
		createdAt string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &createdAt)
	if err == sql.ErrNoRows {
		return User{}, fault.NotFound("user %q", userID)
	}
	if err != nil {
		return User{}, fmt.Errorf("read user: %w", err)
	}
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}

// CreateSession inserts a bearer-token row.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(token, user_id, expires_at, created_at) VALUES(?, ?, ?, ?)`,
		sess.Token, sess.UserID, formatTime(sess.ExpiresAt), formatTime(now()))
	if err != nil {
		if isUniqueViolation(err) {
			return fault.AlreadyExists("session token already exists").Wrap(err)
		}
		return fmt.Errorf("insert session: %w", mapSQLError(err))
	}
	return nil
}

// GetSession loads a live session; expired rows read as NotFound.
func (s *Store) GetSession(ctx context.Context, token string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, user_id, expires_at, created_at FROM sessions WHERE token=?`, token)
	var (
		sess                  Session
		expiresAt, createdAt  string
	)
	err := row.Scan(&sess.Token, &sess.UserID, &expiresAt, &createdAt)
	if err == sql.ErrNoRows {
		return Session{}, fault.NotFound("session")
	}
	if err != nil {
		return Session{}, fmt.Errorf("read session: %w", err)
	}
	sess.ExpiresAt = parseTime(expiresAt)
	sess.CreatedAt = parseTime(createdAt)
	if sess.ExpiresAt.Before(now()) {
		return Session{}, fault.NotFound("session expired")
	}
	return sess, nil
}

// DeleteExpiredSessions removes sessions past their expiry.
func (s *Store) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", mapSQLError(err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
