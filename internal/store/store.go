// Package store provides persistence for the deeprun kernel: projects,
// runs, steps, jobs, workers, users, sessions and rate buckets, all in one
// SQLite database. Every multi-row state change happens inside a single
// transaction so an interrupted process never leaves half-applied state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/metalagman/deeprun/internal/fault"
)

// Store provides kernel persistence over a single SQLite handle.
type Store struct {
	db *sql.DB
}

// New creates a store over an opened database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin %s: %w", op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", op, mapSQLError(err))
	}
	return nil
}

// mapSQLError classifies storage-level failures. Busy/locked conditions are
// transient; everything else passes through.
func mapSQLError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fault.StoreConflict("sqlite busy").Wrap(err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLITE_CONSTRAINT")
}

// timeLayout pads fractional seconds to a fixed width so stored timestamps
// order lexicographically, which SQL comparisons rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func now() time.Time {
	return time.Now().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// FormatTime renders a timestamp in the store's lexicographic layout.
// Callers filling RunUpdate timestamp fields use it.
func FormatTime(t time.Time) string {
	return formatTime(t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func scanNullString(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}

func scanNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	return values
}
