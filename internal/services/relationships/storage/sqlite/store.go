// Package sqlite provides a SQLite-backed follow graph implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/resonatefm/resonate/internal/platform/storage/sqlitemigrate"
	"github.com/resonatefm/resonate/internal/platform/telemetry"
	"github.com/resonatefm/resonate/internal/services/relationships/follow"
	"github.com/resonatefm/resonate/internal/services/relationships/storage"
	"github.com/resonatefm/resonate/internal/services/relationships/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store persists the follow graph in SQLite.
//
// The (follower_id, followed_id) primary key carries the at-most-one-edge
// invariant: concurrent duplicate inserts serialize on SQLite's single
// writer and resolve to one success plus unique-constraint conflicts.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// Open opens a SQLite follow store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateFollow inserts one directed edge.
func (s *Store) CreateFollow(ctx context.Context, edge follow.Edge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	followerID := strings.TrimSpace(edge.FollowerID)
	followedID := strings.TrimSpace(edge.FollowedID)
	if followerID == "" {
		return fmt.Errorf("follower id is required")
	}
	if followedID == "" {
		return fmt.Errorf("followed id is required")
	}
	if followerID == followedID {
		return follow.ErrSelfFollow
	}

	createdAt := edge.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO follows (follower_id, followed_id, created_at)
		 VALUES (?, ?, ?)`,
		followerID,
		followedID,
		toMillis(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyFollowing
		}
		return fmt.Errorf("create follow: %w", err)
	}
	return nil
}

// DeleteFollow removes one directed edge.
func (s *Store) DeleteFollow(ctx context.Context, followerID string, followedID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	followerID = strings.TrimSpace(followerID)
	followedID = strings.TrimSpace(followedID)
	if followerID == "" {
		return fmt.Errorf("follower id is required")
	}
	if followedID == "" {
		return fmt.Errorf("followed id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM follows
		 WHERE follower_id = ? AND followed_id = ?`,
		followerID,
		followedID,
	)
	if err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFollowing
	}
	return nil
}

// IsFollowing reports whether the directed edge exists.
func (s *Store) IsFollowing(ctx context.Context, followerID string, followedID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}

	var found int
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT 1 FROM follows WHERE follower_id = ? AND followed_id = ?`,
		strings.TrimSpace(followerID),
		strings.TrimSpace(followedID),
	)
	if err := row.Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("is following: %w", err)
	}
	return true, nil
}

// Followers returns the ids following userID.
func (s *Store) Followers(ctx context.Context, userID string) ([]string, error) {
	return s.listEdgeEndpoints(
		ctx,
		`SELECT follower_id FROM follows WHERE followed_id = ?`,
		userID,
	)
}

// Following returns the ids userID follows.
func (s *Store) Following(ctx context.Context, userID string) ([]string, error) {
	return s.listEdgeEndpoints(
		ctx,
		`SELECT followed_id FROM follows WHERE follower_id = ?`,
		userID,
	)
}

func (s *Store) listEdgeEndpoints(ctx context.Context, query string, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list edges: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	return ids, nil
}

// Stats counts both directions inside one read transaction so a concurrent
// follow or unfollow cannot land between the two counts.
func (s *Store) Stats(ctx context.Context, userID string) (storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return storage.Stats{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Stats{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.Stats{}, fmt.Errorf("user id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return storage.Stats{}, fmt.Errorf("begin stats read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stats storage.Stats
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM follows WHERE followed_id = ?`, userID)
	if err := row.Scan(&stats.FollowerCount); err != nil {
		return storage.Stats{}, fmt.Errorf("count followers: %w", err)
	}
	row = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM follows WHERE follower_id = ?`, userID)
	if err := row.Scan(&stats.FollowingCount); err != nil {
		return storage.Stats{}, fmt.Errorf("count following: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.Stats{}, fmt.Errorf("commit stats read: %w", err)
	}
	return stats, nil
}

// AppendTelemetryEvent journals one operational observation.
func (s *Store) AppendTelemetryEvent(ctx context.Context, evt telemetry.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO telemetry_events (ts, severity, name, subject, reason)
		 VALUES (?, ?, ?, ?, ?)`,
		toMillis(evt.Timestamp),
		string(evt.Severity),
		evt.Name,
		evt.Subject,
		evt.Reason,
	)
	if err != nil {
		return fmt.Errorf("append telemetry event: %w", err)
	}
	return nil
}

var _ storage.FollowStore = (*Store)(nil)
var _ telemetry.Store = (*Store)(nil)
