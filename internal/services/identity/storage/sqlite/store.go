// Package sqlite provides a SQLite-backed identity storage implementation.
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
	"github.com/resonatefm/resonate/internal/services/identity/storage"
	"github.com/resonatefm/resonate/internal/services/identity/storage/sqlite/migrations"
	"github.com/resonatefm/resonate/internal/services/identity/user"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store persists identity state in SQLite.
//
// A single SQLite file backs users, credentials, and role grants so every
// identity subflow shares the same transaction and visibility boundaries.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite identity store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
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

// isUniqueViolation detects SQLite uniqueness conflicts, which carry the
// insert-or-report-conflict semantics of this store.
func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// PutUser inserts an identity record. Usernames are unique with
// case-sensitive comparison; a duplicate reports storage.ErrUsernameTaken.
func (s *Store) PutUser(ctx context.Context, u user.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID := strings.TrimSpace(u.ID)
	username := strings.TrimSpace(u.Username)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if username == "" {
		return fmt.Errorf("username is required")
	}

	isPrivate := 0
	if u.IsPrivate {
		isPrivate = 1
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO users (id, username, email, is_private, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID,
		username,
		strings.TrimSpace(u.Email),
		isPrivate,
		toMillis(u.CreatedAt),
		toMillis(u.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			if isEmailConstraint(err) {
				return storage.ErrEmailTaken
			}
			return storage.ErrUsernameTaken
		}
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// isEmailConstraint tells the email uniqueness violation apart from the
// username one. SQLite names the failed constraint as table.column.
func isEmailConstraint(err error) bool {
	return strings.Contains(err.Error(), "users.email")
}

// GetUser returns one identity record by id.
func (s *Store) GetUser(ctx context.Context, userID string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return user.User{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return user.User{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, username, email, is_private, created_at, updated_at
		 FROM users
		 WHERE id = ?`,
		userID,
	)
	return scanUser(row)
}

// GetUserByUsername returns one identity record by exact username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return user.User{}, fmt.Errorf("storage is not configured")
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return user.User{}, fmt.Errorf("username is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, username, email, is_private, created_at, updated_at
		 FROM users
		 WHERE username = ?`,
		username,
	)
	return scanUser(row)
}

// UpdateUser rewrites the mutable profile fields of an existing record.
func (s *Store) UpdateUser(ctx context.Context, u user.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID := strings.TrimSpace(u.ID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	isPrivate := 0
	if u.IsPrivate {
		isPrivate = 1
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE users SET email = ?, is_private = ?, updated_at = ? WHERE id = ?`,
		strings.TrimSpace(u.Email),
		isPrivate,
		toMillis(u.UpdatedAt),
		userID,
	)
	if err != nil {
		if isUniqueViolation(err) && isEmailConstraint(err) {
			return storage.ErrEmailTaken
		}
		return fmt.Errorf("update user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SearchUsersByUsername returns up to limit records whose username contains
// fragment. instr keeps the match case-sensitive, unlike LIKE.
func (s *Store) SearchUsersByUsername(ctx context.Context, fragment string, limit int) ([]user.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return nil, fmt.Errorf("search fragment is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("search limit must be positive")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, username, email, is_private, created_at, updated_at
		 FROM users
		 WHERE instr(username, ?) > 0
		 ORDER BY username ASC
		 LIMIT ?`,
		fragment,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	var users []user.User
	for rows.Next() {
		var u user.User
		var isPrivate int
		var createdAt int64
		var updatedAt int64
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &isPrivate, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("search users: %w", err)
		}
		u.IsPrivate = isPrivate != 0
		u.CreatedAt = fromMillis(createdAt)
		u.UpdatedAt = fromMillis(updatedAt)
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return users, nil
}

func scanUser(row *sql.Row) (user.User, error) {
	var u user.User
	var isPrivate int
	var createdAt int64
	var updatedAt int64
	err := row.Scan(&u.ID, &u.Username, &u.Email, &isPrivate, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.User{}, storage.ErrNotFound
		}
		return user.User{}, fmt.Errorf("get user: %w", err)
	}
	u.IsPrivate = isPrivate != 0
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}

// PutPasswordHash upserts the opaque password hash for a user.
func (s *Store) PutPasswordHash(ctx context.Context, userID string, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if hash == "" {
		return fmt.Errorf("password hash is required")
	}

	now := toMillis(time.Now())
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO user_credentials (user_id, password_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   password_hash = excluded.password_hash,
		   updated_at = excluded.updated_at`,
		userID,
		hash,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("put password hash: %w", err)
	}
	return nil
}

// GetPasswordHash returns the stored password hash for a user.
func (s *Store) GetPasswordHash(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.sqlDB == nil {
		return "", fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}

	var hash string
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT password_hash FROM user_credentials WHERE user_id = ?`,
		userID,
	)
	if err := row.Scan(&hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("get password hash: %w", err)
	}
	return hash, nil
}

// AssignRole inserts one role grant. A duplicate grant reports
// storage.ErrRoleAlreadyAssigned and leaves state unchanged.
func (s *Store) AssignRole(ctx context.Context, userID string, role string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	role = strings.TrimSpace(role)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if role == "" {
		return fmt.Errorf("role is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO user_roles (user_id, role, created_at) VALUES (?, ?, ?)`,
		userID,
		role,
		toMillis(at),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrRoleAlreadyAssigned
		}
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

// ListRoles returns all role grants for a user.
func (s *Store) ListRoles(ctx context.Context, userID string) ([]string, error) {
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

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT role FROM user_roles WHERE user_id = ? ORDER BY created_at ASC, role ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("list roles: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	return roles, nil
}

// HasRole reports whether a role grant exists.
func (s *Store) HasRole(ctx context.Context, userID string, role string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}

	var found int
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT 1 FROM user_roles WHERE user_id = ? AND role = ?`,
		strings.TrimSpace(userID),
		strings.TrimSpace(role),
	)
	if err := row.Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("has role: %w", err)
	}
	return true, nil
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

var _ storage.UserStore = (*Store)(nil)
var _ storage.CredentialStore = (*Store)(nil)
var _ storage.RoleStore = (*Store)(nil)
var _ telemetry.Store = (*Store)(nil)
