package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/educator/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		filename TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		report_path TEXT,
		error TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_runs_user_started ON runs(user_id, started_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// CreateRun inserts a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	query := `
	INSERT INTO runs (run_id, user_id, session_id, topic, filename, mode, status, started_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.UserID, run.SessionID, run.Topic, run.Filename,
		run.Mode, string(run.Status), run.StartedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun records the terminal state of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status domain.RunStatus, reportPath, errMsg string, finishedAt time.Time) error {
	query := `
	UPDATE runs SET status = ?, report_path = ?, error = ?, finished_at = ?
	WHERE run_id = ? AND status = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(status), nullString(reportPath), nullString(errMsg), finishedAt.Unix(),
		runID, string(domain.RunRunning),
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	query := `
		SELECT run_id, user_id, session_id, topic, filename, mode, status,
		       report_path, error, started_at, finished_at
		FROM runs WHERE run_id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run row: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs for a user.
func (s *SQLiteStore) ListRuns(ctx context.Context, userID string, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT run_id, user_id, session_id, topic, filename, mode, status,
		       report_path, error, started_at, finished_at
		FROM runs WHERE user_id = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close run rows", "error", closeErr)
		}
	}()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// CleanupExpiredRuns removes finished runs older than ttl.
func (s *SQLiteStore) CleanupExpiredRuns(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `DELETE FROM runs WHERE status != ? AND started_at < ?`
	result, err := s.db.ExecContext(ctx, query, string(domain.RunRunning), threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired runs: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var status string
	var reportPath, errMsg sql.NullString
	var startedAt int64
	var finishedAt sql.NullInt64

	if err := row.Scan(
		&run.ID, &run.UserID, &run.SessionID, &run.Topic, &run.Filename,
		&run.Mode, &status, &reportPath, &errMsg, &startedAt, &finishedAt,
	); err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	run.ReportPath = reportPath.String
	run.Error = errMsg.String
	run.StartedAt = time.Unix(startedAt, 0)
	if finishedAt.Valid {
		ts := time.Unix(finishedAt.Int64, 0)
		run.FinishedAt = &ts
	}
	return &run, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
