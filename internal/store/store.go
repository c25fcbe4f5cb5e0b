// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/educator/internal/domain"
)

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("run not found")

// Repository defines the interface for persisting users and generation runs.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// CreateRun inserts a new run in the running state.
	CreateRun(ctx context.Context, run *domain.Run) error

	// FinishRun moves a running run to a terminal state.
	FinishRun(ctx context.Context, runID string, status domain.RunStatus, reportPath, errMsg string, finishedAt time.Time) error

	// GetRun retrieves a run by ID, or ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (*domain.Run, error)

	// ListRuns returns the most recent runs for a user, newest first.
	ListRuns(ctx context.Context, userID string, limit int) ([]*domain.Run, error)

	// CleanupExpiredRuns removes finished runs older than ttl.
	CleanupExpiredRuns(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
