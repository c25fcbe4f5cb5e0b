// Package domain contains core domain types for the Educator application.
package domain

import (
	"time"
)

// User is an anonymous visitor identified by a device cookie.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IdleFor returns how long the user has been inactive.
func (u *User) IdleFor(now time.Time) time.Duration {
	if u.LastSeenAt.IsZero() || now.Before(u.LastSeenAt) {
		return 0
	}
	return now.Sub(u.LastSeenAt)
}
