package domain

import (
	"strings"
	"time"
)

// Account statuses.
const (
	StatusActive              = "active"
	StatusInactive            = "inactive"
	StatusSuspended           = "suspended"
	StatusLocked              = "locked"
	StatusPendingVerification = "pending_verification"
)

// User represents an authenticatable account. PasswordHash is empty for
// OAuth-only accounts; the account must always retain at least one usable
// credential (password or linked provider).
type User struct {
	ID                int64
	Email             string
	Username          string
	PasswordHash      string
	PasswordChangedAt *time.Time
	Name              string
	Role              string
	Status            string
	LockedUntil       *time.Time
	LockReason        string
	FailedLogins      int
	EmailVerified     bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasPassword reports whether password login is possible for this account.
func (u User) HasPassword() bool {
	return strings.TrimSpace(u.PasswordHash) != ""
}

// LockExpired reports whether an account lock has elapsed at the given instant.
func (u User) LockExpired(now time.Time) bool {
	return u.Status == StatusLocked && u.LockedUntil != nil && !now.Before(*u.LockedUntil)
}

// ProviderLink attaches an external identity provider to a user.
type ProviderLink struct {
	ID          int64
	UserID      int64
	Provider    string
	ProviderID  string
	Email       string
	Name        string
	AvatarURL   string
	IsPrimary   bool
	ConnectedAt time.Time
}
