package domain

import "time"

// RefreshToken persists a single-use refresh token bound to a session.
// Rotation replaces the token value atomically; the old value can never be
// replayed afterwards.
type RefreshToken struct {
	ID        int64
	UserID    int64
	SessionID string
	Token     string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// SigningKey stores the JWT signing key material.
type SigningKey struct {
	ID        int64
	KID       string
	Secret    []byte
	Algorithm string
	IsActive  bool
	CreatedAt time.Time
	RotatedAt *time.Time
}
