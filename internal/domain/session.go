package domain

import "time"

// DeviceInfo identifies the client device attached to a session.
type DeviceInfo struct {
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
	Platform    string `json:"platform"`
	UserAgent   string `json:"user_agent"`
}

// Session is one authenticated device session for a user.
type Session struct {
	ID             string
	UserID         int64
	Device         DeviceInfo
	IP             string
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
	RevokedAt      *time.Time
}

// Active reports whether the session is usable at now, accounting for
// revocation, absolute expiry, and the idle window (lazy expiry).
func (s Session) Active(now time.Time, idleTimeout time.Duration) bool {
	if s.RevokedAt != nil {
		return false
	}
	if !now.Before(s.ExpiresAt) {
		return false
	}
	if idleTimeout > 0 && now.Sub(s.LastActivityAt) > idleTimeout {
		return false
	}
	return true
}

// TrustedDevice marks a device fingerprint as exempt from MFA challenges
// for a bounded trust period.
type TrustedDevice struct {
	ID          string
	UserID      int64
	Fingerprint string
	Name        string
	TrustedAt   time.Time
	ExpiresAt   time.Time
}
