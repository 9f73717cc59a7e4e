package repository

import (
	"context"
	"time"

	"github.com/consultly/auth-service/internal/domain"
)

// UserRepository exposes persistence for user accounts. Counter updates are
// atomic single-row operations so concurrent logins cannot lose updates.
type UserRepository interface {
	GetByEmail(ctx context.Context, email string) (domain.User, error)
	GetByID(ctx context.Context, userID int64) (domain.User, error)
	Create(ctx context.Context, user domain.User) (domain.User, error)
	UpdatePassword(ctx context.Context, userID int64, passwordHash string, changedAt time.Time) error
	UpdateStatus(ctx context.Context, userID int64, status string, lockedUntil *time.Time, lockReason string) error
	IncrementFailedLogins(ctx context.Context, userID int64) (int, error)
	ResetFailedLogins(ctx context.Context, userID int64) error
}

// ProviderRepository persists OAuth provider links.
type ProviderRepository interface {
	ListByUser(ctx context.Context, userID int64) ([]domain.ProviderLink, error)
	GetByIdentity(ctx context.Context, provider, providerID string) (domain.ProviderLink, error)
	Create(ctx context.Context, link domain.ProviderLink) (domain.ProviderLink, error)
	Delete(ctx context.Context, userID int64, provider string) error
}

// MFARepository persists MFA configuration, backup codes, and the bounded
// verification history.
type MFARepository interface {
	Get(ctx context.Context, userID int64) (domain.MFAConfig, error)
	Upsert(ctx context.Context, cfg domain.MFAConfig) error
	IncrementFailures(ctx context.Context, userID int64) (int, error)
	ResetFailures(ctx context.Context, userID int64) error
	SetLock(ctx context.Context, userID int64, lockedUntil *time.Time, reason string) error
	RecordVerification(ctx context.Context, rec domain.VerificationRecord) error
	ListVerifications(ctx context.Context, userID int64, limit int) ([]domain.VerificationRecord, error)
	ReplaceBackupCodes(ctx context.Context, userID int64, codeHashes []string) error
	RedeemBackupCode(ctx context.Context, userID int64, codeHash string, usedAt time.Time) error
	CountUnusedBackupCodes(ctx context.Context, userID int64) (int, error)
	IncrementSendCount(ctx context.Context, userID int64, method string, resetAt time.Time) (int, error)
}

// SessionRepository persists device sessions.
type SessionRepository interface {
	Create(ctx context.Context, session domain.Session) (domain.Session, error)
	Get(ctx context.Context, sessionID string) (domain.Session, error)
	ListActive(ctx context.Context, userID int64, now time.Time) ([]domain.Session, error)
	Touch(ctx context.Context, sessionID string, at time.Time) error
	Revoke(ctx context.Context, sessionID string, at time.Time) error
	RevokeAll(ctx context.Context, userID int64, at time.Time) error
	RevokeOthers(ctx context.Context, userID int64, exceptSessionID string, at time.Time) error
}

// TrustedDeviceRepository persists MFA-exempt device fingerprints.
type TrustedDeviceRepository interface {
	Create(ctx context.Context, device domain.TrustedDevice) (domain.TrustedDevice, error)
	GetByFingerprint(ctx context.Context, userID int64, fingerprint string) (domain.TrustedDevice, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.TrustedDevice, error)
	Delete(ctx context.Context, userID int64, deviceID string) error
}

// TokenRepository handles refresh token persistence. Rotate is guarded on the
// previous token value so a rotated token can never be replayed.
type TokenRepository interface {
	Create(ctx context.Context, token domain.RefreshToken) (domain.RefreshToken, error)
	GetByToken(ctx context.Context, token string) (domain.RefreshToken, error)
	Rotate(ctx context.Context, tokenID int64, oldToken, newToken string, expiresAt time.Time) error
	Revoke(ctx context.Context, tokenID int64) error
	RevokeBySession(ctx context.Context, sessionID string) error
	RevokeAllForUser(ctx context.Context, userID int64) error
}

// KeyRepository stores JWT signing keys.
type KeyRepository interface {
	GetActiveKey(ctx context.Context) (domain.SigningKey, error)
	CreateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error)
}
