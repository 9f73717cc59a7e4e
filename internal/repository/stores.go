package repository

import (
	"context"
	"time"

	"github.com/consultly/auth-service/internal/domain"
)

// ChallengeStore persists short-lived MFA challenges issued mid-login.
type ChallengeStore interface {
	SaveChallenge(ctx context.Context, challenge domain.MFAChallenge, ttl time.Duration) error
	GetChallenge(ctx context.Context, challengeID string) (*domain.MFAChallenge, error)
	DeleteChallenge(ctx context.Context, challengeID string) error
}

// SetupStore persists pending MFA enrollment material until verification.
type SetupStore interface {
	SaveSetup(ctx context.Context, setup domain.PendingSetup, ttl time.Duration) error
	GetSetup(ctx context.Context, userID int64, method string) (*domain.PendingSetup, error)
	DeleteSetup(ctx context.Context, userID int64, method string) error
}

// CodeStore persists one-time SMS/email login codes, consumed on first use.
type CodeStore interface {
	SaveCode(ctx context.Context, userID int64, method, codeHash string, ttl time.Duration) error
	ConsumeCode(ctx context.Context, userID int64, method string) (string, error)
}

// AttemptLimiter counts authentication attempts per key over a window.
type AttemptLimiter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int, error)
	Reset(ctx context.Context, key string) error
}

// OAuthStateStore persists short-lived authorization state/nonce structures.
type OAuthStateStore interface {
	SaveState(ctx context.Context, key string, data domain.OAuthState, ttl time.Duration) error
	GetState(ctx context.Context, key string) (*domain.OAuthState, error)
	DeleteState(ctx context.Context, key string) error
}
