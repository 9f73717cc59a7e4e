package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/consultly/auth-service/internal/domain"
)

var (
	_ TokenRepository = (*PostgresTokenRepo)(nil)
	_ KeyRepository   = (*PostgresKeyRepo)(nil)
)

// PostgresTokenRepo implements TokenRepository.
type PostgresTokenRepo struct {
	db *pgxpool.Pool
}

var _ TokenRepository = (*PostgresTokenRepo)(nil)

func NewPostgresTokenRepo(pool *pgxpool.Pool) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: pool}
}

func (r *PostgresTokenRepo) Create(ctx context.Context, token domain.RefreshToken) (domain.RefreshToken, error) {
	if _, err := r.db.Exec(ctx,
		`INSERT INTO refresh_tokens (id, user_id, session_id, token, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		token.ID, token.UserID, token.SessionID, token.Token, token.ExpiresAt, token.CreatedAt,
	); err != nil {
		return domain.RefreshToken{}, fmt.Errorf("create refresh token: %w", err)
	}
	return token, nil
}

func (r *PostgresTokenRepo) GetByToken(ctx context.Context, token string) (domain.RefreshToken, error) {
	var t domain.RefreshToken
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, session_id, token, expires_at, revoked, created_at FROM refresh_tokens WHERE token = $1`,
		token).Scan(&t.ID, &t.UserID, &t.SessionID, &t.Token, &t.ExpiresAt, &t.Revoked, &t.CreatedAt)
	if err != nil {
		return domain.RefreshToken{}, mapStoreErr(err, "get refresh token")
	}
	return t, nil
}

// Rotate swaps the token value only if the stored value still matches the old
// one; a concurrent rotation or replay of a rotated token loses the race and
// gets ErrTokenRotated.
func (r *PostgresTokenRepo) Rotate(ctx context.Context, tokenID int64, oldToken, newToken string, expiresAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE refresh_tokens SET token = $3, expires_at = $4 WHERE id = $1 AND token = $2 AND NOT revoked`,
		tokenID, oldToken, newToken, expiresAt)
	if err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTokenRotated
	}
	return nil
}

func (r *PostgresTokenRepo) Revoke(ctx context.Context, tokenID int64) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = true WHERE id = $1`, tokenID); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepo) RevokeBySession(ctx context.Context, sessionID string) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = true WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("revoke session tokens: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepo) RevokeAllForUser(ctx context.Context, userID int64) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = true WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	return nil
}

// PostgresKeyRepo implements KeyRepository.
type PostgresKeyRepo struct {
	db *pgxpool.Pool
}

var _ KeyRepository = (*PostgresKeyRepo)(nil)

func NewPostgresKeyRepo(pool *pgxpool.Pool) *PostgresKeyRepo {
	return &PostgresKeyRepo{db: pool}
}

func (r *PostgresKeyRepo) GetActiveKey(ctx context.Context) (domain.SigningKey, error) {
	var key domain.SigningKey
	err := r.db.QueryRow(ctx,
		`SELECT id, kid, secret, algorithm, is_active, created_at, rotated_at FROM signing_keys
WHERE is_active ORDER BY created_at DESC LIMIT 1`).
		Scan(&key.ID, &key.KID, &key.Secret, &key.Algorithm, &key.IsActive, &key.CreatedAt, &key.RotatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.SigningKey{}, fmt.Errorf("active signing key: %w", domain.ErrNotFound)
		}
		return domain.SigningKey{}, fmt.Errorf("active signing key: %w", err)
	}
	return key, nil
}

func (r *PostgresKeyRepo) CreateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	err := r.db.QueryRow(ctx,
		`INSERT INTO signing_keys (id, kid, secret, algorithm, is_active) VALUES ($1, $2, $3, $4, $5)
RETURNING created_at`,
		key.ID, key.KID, key.Secret, key.Algorithm, key.IsActive).Scan(&key.CreatedAt)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("create signing key: %w", err)
	}
	return key, nil
}
