package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/consultly/auth-service/internal/domain"
)

// Compile-time interface assertions.
var (
	_ UserRepository     = (*PostgresUserRepo)(nil)
	_ ProviderRepository = (*PostgresProviderRepo)(nil)
)

// uniqueViolation is the Postgres error code for unique constraint violations.
const uniqueViolation = "23505"

func mapStoreErr(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, domain.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// PostgresUserRepo implements UserRepository.
type PostgresUserRepo struct {
	db *pgxpool.Pool
}

func NewPostgresUserRepo(pool *pgxpool.Pool) *PostgresUserRepo {
	return &PostgresUserRepo{db: pool}
}

const selectUserSQL = `SELECT id, email, username, password_hash, password_changed_at, name, role, status,
locked_until, lock_reason, failed_logins, email_verified, created_at, updated_at FROM users`

const insertUserSQL = `INSERT INTO users (id, email, username, password_hash, name, role, status, email_verified)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING created_at, updated_at`

func (r *PostgresUserRepo) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	row := r.db.QueryRow(ctx, selectUserSQL+` WHERE lower(email) = lower($1)`, email)
	user, err := scanUser(row)
	if err != nil {
		return domain.User{}, mapStoreErr(err, "get user by email")
	}
	return user, nil
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, userID int64) (domain.User, error) {
	row := r.db.QueryRow(ctx, selectUserSQL+` WHERE id = $1`, userID)
	user, err := scanUser(row)
	if err != nil {
		return domain.User{}, mapStoreErr(err, "get user by id")
	}
	return user, nil
}

func (r *PostgresUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	err := r.db.QueryRow(ctx, insertUserSQL,
		user.ID,
		user.Email,
		user.Username,
		user.PasswordHash,
		user.Name,
		user.Role,
		user.Status,
		user.EmailVerified,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return domain.User{}, mapStoreErr(err, "create user")
	}
	return user, nil
}

func (r *PostgresUserRepo) UpdatePassword(ctx context.Context, userID int64, passwordHash string, changedAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET password_hash = $2, password_changed_at = $3, updated_at = now() WHERE id = $1`,
		userID, passwordHash, changedAt)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update password: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *PostgresUserRepo) UpdateStatus(ctx context.Context, userID int64, status string, lockedUntil *time.Time, lockReason string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET status = $2, locked_until = $3, lock_reason = $4, updated_at = now() WHERE id = $1`,
		userID, status, lockedUntil, lockReason)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update status: %w", domain.ErrNotFound)
	}
	return nil
}

// IncrementFailedLogins bumps the counter in a single statement and returns
// the new value so the caller can apply the lockout threshold race-free.
func (r *PostgresUserRepo) IncrementFailedLogins(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`UPDATE users SET failed_logins = failed_logins + 1, updated_at = now() WHERE id = $1 RETURNING failed_logins`,
		userID).Scan(&count)
	if err != nil {
		return 0, mapStoreErr(err, "increment failed logins")
	}
	return count, nil
}

func (r *PostgresUserRepo) ResetFailedLogins(ctx context.Context, userID int64) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE users SET failed_logins = 0, updated_at = now() WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("reset failed logins: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.Username,
		&u.PasswordHash,
		&u.PasswordChangedAt,
		&u.Name,
		&u.Role,
		&u.Status,
		&u.LockedUntil,
		&u.LockReason,
		&u.FailedLogins,
		&u.EmailVerified,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	return u, err
}

// PostgresProviderRepo implements ProviderRepository.
type PostgresProviderRepo struct {
	db *pgxpool.Pool
}

func NewPostgresProviderRepo(pool *pgxpool.Pool) *PostgresProviderRepo {
	return &PostgresProviderRepo{db: pool}
}

const selectProviderSQL = `SELECT id, user_id, provider, provider_id, email, name, avatar_url, is_primary, connected_at
FROM auth_providers`

func (r *PostgresProviderRepo) ListByUser(ctx context.Context, userID int64) ([]domain.ProviderLink, error) {
	rows, err := r.db.Query(ctx, selectProviderSQL+` WHERE user_id = $1 ORDER BY connected_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list provider links: %w", err)
	}
	defer rows.Close()

	var links []domain.ProviderLink
	for rows.Next() {
		link, err := scanProviderLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider link: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (r *PostgresProviderRepo) GetByIdentity(ctx context.Context, provider, providerID string) (domain.ProviderLink, error) {
	row := r.db.QueryRow(ctx, selectProviderSQL+` WHERE provider = $1 AND provider_id = $2`, provider, providerID)
	link, err := scanProviderLink(row)
	if err != nil {
		return domain.ProviderLink{}, mapStoreErr(err, "get provider link")
	}
	return link, nil
}

func (r *PostgresProviderRepo) Create(ctx context.Context, link domain.ProviderLink) (domain.ProviderLink, error) {
	err := r.db.QueryRow(ctx,
		`INSERT INTO auth_providers (id, user_id, provider, provider_id, email, name, avatar_url, is_primary)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING connected_at`,
		link.ID, link.UserID, link.Provider, link.ProviderID, link.Email, link.Name, link.AvatarURL, link.IsPrimary,
	).Scan(&link.ConnectedAt)
	if err != nil {
		return domain.ProviderLink{}, mapStoreErr(err, "create provider link")
	}
	return link, nil
}

func (r *PostgresProviderRepo) Delete(ctx context.Context, userID int64, provider string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM auth_providers WHERE user_id = $1 AND provider = $2`, userID, provider)
	if err != nil {
		return fmt.Errorf("delete provider link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete provider link: %w", domain.ErrNotFound)
	}
	return nil
}

func scanProviderLink(row pgx.Row) (domain.ProviderLink, error) {
	var l domain.ProviderLink
	err := row.Scan(
		&l.ID,
		&l.UserID,
		&l.Provider,
		&l.ProviderID,
		&l.Email,
		&l.Name,
		&l.AvatarURL,
		&l.IsPrimary,
		&l.ConnectedAt,
	)
	return l, err
}
