package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/consultly/auth-service/internal/domain"
)

var (
	_ SessionRepository       = (*PostgresSessionRepo)(nil)
	_ TrustedDeviceRepository = (*PostgresTrustedDeviceRepo)(nil)
)

// PostgresSessionRepo implements SessionRepository.
type PostgresSessionRepo struct {
	db *pgxpool.Pool
}

var _ SessionRepository = (*PostgresSessionRepo)(nil)

func NewPostgresSessionRepo(pool *pgxpool.Pool) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: pool}
}

const selectSessionSQL = `SELECT id, user_id, device, ip, created_at, last_activity_at, expires_at, revoked_at FROM sessions`

func (r *PostgresSessionRepo) Create(ctx context.Context, session domain.Session) (domain.Session, error) {
	device, err := json.Marshal(session.Device)
	if err != nil {
		return domain.Session{}, fmt.Errorf("encode device info: %w", err)
	}
	if _, err := r.db.Exec(ctx,
		`INSERT INTO sessions (id, user_id, device, ip, created_at, last_activity_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.ID, session.UserID, device, session.IP, session.CreatedAt, session.LastActivityAt, session.ExpiresAt,
	); err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (r *PostgresSessionRepo) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	row := r.db.QueryRow(ctx, selectSessionSQL+` WHERE id = $1`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		return domain.Session{}, mapStoreErr(err, "get session")
	}
	return session, nil
}

func (r *PostgresSessionRepo) ListActive(ctx context.Context, userID int64, now time.Time) ([]domain.Session, error) {
	rows, err := r.db.Query(ctx,
		selectSessionSQL+` WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2 ORDER BY created_at`,
		userID, now)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (r *PostgresSessionRepo) Touch(ctx context.Context, sessionID string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions SET last_activity_at = $2 WHERE id = $1 AND revoked_at IS NULL`, sessionID, at)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch session: %w", domain.ErrNotFound)
	}
	return nil
}

// Revoke is idempotent; revoking an already-revoked session is a no-op.
func (r *PostgresSessionRepo) Revoke(ctx context.Context, sessionID string, at time.Time) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE sessions SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, sessionID, at); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepo) RevokeAll(ctx context.Context, userID int64, at time.Time) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE sessions SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`, userID, at); err != nil {
		return fmt.Errorf("revoke all sessions: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepo) RevokeOthers(ctx context.Context, userID int64, exceptSessionID string, at time.Time) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE sessions SET revoked_at = $3 WHERE user_id = $1 AND id <> $2 AND revoked_at IS NULL`,
		userID, exceptSessionID, at); err != nil {
		return fmt.Errorf("revoke other sessions: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (domain.Session, error) {
	var (
		s      domain.Session
		device []byte
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&device,
		&s.IP,
		&s.CreatedAt,
		&s.LastActivityAt,
		&s.ExpiresAt,
		&s.RevokedAt,
	)
	if err != nil {
		return domain.Session{}, err
	}
	if len(device) > 0 {
		if err := json.Unmarshal(device, &s.Device); err != nil {
			return domain.Session{}, fmt.Errorf("decode device info: %w", err)
		}
	}
	return s, nil
}

// PostgresTrustedDeviceRepo implements TrustedDeviceRepository.
type PostgresTrustedDeviceRepo struct {
	db *pgxpool.Pool
}

var _ TrustedDeviceRepository = (*PostgresTrustedDeviceRepo)(nil)

func NewPostgresTrustedDeviceRepo(pool *pgxpool.Pool) *PostgresTrustedDeviceRepo {
	return &PostgresTrustedDeviceRepo{db: pool}
}

const selectTrustedDeviceSQL = `SELECT id, user_id, fingerprint, name, trusted_at, expires_at FROM trusted_devices`

func (r *PostgresTrustedDeviceRepo) Create(ctx context.Context, device domain.TrustedDevice) (domain.TrustedDevice, error) {
	if _, err := r.db.Exec(ctx,
		`INSERT INTO trusted_devices (id, user_id, fingerprint, name, trusted_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id, fingerprint) DO UPDATE SET trusted_at = EXCLUDED.trusted_at, expires_at = EXCLUDED.expires_at`,
		device.ID, device.UserID, device.Fingerprint, device.Name, device.TrustedAt, device.ExpiresAt,
	); err != nil {
		return domain.TrustedDevice{}, fmt.Errorf("create trusted device: %w", err)
	}
	return device, nil
}

func (r *PostgresTrustedDeviceRepo) GetByFingerprint(ctx context.Context, userID int64, fingerprint string) (domain.TrustedDevice, error) {
	row := r.db.QueryRow(ctx, selectTrustedDeviceSQL+` WHERE user_id = $1 AND fingerprint = $2`, userID, fingerprint)
	device, err := scanTrustedDevice(row)
	if err != nil {
		return domain.TrustedDevice{}, mapStoreErr(err, "get trusted device")
	}
	return device, nil
}

func (r *PostgresTrustedDeviceRepo) ListByUser(ctx context.Context, userID int64) ([]domain.TrustedDevice, error) {
	rows, err := r.db.Query(ctx, selectTrustedDeviceSQL+` WHERE user_id = $1 ORDER BY trusted_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list trusted devices: %w", err)
	}
	defer rows.Close()

	var devices []domain.TrustedDevice
	for rows.Next() {
		device, err := scanTrustedDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trusted device: %w", err)
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

func (r *PostgresTrustedDeviceRepo) Delete(ctx context.Context, userID int64, deviceID string) error {
	if _, err := r.db.Exec(ctx,
		`DELETE FROM trusted_devices WHERE user_id = $1 AND id = $2`, userID, deviceID); err != nil {
		return fmt.Errorf("delete trusted device: %w", err)
	}
	return nil
}

func scanTrustedDevice(row pgx.Row) (domain.TrustedDevice, error) {
	var d domain.TrustedDevice
	err := row.Scan(&d.ID, &d.UserID, &d.Fingerprint, &d.Name, &d.TrustedAt, &d.ExpiresAt)
	return d, err
}
