package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/consultly/auth-service/internal/domain"
)

var _ MFARepository = (*PostgresMFARepo)(nil)

// PostgresMFARepo implements MFARepository. Counters and backup-code
// redemption are single-statement atomic updates.
type PostgresMFARepo struct {
	db *pgxpool.Pool
}

func NewPostgresMFARepo(pool *pgxpool.Pool) *PostgresMFARepo {
	return &PostgresMFARepo{db: pool}
}

const selectMFASQL = `SELECT user_id, is_enabled, primary_method, enabled_methods, totp, sms, email,
consecutive_failures, is_locked, locked_until, lock_reason, updated_at FROM mfa_configs WHERE user_id = $1`

const upsertMFASQL = `INSERT INTO mfa_configs (user_id, is_enabled, primary_method, enabled_methods, totp, sms, email,
consecutive_failures, is_locked, locked_until, lock_reason, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
ON CONFLICT (user_id) DO UPDATE SET
is_enabled = EXCLUDED.is_enabled,
primary_method = EXCLUDED.primary_method,
enabled_methods = EXCLUDED.enabled_methods,
totp = EXCLUDED.totp,
sms = EXCLUDED.sms,
email = EXCLUDED.email,
consecutive_failures = EXCLUDED.consecutive_failures,
is_locked = EXCLUDED.is_locked,
locked_until = EXCLUDED.locked_until,
lock_reason = EXCLUDED.lock_reason,
updated_at = now()`

func (r *PostgresMFARepo) Get(ctx context.Context, userID int64) (domain.MFAConfig, error) {
	var (
		cfg                    domain.MFAConfig
		totpRaw, smsRaw, emRaw []byte
	)
	err := r.db.QueryRow(ctx, selectMFASQL, userID).Scan(
		&cfg.UserID,
		&cfg.IsEnabled,
		&cfg.PrimaryMethod,
		&cfg.EnabledMethods,
		&totpRaw,
		&smsRaw,
		&emRaw,
		&cfg.ConsecutiveFailures,
		&cfg.IsLocked,
		&cfg.LockedUntil,
		&cfg.LockReason,
		&cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// A user without a row simply has MFA unconfigured.
			return domain.MFAConfig{UserID: userID}, nil
		}
		return domain.MFAConfig{}, fmt.Errorf("get mfa config: %w", err)
	}
	if len(totpRaw) > 0 {
		var rec totpRecord
		if err := json.Unmarshal(totpRaw, &rec); err != nil {
			return domain.MFAConfig{}, fmt.Errorf("decode totp config: %w", err)
		}
		cfg.TOTP = domain.TOTPMethod{
			Secret:    rec.Secret,
			Verified:  rec.Verified,
			Algorithm: rec.Algorithm,
			Digits:    rec.Digits,
			Period:    rec.Period,
		}
	}
	if len(smsRaw) > 0 {
		if err := json.Unmarshal(smsRaw, &cfg.SMS); err != nil {
			return domain.MFAConfig{}, fmt.Errorf("decode sms config: %w", err)
		}
	}
	if len(emRaw) > 0 {
		if err := json.Unmarshal(emRaw, &cfg.Email); err != nil {
			return domain.MFAConfig{}, fmt.Errorf("decode email config: %w", err)
		}
	}
	return cfg, nil
}

func (r *PostgresMFARepo) Upsert(ctx context.Context, cfg domain.MFAConfig) error {
	totpRaw, err := json.Marshal(totpRecord{cfg.TOTP.Secret, cfg.TOTP.Verified, cfg.TOTP.Algorithm, cfg.TOTP.Digits, cfg.TOTP.Period})
	if err != nil {
		return fmt.Errorf("encode totp config: %w", err)
	}
	smsRaw, err := json.Marshal(cfg.SMS)
	if err != nil {
		return fmt.Errorf("encode sms config: %w", err)
	}
	emRaw, err := json.Marshal(cfg.Email)
	if err != nil {
		return fmt.Errorf("encode email config: %w", err)
	}
	if _, err := r.db.Exec(ctx, upsertMFASQL,
		cfg.UserID,
		cfg.IsEnabled,
		cfg.PrimaryMethod,
		cfg.EnabledMethods,
		totpRaw,
		smsRaw,
		emRaw,
		cfg.ConsecutiveFailures,
		cfg.IsLocked,
		cfg.LockedUntil,
		cfg.LockReason,
	); err != nil {
		return fmt.Errorf("upsert mfa config: %w", err)
	}
	return nil
}

// totpRecord carries the secret into jsonb storage; domain.TOTPMethod itself
// excludes the secret from JSON so it cannot leak through API serialization.
type totpRecord struct {
	Secret    string `json:"secret"`
	Verified  bool   `json:"Verified"`
	Algorithm string `json:"Algorithm"`
	Digits    int    `json:"Digits"`
	Period    int    `json:"Period"`
}

func (r *PostgresMFARepo) IncrementFailures(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`UPDATE mfa_configs SET consecutive_failures = consecutive_failures + 1, updated_at = now()
WHERE user_id = $1 RETURNING consecutive_failures`, userID).Scan(&count)
	if err != nil {
		return 0, mapStoreErr(err, "increment mfa failures")
	}
	return count, nil
}

func (r *PostgresMFARepo) ResetFailures(ctx context.Context, userID int64) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE mfa_configs SET consecutive_failures = 0, is_locked = false, locked_until = NULL, lock_reason = '', updated_at = now()
WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("reset mfa failures: %w", err)
	}
	return nil
}

func (r *PostgresMFARepo) SetLock(ctx context.Context, userID int64, lockedUntil *time.Time, reason string) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE mfa_configs SET is_locked = $2, locked_until = $3, lock_reason = $4, updated_at = now() WHERE user_id = $1`,
		userID, lockedUntil != nil, lockedUntil, reason); err != nil {
		return fmt.Errorf("set mfa lock: %w", err)
	}
	return nil
}

// RecordVerification appends to the audit trail and trims entries beyond the
// retention cap in the same round-trip.
func (r *PostgresMFARepo) RecordVerification(ctx context.Context, rec domain.VerificationRecord) error {
	batch := &pgx.Batch{}
	batch.Queue(
		`INSERT INTO mfa_verification_history (user_id, method, success, ip, user_agent, failure_reason, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.UserID, rec.Method, rec.Success, rec.IP, rec.UserAgent, rec.FailureReason, rec.Timestamp)
	batch.Queue(
		`DELETE FROM mfa_verification_history WHERE user_id = $1 AND id NOT IN (
SELECT id FROM mfa_verification_history WHERE user_id = $1 ORDER BY occurred_at DESC LIMIT $2)`,
		rec.UserID, domain.VerificationHistoryLimit)
	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("record verification: %w", err)
	}
	return nil
}

func (r *PostgresMFARepo) ListVerifications(ctx context.Context, userID int64, limit int) ([]domain.VerificationRecord, error) {
	if limit <= 0 || limit > domain.VerificationHistoryLimit {
		limit = domain.VerificationHistoryLimit
	}
	rows, err := r.db.Query(ctx,
		`SELECT user_id, method, success, ip, user_agent, failure_reason, occurred_at
FROM mfa_verification_history WHERE user_id = $1 ORDER BY occurred_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list verifications: %w", err)
	}
	defer rows.Close()

	var records []domain.VerificationRecord
	for rows.Next() {
		var rec domain.VerificationRecord
		if err := rows.Scan(&rec.UserID, &rec.Method, &rec.Success, &rec.IP, &rec.UserAgent, &rec.FailureReason, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan verification: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ReplaceBackupCodes invalidates every previous code and installs the new
// batch in one transaction.
func (r *PostgresMFARepo) ReplaceBackupCodes(ctx context.Context, userID int64, codeHashes []string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace backup codes: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear backup codes: %w", err)
	}
	for _, hash := range codeHashes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO mfa_backup_codes (user_id, code_hash) VALUES ($1, $2)`, userID, hash); err != nil {
			return fmt.Errorf("insert backup code: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace backup codes: %w", err)
	}
	return nil
}

// RedeemBackupCode marks the matching unused code used in a single guarded
// update; of two concurrent redemptions of the same code exactly one wins.
func (r *PostgresMFARepo) RedeemBackupCode(ctx context.Context, userID int64, codeHash string, usedAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE mfa_backup_codes SET is_used = true, used_at = $3
WHERE user_id = $1 AND code_hash = $2 AND is_used = false`,
		userID, codeHash, usedAt)
	if err != nil {
		return fmt.Errorf("redeem backup code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCodeAlreadyUsed
	}
	return nil
}

func (r *PostgresMFARepo) CountUnusedBackupCodes(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM mfa_backup_codes WHERE user_id = $1 AND is_used = false`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count backup codes: %w", err)
	}
	return count, nil
}

// IncrementSendCount bumps the per-day delivery counter, rolling it over when
// the reset timestamp has passed, and returns the count for this window.
func (r *PostgresMFARepo) IncrementSendCount(ctx context.Context, userID int64, method string, resetAt time.Time) (int, error) {
	column, err := sendCountColumn(method)
	if err != nil {
		return 0, err
	}
	var count int
	query := fmt.Sprintf(`UPDATE mfa_configs SET %[1]s = CASE
WHEN (%[1]s->>'CountReset')::timestamptz <= now() THEN jsonb_set(jsonb_set(%[1]s, '{SentToday}', '1'), '{CountReset}', to_jsonb($2::timestamptz))
ELSE jsonb_set(%[1]s, '{SentToday}', to_jsonb((%[1]s->>'SentToday')::int + 1))
END, updated_at = now()
WHERE user_id = $1
RETURNING (%[1]s->>'SentToday')::int`, column)
	if err := r.db.QueryRow(ctx, query, userID, resetAt).Scan(&count); err != nil {
		return 0, mapStoreErr(err, "increment send count")
	}
	return count, nil
}

func sendCountColumn(method string) (string, error) {
	switch method {
	case domain.MethodSMS:
		return "sms", nil
	case domain.MethodEmail:
		return "email", nil
	default:
		return "", fmt.Errorf("send count: unsupported method %q", method)
	}
}
