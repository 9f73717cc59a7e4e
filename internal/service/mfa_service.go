package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/consultly/auth-service/internal/adapter/notify"
	"github.com/consultly/auth-service/internal/config"
	"github.com/consultly/auth-service/internal/domain"
	"github.com/consultly/auth-service/internal/password"
	"github.com/consultly/auth-service/internal/repository"
	"github.com/consultly/auth-service/internal/totp"
)

const backupCodeCount = 10

// MFAService manages enrollment, challenges, verification, backup codes,
// and the lockout policy.
type MFAService struct {
	users      repository.UserRepository
	providers  repository.ProviderRepository
	mfa        repository.MFARepository
	challenges repository.ChallengeStore
	setups     repository.SetupStore
	codes      repository.CodeStore
	sender     notify.Sender
	clock      clockwork.Clock
	cfg        config.Config
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewMFAService wires dependencies.
func NewMFAService(users repository.UserRepository, providers repository.ProviderRepository, mfa repository.MFARepository, challenges repository.ChallengeStore, setups repository.SetupStore, codes repository.CodeStore, sender notify.Sender, clock clockwork.Clock, cfg config.Config, logger *zap.Logger) *MFAService {
	return &MFAService{
		users:      users,
		providers:  providers,
		mfa:        mfa,
		challenges: challenges,
		setups:     setups,
		codes:      codes,
		sender:     sender,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("github.com/consultly/auth-service/internal/service"),
	}
}

// Setup begins enrollment for a method. Nothing is enabled until VerifySetup
// confirms the submitted code; the enrollment material lives out of band with
// a TTL in the meantime.
func (s *MFAService) Setup(ctx context.Context, userID int64, method, contact string) (MFASetupView, error) {
	ctx, span := s.tracer.Start(ctx, "MFAService.Setup")
	defer span.End()

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return MFASetupView{}, s.mapNotFound(err, "User not found.")
	}

	now := s.clock.Now().UTC()
	pending := domain.PendingSetup{
		UserID:    userID,
		Method:    method,
		ExpiresAt: now.Add(s.cfg.SetupTTL),
	}
	view := MFASetupView{Method: method, ExpiresIn: int(s.cfg.SetupTTL.Seconds())}

	switch method {
	case domain.MethodTOTP:
		secret, err := totp.GenerateSecret()
		if err != nil {
			span.RecordError(err)
			return MFASetupView{}, serverError(err)
		}
		pending.Secret = secret
		view.Secret = secret
		view.ProvisioningURI = totp.ProvisioningURI(s.cfg.ServiceName, user.Email, secret, totp.Params{})

	case domain.MethodSMS:
		contact = strings.TrimSpace(contact)
		if contact == "" {
			return MFASetupView{}, validationError("Phone number is required for SMS setup.",
				FieldError{Field: "contact", Message: "required"})
		}
		code, hash, err := newDeliveryCode()
		if err != nil {
			span.RecordError(err)
			return MFASetupView{}, serverError(err)
		}
		if err := s.checkSendCap(ctx, userID, domain.MethodSMS); err != nil {
			return MFASetupView{}, err
		}
		pending.Contact = contact
		pending.CodeHash = hash
		view.Destination = maskContact(contact)
		s.deliver(ctx, domain.MethodSMS, contact, code)

	case domain.MethodEmail:
		contact = user.Email
		code, hash, err := newDeliveryCode()
		if err != nil {
			span.RecordError(err)
			return MFASetupView{}, serverError(err)
		}
		if err := s.checkSendCap(ctx, userID, domain.MethodEmail); err != nil {
			return MFASetupView{}, err
		}
		pending.Contact = contact
		pending.CodeHash = hash
		view.Destination = maskContact(contact)
		s.deliver(ctx, domain.MethodEmail, contact, code)

	default:
		return MFASetupView{}, validationError("Unsupported MFA method.",
			FieldError{Field: "method", Message: "must be one of totp, sms, email", Value: method})
	}

	if err := s.setups.SaveSetup(ctx, pending, s.cfg.SetupTTL); err != nil {
		span.RecordError(err)
		return MFASetupView{}, serverError(err)
	}

	s.audit("mfa.setup.started", "user_id", userID, "method", method)
	return view, nil
}

// VerifySetup validates the submitted code against the pending enrollment
// and enables the method on success.
func (s *MFAService) VerifySetup(ctx context.Context, userID int64, method, code string) error {
	ctx, span := s.tracer.Start(ctx, "MFAService.VerifySetup")
	defer span.End()

	pending, err := s.setups.GetSetup(ctx, userID, method)
	if err != nil {
		span.RecordError(err)
		return serverError(err)
	}
	if pending == nil || s.clock.Now().After(pending.ExpiresAt) {
		return newError(CodeMFAExpired, "Setup expired. Start again.", http.StatusGone)
	}

	var ok bool
	switch method {
	case domain.MethodTOTP:
		ok = totp.Validate(pending.Secret, code, s.clock.Now(), totp.Params{})
	case domain.MethodSMS, domain.MethodEmail:
		ok = compareCodeHash(code, pending.CodeHash)
	default:
		return validationError("Unsupported MFA method.",
			FieldError{Field: "method", Message: "must be one of totp, sms, email", Value: method})
	}
	if !ok {
		return newError(CodeMFAInvalid, "Invalid verification code.", http.StatusUnauthorized)
	}

	cfg, err := s.mfa.Get(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return serverError(err)
	}

	switch method {
	case domain.MethodTOTP:
		params := totp.Params{}.Normalize()
		cfg.TOTP = domain.TOTPMethod{
			Secret:    pending.Secret,
			Verified:  true,
			Algorithm: params.Algorithm,
			Digits:    params.Digits,
			Period:    params.Period,
		}
	case domain.MethodSMS:
		cfg.SMS.Contact = pending.Contact
		cfg.SMS.Verified = true
	case domain.MethodEmail:
		cfg.Email.Contact = pending.Contact
		cfg.Email.Verified = true
	}

	if !cfg.HasMethod(method) {
		cfg.EnabledMethods = append(cfg.EnabledMethods, method)
	}
	if !cfg.IsEnabled {
		cfg.IsEnabled = true
		cfg.PrimaryMethod = method
	}
	cfg.UserID = userID

	if err := s.mfa.Upsert(ctx, cfg); err != nil {
		span.RecordError(err)
		return serverError(err)
	}
	if err := s.setups.DeleteSetup(ctx, userID, method); err != nil {
		s.log().Warn("failed to delete pending setup", zap.Error(err))
	}

	s.audit("mfa.setup.verified", "user_id", userID, "method", method)
	return nil
}

// IssueChallenge creates a pending challenge for a login that requires a
// second factor. Delivery codes for the primary SMS/email method are sent
// immediately.
func (s *MFAService) IssueChallenge(ctx context.Context, userID int64, device domain.DeviceInfo) (MFAChallengeView, error) {
	ctx, span := s.tracer.Start(ctx, "MFAService.IssueChallenge")
	defer span.End()

	cfg, err := s.mfa.Get(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return MFAChallengeView{}, serverError(err)
	}
	if err := s.checkLock(ctx, cfg); err != nil {
		return MFAChallengeView{}, err
	}

	methods := append([]string{}, cfg.EnabledMethods...)
	if remaining, err := s.mfa.CountUnusedBackupCodes(ctx, userID); err == nil && remaining > 0 {
		methods = append(methods, domain.MethodBackup)
	}

	now := s.clock.Now().UTC()
	challenge := domain.MFAChallenge{
		ID:        uuid.NewString(),
		UserID:    userID,
		Methods:   methods,
		Device:    device,
		ExpiresAt: now.Add(s.cfg.ChallengeTTL),
		CreatedAt: now,
	}
	if err := s.challenges.SaveChallenge(ctx, challenge, s.cfg.ChallengeTTL); err != nil {
		span.RecordError(err)
		return MFAChallengeView{}, serverError(err)
	}

	switch cfg.PrimaryMethod {
	case domain.MethodSMS:
		if err := s.sendChallengeCode(ctx, userID, domain.MethodSMS, cfg.SMS.Contact); err != nil {
			return MFAChallengeView{}, err
		}
	case domain.MethodEmail:
		if err := s.sendChallengeCode(ctx, userID, domain.MethodEmail, cfg.Email.Contact); err != nil {
			return MFAChallengeView{}, err
		}
	}

	s.audit("mfa.challenge.issued", "user_id", userID, "challenge_id", challenge.ID)
	return MFAChallengeView{
		ChallengeID: challenge.ID,
		Methods:     methods,
		ExpiresIn:   int(s.cfg.ChallengeTTL.Seconds()),
	}, nil
}

// VerifyChallenge validates the submitted code for a pending challenge and
// returns the challenge on success. Every attempt is recorded; failures
// count toward the lockout.
func (s *MFAService) VerifyChallenge(ctx context.Context, challengeID, method, code, ip, userAgent string) (*domain.MFAChallenge, error) {
	ctx, span := s.tracer.Start(ctx, "MFAService.VerifyChallenge")
	defer span.End()

	challenge, err := s.challenges.GetChallenge(ctx, challengeID)
	if err != nil {
		span.RecordError(err)
		return nil, serverError(err)
	}
	if challenge == nil || s.clock.Now().After(challenge.ExpiresAt) {
		return nil, newError(CodeMFAExpired, "Challenge expired or not found.", http.StatusGone)
	}

	cfg, err := s.mfa.Get(ctx, challenge.UserID)
	if err != nil {
		span.RecordError(err)
		return nil, serverError(err)
	}
	if err := s.checkLock(ctx, cfg); err != nil {
		s.record(ctx, challenge.UserID, method, false, ip, userAgent, "locked")
		return nil, err
	}

	ok, verifyErr := s.verifyCode(ctx, cfg, method, code)
	if verifyErr != nil {
		span.RecordError(verifyErr)
		return nil, serverError(verifyErr)
	}

	if !ok {
		s.record(ctx, challenge.UserID, method, false, ip, userAgent, "invalid_code")
		failures, err := s.mfa.IncrementFailures(ctx, challenge.UserID)
		if err != nil {
			span.RecordError(err)
			return nil, serverError(err)
		}
		if failures >= domain.MFAMaxConsecutiveFailures {
			until := s.clock.Now().UTC().Add(domain.MFALockDuration)
			if err := s.mfa.SetLock(ctx, challenge.UserID, &until, "too many failed verification attempts"); err != nil {
				span.RecordError(err)
				return nil, serverError(err)
			}
			s.audit("mfa.locked", "user_id", challenge.UserID, "locked_until", until)
			return nil, newError(CodeMFATooMany, "Too many failed attempts. MFA is locked.", http.StatusLocked)
		}
		return nil, newError(CodeMFAInvalid, "Invalid verification code.", http.StatusUnauthorized)
	}

	s.record(ctx, challenge.UserID, method, true, ip, userAgent, "")
	if err := s.mfa.ResetFailures(ctx, challenge.UserID); err != nil {
		span.RecordError(err)
		return nil, serverError(err)
	}
	if err := s.challenges.DeleteChallenge(ctx, challengeID); err != nil {
		s.log().Warn("failed to delete challenge", zap.Error(err))
	}

	s.audit("mfa.challenge.verified", "user_id", challenge.UserID, "method", method)
	return challenge, nil
}

// Disable removes a method after password re-entry. The account must be left
// with at least one authentication path.
func (s *MFAService) Disable(ctx context.Context, userID int64, method, pass string) error {
	ctx, span := s.tracer.Start(ctx, "MFAService.Disable")
	defer span.End()

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return s.mapNotFound(err, "User not found.")
	}

	cfg, err := s.mfa.Get(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return serverError(err)
	}
	if !cfg.HasMethod(method) {
		return newError(CodeNotFound, "Method is not enabled.", http.StatusNotFound)
	}

	if len(cfg.EnabledMethods) == 1 && !user.HasPassword() {
		links, err := s.providers.ListByUser(ctx, userID)
		if err != nil {
			span.RecordError(err)
			return serverError(err)
		}
		if len(links) == 0 {
			return newError(CodeLastMethod, "Disabling the last MFA method would leave the account without any way to sign in.", http.StatusConflict)
		}
	}

	if !user.HasPassword() {
		return newError(CodeInvalidCredentials, "Password confirmation is not available for this account.", http.StatusForbidden)
	}
	valid, err := password.Verify(pass, user.PasswordHash)
	if err != nil || !valid {
		return invalidCredentials()
	}

	remaining := cfg.EnabledMethods[:0]
	for _, m := range cfg.EnabledMethods {
		if m != method {
			remaining = append(remaining, m)
		}
	}
	cfg.EnabledMethods = remaining

	switch method {
	case domain.MethodTOTP:
		cfg.TOTP = domain.TOTPMethod{}
	case domain.MethodSMS:
		cfg.SMS = domain.DeliveryMethod{}
	case domain.MethodEmail:
		cfg.Email = domain.DeliveryMethod{}
	}

	if cfg.PrimaryMethod == method {
		cfg.PrimaryMethod = ""
		if len(cfg.EnabledMethods) > 0 {
			cfg.PrimaryMethod = cfg.EnabledMethods[0]
		}
	}
	if len(cfg.EnabledMethods) == 0 {
		cfg.IsEnabled = false
		if err := s.mfa.ReplaceBackupCodes(ctx, userID, nil); err != nil {
			span.RecordError(err)
			return serverError(err)
		}
	}

	if err := s.mfa.Upsert(ctx, cfg); err != nil {
		span.RecordError(err)
		return serverError(err)
	}

	s.audit("mfa.disabled", "user_id", userID, "method", method)
	return nil
}

// GenerateBackupCodes invalidates every previous code and returns 10 fresh
// plaintext codes exactly once.
func (s *MFAService) GenerateBackupCodes(ctx context.Context, userID int64) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "MFAService.GenerateBackupCodes")
	defer span.End()

	cfg, err := s.mfa.Get(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, serverError(err)
	}
	if !cfg.IsEnabled {
		return nil, newError(CodeValidation, "Enable an MFA method before generating backup codes.", http.StatusBadRequest)
	}

	codes := make([]string, 0, backupCodeCount)
	hashes := make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		code, err := newBackupCode()
		if err != nil {
			span.RecordError(err)
			return nil, serverError(err)
		}
		codes = append(codes, code)
		hashes = append(hashes, backupCodeHash(userID, code))
	}

	if err := s.mfa.ReplaceBackupCodes(ctx, userID, hashes); err != nil {
		span.RecordError(err)
		return nil, serverError(err)
	}

	s.audit("mfa.backup_codes.generated", "user_id", userID, "count", backupCodeCount)
	return codes, nil
}

// Status summarizes the user's MFA configuration without secrets.
func (s *MFAService) Status(ctx context.Context, userID int64) (MFAStatusView, error) {
	cfg, err := s.mfa.Get(ctx, userID)
	if err != nil {
		return MFAStatusView{}, serverError(err)
	}
	remaining, err := s.mfa.CountUnusedBackupCodes(ctx, userID)
	if err != nil {
		return MFAStatusView{}, serverError(err)
	}
	methods := cfg.EnabledMethods
	if methods == nil {
		methods = []string{}
	}
	return MFAStatusView{
		IsEnabled:       cfg.IsEnabled,
		PrimaryMethod:   cfg.PrimaryMethod,
		EnabledMethods:  methods,
		BackupCodesLeft: remaining,
		IsLocked:        cfg.LockActive(s.clock.Now()),
		LockedUntil:     cfg.LockedUntil,
	}, nil
}

// Enabled reports whether the user must pass a second factor at login.
func (s *MFAService) Enabled(ctx context.Context, userID int64) (bool, error) {
	cfg, err := s.mfa.Get(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load mfa config: %w", err)
	}
	return cfg.IsEnabled, nil
}

func (s *MFAService) verifyCode(ctx context.Context, cfg domain.MFAConfig, method, code string) (bool, error) {
	switch method {
	case domain.MethodTOTP:
		if !cfg.HasMethod(domain.MethodTOTP) || !cfg.TOTP.Verified {
			return false, nil
		}
		params := totp.Params{Algorithm: cfg.TOTP.Algorithm, Digits: cfg.TOTP.Digits, Period: cfg.TOTP.Period}
		return totp.Validate(cfg.TOTP.Secret, code, s.clock.Now(), params), nil

	case domain.MethodSMS, domain.MethodEmail:
		if !cfg.HasMethod(method) {
			return false, nil
		}
		hash, err := s.codes.ConsumeCode(ctx, cfg.UserID, method)
		if err != nil {
			return false, err
		}
		if hash == "" {
			return false, nil
		}
		return compareCodeHash(code, hash), nil

	case domain.MethodBackup:
		err := s.mfa.RedeemBackupCode(ctx, cfg.UserID, backupCodeHash(cfg.UserID, code), s.clock.Now().UTC())
		if err != nil {
			if errors.Is(err, domain.ErrCodeAlreadyUsed) || errors.Is(err, domain.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return true, nil

	default:
		return false, nil
	}
}

// checkLock rejects while a lock is in force and clears expired locks so the
// failure counter restarts after each lock event.
func (s *MFAService) checkLock(ctx context.Context, cfg domain.MFAConfig) error {
	now := s.clock.Now()
	if cfg.LockActive(now) {
		return newError(CodeMFATooMany, "MFA is temporarily locked.", http.StatusLocked)
	}
	if cfg.IsLocked {
		if err := s.mfa.ResetFailures(ctx, cfg.UserID); err != nil {
			return serverError(err)
		}
	}
	return nil
}

func (s *MFAService) sendChallengeCode(ctx context.Context, userID int64, method, contact string) error {
	if err := s.checkSendCap(ctx, userID, method); err != nil {
		return err
	}
	code, hash, err := newDeliveryCode()
	if err != nil {
		return serverError(err)
	}
	if err := s.codes.SaveCode(ctx, userID, method, hash, s.cfg.DeliveryCodeTTL); err != nil {
		return serverError(err)
	}
	s.deliver(ctx, method, contact, code)
	return nil
}

func (s *MFAService) checkSendCap(ctx context.Context, userID int64, method string) error {
	limit := s.cfg.SMSDailyCap
	if method == domain.MethodEmail {
		limit = s.cfg.EmailDailyCap
	}
	if limit <= 0 {
		return nil
	}
	resetAt := s.clock.Now().UTC().Add(24 * time.Hour)
	count, err := s.mfa.IncrementSendCount(ctx, userID, method, resetAt)
	if errors.Is(err, domain.ErrNotFound) {
		// First setup for this account. Create the config row so the cap
		// holds from the very first delivery.
		if upErr := s.mfa.Upsert(ctx, domain.MFAConfig{UserID: userID}); upErr != nil {
			return serverError(upErr)
		}
		count, err = s.mfa.IncrementSendCount(ctx, userID, method, resetAt)
	}
	if err != nil {
		return serverError(err)
	}
	if count > limit {
		return newError(CodeMFATooMany, "Daily code delivery limit reached.", http.StatusTooManyRequests)
	}
	return nil
}

// deliver hands the code to the notification gateway. Delivery runs on the
// request path only long enough to confirm acceptance; failures are logged
// and never fail the operation.
func (s *MFAService) deliver(ctx context.Context, method, contact, code string) {
	var err error
	switch method {
	case domain.MethodSMS:
		err = s.sender.SendSMS(ctx, contact, fmt.Sprintf("Your verification code is %s", code))
	case domain.MethodEmail:
		err = s.sender.SendEmail(ctx, contact, "Your verification code", fmt.Sprintf("Your verification code is %s", code))
	}
	if err != nil {
		s.log().Warn("code delivery failed", zap.String("method", method), zap.Error(err))
	}
}

func (s *MFAService) record(ctx context.Context, userID int64, method string, success bool, ip, userAgent, reason string) {
	rec := domain.VerificationRecord{
		UserID:        userID,
		Method:        method,
		Success:       success,
		IP:            ip,
		UserAgent:     userAgent,
		FailureReason: reason,
		Timestamp:     s.clock.Now().UTC(),
	}
	if err := s.mfa.RecordVerification(ctx, rec); err != nil {
		s.log().Warn("failed to record verification", zap.Error(err))
	}
}

func (s *MFAService) mapNotFound(err error, message string) error {
	if errors.Is(err, domain.ErrNotFound) {
		return newError(CodeNotFound, message, http.StatusNotFound)
	}
	return serverError(err)
}

func (s *MFAService) audit(event string, attrs ...any) {
	logger := s.log()
	fields := make([]zap.Field, 0, len(attrs)/2+1)
	fields = append(fields, zap.String("event", event))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	logger.Info("audit", fields...)
}

func (s *MFAService) log() *zap.Logger {
	if s.logger != nil {
		return s.logger
	}
	return zap.L()
}

// newBackupCode returns an 8-hex-character code formatted XXXX-XXXX.
func newBackupCode() (string, error) {
	raw := make([]byte, 4)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate backup code: %w", err)
	}
	code := strings.ToUpper(hex.EncodeToString(raw))
	return code[:4] + "-" + code[4:], nil
}

// backupCodeHash keys the code hash with the owning user id so equal codes
// issued to different users never collide in storage.
func backupCodeHash(userID int64, code string) string {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s", userID, normalized)))
	return hex.EncodeToString(sum[:])
}

// newDeliveryCode returns a 6-digit one-time code and its storage hash.
func newDeliveryCode() (string, string, error) {
	raw := make([]byte, 4)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate delivery code: %w", err)
	}
	n := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	code := fmt.Sprintf("%06d", n%1000000)
	return code, deliveryCodeHash(code), nil
}

func deliveryCodeHash(code string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(code)))
	return hex.EncodeToString(sum[:])
}

func compareCodeHash(code, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(deliveryCodeHash(code)), []byte(hash)) == 1
}

// maskContact hides most of a phone number or email for setup responses.
func maskContact(contact string) string {
	if at := strings.Index(contact, "@"); at > 0 {
		name := contact[:at]
		if len(name) <= 2 {
			return "**" + contact[at:]
		}
		return name[:2] + strings.Repeat("*", len(name)-2) + contact[at:]
	}
	if len(contact) <= 4 {
		return strings.Repeat("*", len(contact))
	}
	return strings.Repeat("*", len(contact)-4) + contact[len(contact)-4:]
}
