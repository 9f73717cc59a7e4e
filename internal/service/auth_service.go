package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/consultly/auth-service/internal/config"
	"github.com/consultly/auth-service/internal/domain"
	"github.com/consultly/auth-service/internal/jwt"
	"github.com/consultly/auth-service/internal/password"
	"github.com/consultly/auth-service/internal/repository"
)

// AuthService orchestrates registration, credential login, token refresh,
// and logout across the user store, session manager, and MFA engine.
type AuthService struct {
	users    repository.UserRepository
	tokens   repository.TokenRepository
	limiter  repository.AttemptLimiter
	sessions *SessionService
	mfa      *MFAService
	jwt      *jwt.Generator
	node     *snowflake.Node
	clock    clockwork.Clock
	cfg      config.Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewAuthService wires dependencies.
func NewAuthService(users repository.UserRepository, tokens repository.TokenRepository, limiter repository.AttemptLimiter, sessions *SessionService, mfa *MFAService, generator *jwt.Generator, node *snowflake.Node, clock clockwork.Clock, cfg config.Config, logger *zap.Logger) *AuthService {
	return &AuthService{
		users:    users,
		tokens:   tokens,
		limiter:  limiter,
		sessions: sessions,
		mfa:      mfa,
		jwt:      generator,
		node:     node,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/consultly/auth-service/internal/service"),
	}
}

// RegisterInput carries the registration request.
type RegisterInput struct {
	Email    string
	Password string
	Name     string
	Username string
	Device   domain.DeviceInfo
	IP       string
}

// Register creates an account. When email verification is required the
// account starts in pending_verification and no tokens are issued.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (RegisterResult, error) {
	ctx, span := s.tracer.Start(ctx, "AuthService.Register")
	defer span.End()

	email := normalizeEmail(in.Email)
	if fieldErrs := validateRegistration(email, in.Password); len(fieldErrs) > 0 {
		return RegisterResult{}, validationError("Registration input is invalid.", fieldErrs...)
	}

	if count, err := s.limiter.Hit(ctx, registerRateKey(in.IP), s.cfg.RegisterRateWindow); err == nil && count > s.cfg.RegisterRateLimit {
		return RegisterResult{}, rateLimited()
	}

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		// Same shape as a validation failure so the endpoint cannot be used
		// to probe which addresses exist.
		return RegisterResult{}, validationError("Registration input is invalid.",
			FieldError{Field: "email", Message: "cannot be used", Value: email})
	} else if !errors.Is(err, domain.ErrNotFound) {
		span.RecordError(err)
		return RegisterResult{}, serverError(err)
	}

	hash, err := password.Hash(in.Password)
	if err != nil {
		span.RecordError(err)
		return RegisterResult{}, serverError(err)
	}

	status := domain.StatusActive
	if s.cfg.RequireEmailVerification {
		status = domain.StatusPendingVerification
	}

	user := domain.User{
		ID:           s.node.Generate().Int64(),
		Email:        email,
		Username:     strings.TrimSpace(in.Username),
		PasswordHash: hash,
		Name:         strings.TrimSpace(in.Name),
		Role:         "user",
		Status:       status,
	}
	created, err := s.users.Create(ctx, user)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return RegisterResult{}, validationError("Registration input is invalid.",
				FieldError{Field: "email", Message: "cannot be used", Value: email})
		}
		span.RecordError(err)
		return RegisterResult{}, serverError(err)
	}

	s.audit("user.registered", "user_id", created.ID, "email", created.Email, "status", created.Status)

	result := RegisterResult{
		User:                      NewUserView(created),
		RequiresEmailVerification: status == domain.StatusPendingVerification,
	}
	if status != domain.StatusActive {
		return result, nil
	}

	session, pair, err := s.issueTokens(ctx, created, in.Device, in.IP)
	if err != nil {
		return RegisterResult{}, err
	}
	result.Tokens = &pair
	result.SessionID = session.ID
	return result, nil
}

// LoginInput carries the login request.
type LoginInput struct {
	Email             string
	Password          string
	Device            domain.DeviceInfo
	IP                string
	DeviceFingerprint string
}

// Login authenticates a password credential. A fully authenticated login
// returns tokens; an account with MFA enabled returns a challenge instead,
// unless the request comes from a trusted device.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	ctx, span := s.tracer.Start(ctx, "AuthService.Login")
	defer span.End()

	email := normalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return LoginResult{}, invalidCredentials()
	}

	// Rate limit is keyed on both IP and email so one address cannot be
	// brute forced from many sources nor one source spray many addresses.
	count, err := s.limiter.Hit(ctx, loginRateKey(in.IP, email), s.cfg.LoginRateWindow)
	if err != nil {
		span.RecordError(err)
		return LoginResult{}, serverError(err)
	}
	if count > s.cfg.LoginRateLimit {
		s.audit("login.rate_limited", "ip", in.IP, "email", email)
		return LoginResult{}, rateLimited()
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Burn a hash verification so absent accounts take as long as
			// wrong passwords.
			password.VerifyDecoy(in.Password)
			return LoginResult{}, invalidCredentials()
		}
		span.RecordError(err)
		return LoginResult{}, serverError(err)
	}

	now := s.clock.Now().UTC()
	if user.LockExpired(now) {
		if err := s.users.UpdateStatus(ctx, user.ID, domain.StatusActive, nil, ""); err != nil {
			span.RecordError(err)
			return LoginResult{}, serverError(err)
		}
		if err := s.users.ResetFailedLogins(ctx, user.ID); err != nil {
			span.RecordError(err)
			return LoginResult{}, serverError(err)
		}
		user.Status = domain.StatusActive
		user.LockedUntil = nil
	}

	if err := statusGate(user); err != nil {
		return LoginResult{}, err
	}

	if !user.HasPassword() {
		// OAuth-only account. Indistinguishable from a wrong password.
		password.VerifyDecoy(in.Password)
		return LoginResult{}, invalidCredentials()
	}

	valid, err := password.Verify(in.Password, user.PasswordHash)
	if err != nil {
		span.RecordError(err)
		return LoginResult{}, serverError(err)
	}
	if !valid {
		return LoginResult{}, s.recordFailedLogin(ctx, user, now)
	}

	if err := s.users.ResetFailedLogins(ctx, user.ID); err != nil {
		span.RecordError(err)
		return LoginResult{}, serverError(err)
	}
	if err := s.limiter.Reset(ctx, loginRateKey(in.IP, email)); err != nil {
		s.log().Warn("failed to reset login rate counter", zap.Error(err))
	}

	mfaEnabled, err := s.mfa.Enabled(ctx, user.ID)
	if err != nil {
		span.RecordError(err)
		return LoginResult{}, serverError(err)
	}
	if mfaEnabled && in.DeviceFingerprint != "" {
		trusted, err := s.sessions.IsTrustedDevice(ctx, user.ID, in.DeviceFingerprint)
		if err != nil {
			span.RecordError(err)
			return LoginResult{}, serverError(err)
		}
		if trusted {
			mfaEnabled = false
			s.audit("login.mfa_skipped_trusted_device", "user_id", user.ID)
		}
	}

	if mfaEnabled {
		challenge, err := s.mfa.IssueChallenge(ctx, user.ID, in.Device)
		if err != nil {
			return LoginResult{}, err
		}
		s.audit("login.mfa_required", "user_id", user.ID, "challenge_id", challenge.ChallengeID)
		return LoginResult{User: NewUserView(user), Challenge: &challenge}, nil
	}

	session, pair, err := s.issueTokens(ctx, user, in.Device, in.IP)
	if err != nil {
		return LoginResult{}, err
	}
	s.audit("login.succeeded", "user_id", user.ID, "session_id", session.ID)
	return LoginResult{User: NewUserView(user), Tokens: &pair, SessionID: session.ID}, nil
}

// CompleteMFALogin finishes a challenged login by verifying the second
// factor, then issues tokens like a normal login.
func (s *AuthService) CompleteMFALogin(ctx context.Context, challengeID, method, code, ip, userAgent string) (LoginResult, error) {
	ctx, span := s.tracer.Start(ctx, "AuthService.CompleteMFALogin")
	defer span.End()

	challenge, err := s.mfa.VerifyChallenge(ctx, challengeID, method, code, ip, userAgent)
	if err != nil {
		return LoginResult{}, err
	}

	user, err := s.users.GetByID(ctx, challenge.UserID)
	if err != nil {
		span.RecordError(err)
		return LoginResult{}, serverError(err)
	}
	if err := statusGate(user); err != nil {
		return LoginResult{}, err
	}

	session, pair, err := s.issueTokens(ctx, user, challenge.Device, ip)
	if err != nil {
		return LoginResult{}, err
	}
	s.audit("login.mfa_completed", "user_id", user.ID, "session_id", session.ID, "method", method)
	return LoginResult{User: NewUserView(user), Tokens: &pair, SessionID: session.ID}, nil
}

// IssueSession finishes a login whose credential was verified elsewhere,
// such as an OAuth callback. The status gate and MFA challenge apply the
// same as for password logins.
func (s *AuthService) IssueSession(ctx context.Context, user domain.User, device domain.DeviceInfo, ip string) (LoginResult, error) {
	ctx, span := s.tracer.Start(ctx, "AuthService.IssueSession")
	defer span.End()

	if err := statusGate(user); err != nil {
		return LoginResult{}, err
	}

	mfaEnabled, err := s.mfa.Enabled(ctx, user.ID)
	if err != nil {
		span.RecordError(err)
		return LoginResult{}, serverError(err)
	}
	if mfaEnabled {
		challenge, err := s.mfa.IssueChallenge(ctx, user.ID, device)
		if err != nil {
			return LoginResult{}, err
		}
		return LoginResult{User: NewUserView(user), Challenge: &challenge}, nil
	}

	session, pair, err := s.issueTokens(ctx, user, device, ip)
	if err != nil {
		return LoginResult{}, err
	}
	s.audit("login.succeeded", "user_id", user.ID, "session_id", session.ID)
	return LoginResult{User: NewUserView(user), Tokens: &pair, SessionID: session.ID}, nil
}

// Refresh rotates a refresh token. The presented token is consumed; a reused
// token means theft, so every session token for that user is revoked.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	ctx, span := s.tracer.Start(ctx, "AuthService.Refresh")
	defer span.End()

	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, newError(CodeTokenInvalid, "Refresh token is required.", http.StatusUnauthorized)
	}

	stored, err := s.tokens.GetByToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return TokenPair{}, newError(CodeTokenInvalid, "Refresh token is invalid.", http.StatusUnauthorized)
		}
		span.RecordError(err)
		return TokenPair{}, serverError(err)
	}

	now := s.clock.Now().UTC()
	if stored.Revoked {
		// A revoked token being presented again means it leaked. Kill every
		// refresh token the user holds.
		if err := s.tokens.RevokeAllForUser(ctx, stored.UserID); err != nil {
			span.RecordError(err)
		}
		s.audit("token.replay_detected", "user_id", stored.UserID, "token_id", stored.ID)
		return TokenPair{}, newError(CodeTokenRevoked, "Refresh token has been revoked.", http.StatusUnauthorized)
	}
	if now.After(stored.ExpiresAt) {
		return TokenPair{}, newError(CodeTokenExpired, "Refresh token has expired.", http.StatusUnauthorized)
	}

	session, err := s.sessions.Get(ctx, stored.SessionID)
	if err != nil {
		return TokenPair{}, err
	}

	user, err := s.users.GetByID(ctx, stored.UserID)
	if err != nil {
		span.RecordError(err)
		return TokenPair{}, serverError(err)
	}
	if err := statusGate(user); err != nil {
		return TokenPair{}, err
	}

	next, err := s.newRefreshToken()
	if err != nil {
		span.RecordError(err)
		return TokenPair{}, serverError(err)
	}
	if err := s.tokens.Rotate(ctx, stored.ID, refreshToken, next, now.Add(s.cfg.RefreshTokenTTL)); err != nil {
		if errors.Is(err, domain.ErrTokenRotated) {
			// Lost the race to a concurrent refresh with the same token.
			// Treat it exactly like replay.
			if revokeErr := s.tokens.RevokeAllForUser(ctx, stored.UserID); revokeErr != nil {
				span.RecordError(revokeErr)
			}
			s.audit("token.replay_detected", "user_id", stored.UserID, "token_id", stored.ID)
			return TokenPair{}, newError(CodeTokenRevoked, "Refresh token has been revoked.", http.StatusUnauthorized)
		}
		span.RecordError(err)
		return TokenPair{}, serverError(err)
	}

	if err := s.sessions.Touch(ctx, session.ID); err != nil {
		s.log().Warn("failed to touch session", zap.Error(err))
	}

	access, err := s.jwt.GenerateAccessToken(ctx, user, session.ID, s.cfg.Issuer)
	if err != nil {
		span.RecordError(err)
		return TokenPair{}, serverError(err)
	}

	s.audit("token.refreshed", "user_id", user.ID, "session_id", session.ID)
	return TokenPair{
		AccessToken:  access,
		RefreshToken: next,
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
		TokenType:    "Bearer",
	}, nil
}

// Logout terminates the session behind the presented refresh token. Unknown
// or already revoked tokens still succeed.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	ctx, span := s.tracer.Start(ctx, "AuthService.Logout")
	defer span.End()

	stored, err := s.tokens.GetByToken(ctx, strings.TrimSpace(refreshToken))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		span.RecordError(err)
		return serverError(err)
	}
	if err := s.sessions.Terminate(ctx, stored.SessionID); err != nil {
		return err
	}
	s.audit("logout", "user_id", stored.UserID, "session_id", stored.SessionID)
	return nil
}

// LogoutAll terminates every session and refresh token the user holds.
func (s *AuthService) LogoutAll(ctx context.Context, userID int64) error {
	ctx, span := s.tracer.Start(ctx, "AuthService.LogoutAll")
	defer span.End()

	if err := s.sessions.TerminateAll(ctx, userID); err != nil {
		return err
	}
	s.audit("logout.all", "user_id", userID)
	return nil
}

// ChangePassword verifies the current password, applies the policy to the
// new one, and revokes every other session afterwards.
func (s *AuthService) ChangePassword(ctx context.Context, userID int64, current, next, keepSessionID string) error {
	ctx, span := s.tracer.Start(ctx, "AuthService.ChangePassword")
	defer span.End()

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return newError(CodeNotFound, "User not found.", http.StatusNotFound)
		}
		span.RecordError(err)
		return serverError(err)
	}

	if user.HasPassword() {
		valid, err := password.Verify(current, user.PasswordHash)
		if err != nil {
			span.RecordError(err)
			return serverError(err)
		}
		if !valid {
			return invalidCredentials()
		}
	}

	if violations := password.ValidatePolicy(next); len(violations) > 0 {
		fieldErrs := make([]FieldError, 0, len(violations))
		for _, v := range violations {
			fieldErrs = append(fieldErrs, FieldError{Field: "newPassword", Message: v.Message})
		}
		return validationError("Password does not meet the policy.", fieldErrs...)
	}

	hash, err := password.Hash(next)
	if err != nil {
		span.RecordError(err)
		return serverError(err)
	}
	if err := s.users.UpdatePassword(ctx, userID, hash, s.clock.Now().UTC()); err != nil {
		span.RecordError(err)
		return serverError(err)
	}

	// Other sessions are evicted so a stolen session dies with the old
	// password. The session making the change survives.
	if keepSessionID != "" {
		if err := s.sessions.TerminateOthers(ctx, userID, keepSessionID); err != nil {
			return err
		}
	} else {
		if err := s.sessions.TerminateAll(ctx, userID); err != nil {
			return err
		}
	}

	s.audit("password.changed", "user_id", userID)
	return nil
}

// CurrentUser loads the account behind an authenticated request.
func (s *AuthService) CurrentUser(ctx context.Context, userID int64) (UserView, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return UserView{}, newError(CodeNotFound, "User not found.", http.StatusNotFound)
		}
		return UserView{}, serverError(err)
	}
	return NewUserView(user), nil
}

func (s *AuthService) recordFailedLogin(ctx context.Context, user domain.User, now time.Time) error {
	failures, err := s.users.IncrementFailedLogins(ctx, user.ID)
	if err != nil {
		return serverError(err)
	}
	if failures >= s.cfg.MaxLoginAttempts {
		until := now.Add(s.cfg.LoginLockDuration)
		if err := s.users.UpdateStatus(ctx, user.ID, domain.StatusLocked, &until, "too many failed login attempts"); err != nil {
			return serverError(err)
		}
		s.audit("account.locked", "user_id", user.ID, "locked_until", until)
		return newError(CodeAccountLocked, "Account is temporarily locked due to failed login attempts.", http.StatusLocked)
	}
	return invalidCredentials()
}

// issueTokens creates a session, an access token, and a refresh token bound
// to that session.
func (s *AuthService) issueTokens(ctx context.Context, user domain.User, device domain.DeviceInfo, ip string) (domain.Session, TokenPair, error) {
	session, err := s.sessions.Create(ctx, user.ID, device, ip)
	if err != nil {
		return domain.Session{}, TokenPair{}, err
	}

	access, err := s.jwt.GenerateAccessToken(ctx, user, session.ID, s.cfg.Issuer)
	if err != nil {
		return domain.Session{}, TokenPair{}, serverError(err)
	}

	refresh, err := s.newRefreshToken()
	if err != nil {
		return domain.Session{}, TokenPair{}, serverError(err)
	}
	now := s.clock.Now().UTC()
	if _, err := s.tokens.Create(ctx, domain.RefreshToken{
		ID:        s.node.Generate().Int64(),
		UserID:    user.ID,
		SessionID: session.ID,
		Token:     refresh,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
		CreatedAt: now,
	}); err != nil {
		return domain.Session{}, TokenPair{}, serverError(err)
	}

	return session, TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
		TokenType:    "Bearer",
	}, nil
}

func (s *AuthService) newRefreshToken() (string, error) {
	raw := make([]byte, s.cfg.RefreshTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func (s *AuthService) audit(event string, attrs ...any) {
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

func (s *AuthService) log() *zap.Logger {
	if s.logger != nil {
		return s.logger
	}
	return zap.L()
}

// statusGate rejects logins for any account that is not active.
func statusGate(user domain.User) error {
	switch user.Status {
	case domain.StatusActive:
		return nil
	case domain.StatusLocked:
		return newError(CodeAccountLocked, "Account is temporarily locked.", http.StatusLocked)
	case domain.StatusSuspended:
		return newError(CodeAccountSuspended, "Account is suspended.", http.StatusForbidden)
	case domain.StatusInactive:
		return newError(CodeAccountInactive, "Account is inactive.", http.StatusForbidden)
	case domain.StatusPendingVerification:
		return newError(CodePendingVerify, "Email address has not been verified.", http.StatusForbidden)
	default:
		return newError(CodeAccountInactive, "Account cannot sign in.", http.StatusForbidden)
	}
}

func validateRegistration(email, pass string) []FieldError {
	var fieldErrs []FieldError
	if email == "" {
		fieldErrs = append(fieldErrs, FieldError{Field: "email", Message: "required"})
	} else if _, err := mail.ParseAddress(email); err != nil {
		fieldErrs = append(fieldErrs, FieldError{Field: "email", Message: "must be a valid email address", Value: email})
	}
	for _, v := range password.ValidatePolicy(pass) {
		fieldErrs = append(fieldErrs, FieldError{Field: "password", Message: v.Message})
	}
	return fieldErrs
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func loginRateKey(ip, email string) string {
	return fmt.Sprintf("login:rl:%s:%s", ip, email)
}

func registerRateKey(ip string) string {
	return fmt.Sprintf("register:rl:%s", ip)
}
