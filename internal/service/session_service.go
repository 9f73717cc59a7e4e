package service

import (
	"context"
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

	"github.com/consultly/auth-service/internal/config"
	"github.com/consultly/auth-service/internal/domain"
	"github.com/consultly/auth-service/internal/repository"
)

// SessionService tracks active device sessions and trusted devices.
type SessionService struct {
	sessions repository.SessionRepository
	devices  repository.TrustedDeviceRepository
	tokens   repository.TokenRepository
	clock    clockwork.Clock
	cfg      config.Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewSessionService wires dependencies.
func NewSessionService(sessions repository.SessionRepository, devices repository.TrustedDeviceRepository, tokens repository.TokenRepository, clock clockwork.Clock, cfg config.Config, logger *zap.Logger) *SessionService {
	return &SessionService{
		sessions: sessions,
		devices:  devices,
		tokens:   tokens,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/consultly/auth-service/internal/service"),
	}
}

// Create opens a session for the user. When the concurrent session cap is
// reached the configured policy either evicts the oldest session or refuses
// the new one.
func (s *SessionService) Create(ctx context.Context, userID int64, device domain.DeviceInfo, ip string) (domain.Session, error) {
	ctx, span := s.tracer.Start(ctx, "SessionService.Create")
	defer span.End()

	now := s.clock.Now().UTC()
	active, err := s.activeSessions(ctx, userID, now)
	if err != nil {
		span.RecordError(err)
		return domain.Session{}, serverError(err)
	}

	if s.cfg.MaxConcurrentSessions > 0 && len(active) >= s.cfg.MaxConcurrentSessions {
		if s.cfg.SessionPolicy == config.SessionPolicyRefuse {
			return domain.Session{}, newError(CodeValidation, "Maximum number of concurrent sessions reached.", http.StatusConflict)
		}
		oldest := active[0]
		if err := s.sessions.Revoke(ctx, oldest.ID, now); err != nil {
			span.RecordError(err)
			return domain.Session{}, serverError(err)
		}
		if err := s.tokens.RevokeBySession(ctx, oldest.ID); err != nil {
			span.RecordError(err)
			return domain.Session{}, serverError(err)
		}
		s.audit("session.evicted", "user_id", userID, "session_id", oldest.ID)
	}

	session := domain.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Device:         device,
		IP:             ip,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(s.cfg.SessionTTL),
	}
	created, err := s.sessions.Create(ctx, session)
	if err != nil {
		span.RecordError(err)
		return domain.Session{}, serverError(err)
	}
	s.audit("session.created", "user_id", userID, "session_id", created.ID)
	return created, nil
}

// Get returns the session when it is still active; idle and absolute expiry
// are applied lazily here.
func (s *SessionService) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Session{}, newError(CodeNotFound, "Session not found.", http.StatusNotFound)
		}
		return domain.Session{}, serverError(err)
	}
	if !session.Active(s.clock.Now().UTC(), s.cfg.SessionIdleTimeout) {
		return domain.Session{}, newError(CodeTokenExpired, "Session expired.", http.StatusUnauthorized)
	}
	return session, nil
}

// List returns the user's active sessions, flagging the current one.
func (s *SessionService) List(ctx context.Context, userID int64, currentSessionID string) ([]SessionView, error) {
	now := s.clock.Now().UTC()
	active, err := s.activeSessions(ctx, userID, now)
	if err != nil {
		return nil, serverError(err)
	}
	views := make([]SessionView, 0, len(active))
	for _, session := range active {
		views = append(views, SessionView{
			SessionID:      session.ID,
			Device:         session.Device,
			IP:             session.IP,
			CreatedAt:      session.CreatedAt,
			LastActivityAt: session.LastActivityAt,
			ExpiresAt:      session.ExpiresAt,
			IsCurrent:      session.ID == currentSessionID,
		})
	}
	return views, nil
}

// Touch records session activity.
func (s *SessionService) Touch(ctx context.Context, sessionID string) error {
	if err := s.sessions.Touch(ctx, sessionID, s.clock.Now().UTC()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return newError(CodeNotFound, "Session not found.", http.StatusNotFound)
		}
		return serverError(err)
	}
	return nil
}

// Terminate revokes one session and its refresh tokens. Idempotent.
func (s *SessionService) Terminate(ctx context.Context, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "SessionService.Terminate")
	defer span.End()

	now := s.clock.Now().UTC()
	if err := s.sessions.Revoke(ctx, sessionID, now); err != nil {
		span.RecordError(err)
		return serverError(err)
	}
	if err := s.tokens.RevokeBySession(ctx, sessionID); err != nil {
		span.RecordError(err)
		return serverError(err)
	}
	s.audit("session.terminated", "session_id", sessionID)
	return nil
}

// TerminateAll revokes every session for the user. Idempotent.
func (s *SessionService) TerminateAll(ctx context.Context, userID int64) error {
	ctx, span := s.tracer.Start(ctx, "SessionService.TerminateAll")
	defer span.End()

	now := s.clock.Now().UTC()
	if err := s.sessions.RevokeAll(ctx, userID, now); err != nil {
		span.RecordError(err)
		return serverError(err)
	}
	if err := s.tokens.RevokeAllForUser(ctx, userID); err != nil {
		span.RecordError(err)
		return serverError(err)
	}
	s.audit("session.terminated_all", "user_id", userID)
	return nil
}

// TerminateOthers revokes every session except the given one. Idempotent.
func (s *SessionService) TerminateOthers(ctx context.Context, userID int64, exceptSessionID string) error {
	now := s.clock.Now().UTC()
	active, err := s.activeSessions(ctx, userID, now)
	if err != nil {
		return serverError(err)
	}
	if err := s.sessions.RevokeOthers(ctx, userID, exceptSessionID, now); err != nil {
		return serverError(err)
	}
	for _, session := range active {
		if session.ID == exceptSessionID {
			continue
		}
		if err := s.tokens.RevokeBySession(ctx, session.ID); err != nil {
			return serverError(err)
		}
	}
	s.audit("session.terminated_others", "user_id", userID, "kept_session_id", exceptSessionID)
	return nil
}

// TrustDevice exempts a device fingerprint from MFA challenges for the
// configured trust period.
func (s *SessionService) TrustDevice(ctx context.Context, userID int64, fingerprint, name string) (domain.TrustedDevice, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return domain.TrustedDevice{}, validationError("Device fingerprint is required.",
			FieldError{Field: "fingerprint", Message: "required"})
	}
	now := s.clock.Now().UTC()
	device := domain.TrustedDevice{
		ID:          uuid.NewString(),
		UserID:      userID,
		Fingerprint: fingerprint,
		Name:        strings.TrimSpace(name),
		TrustedAt:   now,
		ExpiresAt:   now.Add(s.cfg.TrustedDeviceTTL),
	}
	created, err := s.devices.Create(ctx, device)
	if err != nil {
		return domain.TrustedDevice{}, serverError(err)
	}
	s.audit("device.trusted", "user_id", userID, "device_id", created.ID)
	return created, nil
}

// RemoveTrustedDevice deletes one trusted device entry. Idempotent.
func (s *SessionService) RemoveTrustedDevice(ctx context.Context, userID int64, deviceID string) error {
	if err := s.devices.Delete(ctx, userID, deviceID); err != nil {
		return serverError(err)
	}
	s.audit("device.trust_removed", "user_id", userID, "device_id", deviceID)
	return nil
}

// IsTrustedDevice reports whether the fingerprint has an unexpired trust
// entry for the user.
func (s *SessionService) IsTrustedDevice(ctx context.Context, userID int64, fingerprint string) (bool, error) {
	if strings.TrimSpace(fingerprint) == "" {
		return false, nil
	}
	device, err := s.devices.GetByFingerprint(ctx, userID, fingerprint)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("lookup trusted device: %w", err)
	}
	return s.clock.Now().Before(device.ExpiresAt), nil
}

// activeSessions filters the stored sessions through the idle window; the
// repository already excludes revoked and absolutely expired rows.
func (s *SessionService) activeSessions(ctx context.Context, userID int64, now time.Time) ([]domain.Session, error) {
	stored, err := s.sessions.ListActive(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	active := stored[:0]
	for _, session := range stored {
		if session.Active(now, s.cfg.SessionIdleTimeout) {
			active = append(active, session)
		}
	}
	return active, nil
}

func (s *SessionService) audit(event string, attrs ...any) {
	logger := s.logger
	if logger == nil {
		logger = zap.L()
	}
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
