package service_test

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/consultly/auth-service/internal/adapter/oauth"
	"github.com/consultly/auth-service/internal/config"
	"github.com/consultly/auth-service/internal/domain"
	"github.com/consultly/auth-service/internal/jwt"
	"github.com/consultly/auth-service/internal/repository"
	"github.com/consultly/auth-service/internal/service"
)

// fixture wires every service against in-memory stores and a fake clock.
type fixture struct {
	clock    *clockwork.FakeClock
	cfg      config.Config
	users    *memUserRepo
	links    *memProviderRepo
	mfaRepo  *memMFARepo
	sessions *memSessionRepo
	devices  *memDeviceRepo
	tokens   *memTokenRepo
	store    *memStore
	sender   *recordingSender
	oauthAPI *fakeProviderClient

	sessionSvc *service.SessionService
	mfaSvc     *service.MFAService
	authSvc    *service.AuthService
	oauthSvc   *service.OAuthService
	generator  *jwt.Generator
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, nil)
}

// newFixtureWith applies a config override before wiring the services.
func newFixtureWith(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Config{
		ServiceName:           "consultly-auth",
		Issuer:                "https://auth.test",
		AccessTokenTTL:        24 * time.Hour,
		RefreshTokenTTL:       30 * 24 * time.Hour,
		RefreshTokenBytes:     32,
		MaxLoginAttempts:      5,
		LoginLockDuration:     15 * time.Minute,
		LoginRateLimit:        10,
		LoginRateWindow:       15 * time.Minute,
		RegisterRateLimit:     100,
		RegisterRateWindow:    time.Hour,
		ChallengeTTL:          5 * time.Minute,
		SetupTTL:              10 * time.Minute,
		DeliveryCodeTTL:       10 * time.Minute,
		SMSDailyCap:           10,
		EmailDailyCap:         20,
		MaxConcurrentSessions: 5,
		SessionPolicy:         config.SessionPolicyEvictOldest,
		SessionTTL:            30 * 24 * time.Hour,
		SessionIdleTimeout:    7 * 24 * time.Hour,
		TrustedDeviceTTL:      30 * 24 * time.Hour,
		OAuthRedirectBaseURL:  "https://auth.test",
		OAuthProviders: []domain.OAuthProviderConfig{
			{
				Provider:     "google",
				DisplayName:  "Google",
				ClientID:     "client",
				ClientSecret: "secret",
				AuthURL:      "https://provider.test/auth",
				TokenURL:     "https://provider.test/token",
				UserInfoURL:  "https://provider.test/userinfo",
				Scopes:       []string{"openid", "email"},
			},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	f := &fixture{
		clock:    clock,
		cfg:      cfg,
		users:    newMemUserRepo(),
		links:    &memProviderRepo{},
		mfaRepo:  newMemMFARepo(),
		sessions: &memSessionRepo{byID: map[string]*domain.Session{}},
		devices:  &memDeviceRepo{},
		tokens:   &memTokenRepo{},
		store:    newMemStore(clock),
		sender:   &recordingSender{},
		oauthAPI: &fakeProviderClient{},
	}

	logger := zap.NewNop()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	keyManager := jwt.NewKeyManager(&memKeyRepo{}, node)
	f.generator = jwt.NewGenerator(keyManager, cfg.AccessTokenTTL, clock)

	f.sessionSvc = service.NewSessionService(f.sessions, f.devices, f.tokens, clock, cfg, logger)
	f.mfaSvc = service.NewMFAService(f.users, f.links, f.mfaRepo, f.store, f.store, f.store, f.sender, clock, cfg, logger)
	f.authSvc = service.NewAuthService(f.users, f.tokens, f.store, f.sessionSvc, f.mfaSvc, f.generator, node, clock, cfg, logger)
	f.oauthSvc = service.NewOAuthService(f.users, f.links, f.store, f.oauthAPI, node, clock, cfg, logger)
	return f
}

func (f *fixture) addUser(u domain.User) domain.User {
	return f.users.put(u)
}

// --- user repo ---

type memUserRepo struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*domain.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{nextID: 1, byID: map[int64]*domain.User{}}
}

func (m *memUserRepo) put(u domain.User) domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		u.ID = m.nextID
	}
	m.nextID = u.ID + 1
	copied := u
	m.byID[u.ID] = &copied
	return u
}

func (m *memUserRepo) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if strings.EqualFold(u.Email, email) {
			return *u, nil
		}
	}
	return domain.User{}, domain.ErrNotFound
}

func (m *memUserRepo) GetByID(ctx context.Context, userID int64) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[userID]; ok {
		return *u, nil
	}
	return domain.User{}, domain.ErrNotFound
}

func (m *memUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	m.mu.Lock()
	for _, u := range m.byID {
		if strings.EqualFold(u.Email, user.Email) {
			m.mu.Unlock()
			return domain.User{}, domain.ErrConflict
		}
	}
	m.mu.Unlock()
	return m.put(user), nil
}

func (m *memUserRepo) UpdatePassword(ctx context.Context, userID int64, passwordHash string, changedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.PasswordChangedAt = &changedAt
	return nil
}

func (m *memUserRepo) UpdateStatus(ctx context.Context, userID int64, status string, lockedUntil *time.Time, lockReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.Status = status
	u.LockedUntil = lockedUntil
	u.LockReason = lockReason
	return nil
}

func (m *memUserRepo) IncrementFailedLogins(ctx context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[userID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	u.FailedLogins++
	return u.FailedLogins, nil
}

func (m *memUserRepo) ResetFailedLogins(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[userID]; ok {
		u.FailedLogins = 0
	}
	return nil
}

// --- provider links ---

type memProviderRepo struct {
	mu    sync.Mutex
	links []domain.ProviderLink
}

func (m *memProviderRepo) ListByUser(ctx context.Context, userID int64) ([]domain.ProviderLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ProviderLink
	for _, l := range m.links {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memProviderRepo) GetByIdentity(ctx context.Context, provider, providerID string) (domain.ProviderLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.Provider == provider && l.ProviderID == providerID {
			return l, nil
		}
	}
	return domain.ProviderLink{}, domain.ErrNotFound
}

func (m *memProviderRepo) Create(ctx context.Context, link domain.ProviderLink) (domain.ProviderLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.Provider == link.Provider && l.ProviderID == link.ProviderID {
			return domain.ProviderLink{}, domain.ErrConflict
		}
	}
	m.links = append(m.links, link)
	return link, nil
}

func (m *memProviderRepo) Delete(ctx context.Context, userID int64, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.links[:0]
	for _, l := range m.links {
		if !(l.UserID == userID && l.Provider == provider) {
			kept = append(kept, l)
		}
	}
	m.links = kept
	return nil
}

// --- mfa ---

type memMFARepo struct {
	mu      sync.Mutex
	configs map[int64]*domain.MFAConfig
	backups map[int64][]*domain.BackupCode
	history map[int64][]domain.VerificationRecord
	sends   map[string]int
}

func newMemMFARepo() *memMFARepo {
	return &memMFARepo{
		configs: map[int64]*domain.MFAConfig{},
		backups: map[int64][]*domain.BackupCode{},
		history: map[int64][]domain.VerificationRecord{},
		sends:   map[string]int{},
	}
}

func (m *memMFARepo) Get(ctx context.Context, userID int64) (domain.MFAConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.configs[userID]; ok {
		copied := *cfg
		copied.EnabledMethods = append([]string{}, cfg.EnabledMethods...)
		return copied, nil
	}
	return domain.MFAConfig{UserID: userID}, nil
}

func (m *memMFARepo) Upsert(ctx context.Context, cfg domain.MFAConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := cfg
	m.configs[cfg.UserID] = &copied
	return nil
}

func (m *memMFARepo) IncrementFailures(ctx context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[userID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	cfg.ConsecutiveFailures++
	return cfg.ConsecutiveFailures, nil
}

func (m *memMFARepo) ResetFailures(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.configs[userID]; ok {
		cfg.ConsecutiveFailures = 0
		cfg.IsLocked = false
		cfg.LockedUntil = nil
		cfg.LockReason = ""
	}
	return nil
}

func (m *memMFARepo) SetLock(ctx context.Context, userID int64, lockedUntil *time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[userID]
	if !ok {
		return domain.ErrNotFound
	}
	cfg.IsLocked = true
	cfg.LockedUntil = lockedUntil
	cfg.LockReason = reason
	return nil
}

func (m *memMFARepo) RecordVerification(ctx context.Context, rec domain.VerificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := append(m.history[rec.UserID], rec)
	if len(records) > domain.VerificationHistoryLimit {
		records = records[len(records)-domain.VerificationHistoryLimit:]
	}
	m.history[rec.UserID] = records
	return nil
}

func (m *memMFARepo) ListVerifications(ctx context.Context, userID int64, limit int) ([]domain.VerificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.history[userID]
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return append([]domain.VerificationRecord{}, records...), nil
}

func (m *memMFARepo) ReplaceBackupCodes(ctx context.Context, userID int64, codeHashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var fresh []*domain.BackupCode
	for i, h := range codeHashes {
		fresh = append(fresh, &domain.BackupCode{ID: int64(i + 1), UserID: userID, CodeHash: h})
	}
	m.backups[userID] = fresh
	return nil
}

func (m *memMFARepo) RedeemBackupCode(ctx context.Context, userID int64, codeHash string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, code := range m.backups[userID] {
		if code.CodeHash != codeHash {
			continue
		}
		if code.IsUsed {
			return domain.ErrCodeAlreadyUsed
		}
		code.IsUsed = true
		code.UsedAt = &usedAt
		return nil
	}
	return domain.ErrNotFound
}

func (m *memMFARepo) CountUnusedBackupCodes(ctx context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, code := range m.backups[userID] {
		if !code.IsUsed {
			count++
		}
	}
	return count, nil
}

func (m *memMFARepo) IncrementSendCount(ctx context.Context, userID int64, method string, resetAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[userID]; !ok {
		return 0, domain.ErrNotFound
	}
	key := strconv.FormatInt(userID, 10) + ":" + method + ":" + resetAt.Format("2006-01-02")
	m.sends[key]++
	return m.sends[key], nil
}

// --- sessions ---

type memSessionRepo struct {
	mu   sync.Mutex
	byID map[string]*domain.Session
}

func (m *memSessionRepo) Create(ctx context.Context, session domain.Session) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := session
	m.byID[session.ID] = &copied
	return session, nil
}

func (m *memSessionRepo) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byID[sessionID]; ok {
		return *s, nil
	}
	return domain.Session{}, domain.ErrNotFound
}

func (m *memSessionRepo) ListActive(ctx context.Context, userID int64, now time.Time) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, s := range m.byID {
		if s.UserID == userID && s.RevokedAt == nil && now.Before(s.ExpiresAt) {
			out = append(out, *s)
		}
	}
	// Oldest first, matching the eviction order of the SQL query.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.Before(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *memSessionRepo) Touch(ctx context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byID[sessionID]; ok {
		s.LastActivityAt = at
	}
	return nil
}

func (m *memSessionRepo) Revoke(ctx context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byID[sessionID]; ok && s.RevokedAt == nil {
		s.RevokedAt = &at
	}
	return nil
}

func (m *memSessionRepo) RevokeAll(ctx context.Context, userID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byID {
		if s.UserID == userID && s.RevokedAt == nil {
			revokedAt := at
			s.RevokedAt = &revokedAt
		}
	}
	return nil
}

func (m *memSessionRepo) RevokeOthers(ctx context.Context, userID int64, exceptSessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byID {
		if s.UserID == userID && s.ID != exceptSessionID && s.RevokedAt == nil {
			revokedAt := at
			s.RevokedAt = &revokedAt
		}
	}
	return nil
}

// --- trusted devices ---

type memDeviceRepo struct {
	mu      sync.Mutex
	devices []domain.TrustedDevice
}

func (m *memDeviceRepo) Create(ctx context.Context, device domain.TrustedDevice) (domain.TrustedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.devices {
		if d.UserID == device.UserID && d.Fingerprint == device.Fingerprint {
			m.devices[i] = device
			return device, nil
		}
	}
	m.devices = append(m.devices, device)
	return device, nil
}

func (m *memDeviceRepo) GetByFingerprint(ctx context.Context, userID int64, fingerprint string) (domain.TrustedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.UserID == userID && d.Fingerprint == fingerprint {
			return d, nil
		}
	}
	return domain.TrustedDevice{}, domain.ErrNotFound
}

func (m *memDeviceRepo) ListByUser(ctx context.Context, userID int64) ([]domain.TrustedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TrustedDevice
	for _, d := range m.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memDeviceRepo) Delete(ctx context.Context, userID int64, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.devices[:0]
	for _, d := range m.devices {
		if !(d.UserID == userID && d.ID == deviceID) {
			kept = append(kept, d)
		}
	}
	m.devices = kept
	return nil
}

// --- refresh tokens ---

type memTokenRepo struct {
	mu     sync.Mutex
	tokens []*domain.RefreshToken
}

func (m *memTokenRepo) Create(ctx context.Context, token domain.RefreshToken) (domain.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := token
	m.tokens = append(m.tokens, &copied)
	return token, nil
}

func (m *memTokenRepo) GetByToken(ctx context.Context, token string) (domain.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.Token == token {
			return *t, nil
		}
	}
	return domain.RefreshToken{}, domain.ErrNotFound
}

func (m *memTokenRepo) Rotate(ctx context.Context, tokenID int64, oldToken, newToken string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.ID == tokenID && t.Token == oldToken && !t.Revoked {
			t.Token = newToken
			t.ExpiresAt = expiresAt
			return nil
		}
	}
	return domain.ErrTokenRotated
}

func (m *memTokenRepo) Revoke(ctx context.Context, tokenID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.ID == tokenID {
			t.Revoked = true
		}
	}
	return nil
}

func (m *memTokenRepo) RevokeBySession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.SessionID == sessionID {
			t.Revoked = true
		}
	}
	return nil
}

func (m *memTokenRepo) RevokeAllForUser(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.UserID == userID {
			t.Revoked = true
		}
	}
	return nil
}

func (m *memTokenRepo) active(userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, t := range m.tokens {
		if t.UserID == userID && !t.Revoked {
			count++
		}
	}
	return count
}

// --- signing keys ---

type memKeyRepo struct {
	mu  sync.Mutex
	key *domain.SigningKey
}

func (m *memKeyRepo) GetActiveKey(ctx context.Context) (domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil {
		return domain.SigningKey{}, domain.ErrNotFound
	}
	return *m.key, nil
}

func (m *memKeyRepo) CreateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := key
	m.key = &copied
	return key, nil
}

// --- short-lived state ---

type storedValue struct {
	expiresAt time.Time
	challenge *domain.MFAChallenge
	setup     *domain.PendingSetup
	code      string
	state     *domain.OAuthState
	count     int
}

// memStore implements the Redis-backed store interfaces with TTLs driven by
// the fake clock.
type memStore struct {
	mu    sync.Mutex
	clock clockwork.Clock
	data  map[string]*storedValue
}

func newMemStore(clock clockwork.Clock) *memStore {
	return &memStore{clock: clock, data: map[string]*storedValue{}}
}

var (
	_ repository.ChallengeStore  = (*memStore)(nil)
	_ repository.SetupStore      = (*memStore)(nil)
	_ repository.CodeStore       = (*memStore)(nil)
	_ repository.AttemptLimiter  = (*memStore)(nil)
	_ repository.OAuthStateStore = (*memStore)(nil)
)

func (m *memStore) get(key string) *storedValue {
	v, ok := m.data[key]
	if !ok {
		return nil
	}
	if m.clock.Now().After(v.expiresAt) {
		delete(m.data, key)
		return nil
	}
	return v
}

func (m *memStore) SaveChallenge(ctx context.Context, challenge domain.MFAChallenge, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data["challenge:"+challenge.ID] = &storedValue{expiresAt: m.clock.Now().Add(ttl), challenge: &challenge}
	return nil
}

func (m *memStore) GetChallenge(ctx context.Context, challengeID string) (*domain.MFAChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := m.get("challenge:" + challengeID); v != nil {
		copied := *v.challenge
		return &copied, nil
	}
	return nil, nil
}

func (m *memStore) DeleteChallenge(ctx context.Context, challengeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, "challenge:"+challengeID)
	return nil
}

func setupStoreKey(userID int64, method string) string {
	return "setup:" + method + ":" + strconv.FormatInt(userID, 10)
}

func (m *memStore) SaveSetup(ctx context.Context, setup domain.PendingSetup, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[setupStoreKey(setup.UserID, setup.Method)] = &storedValue{expiresAt: m.clock.Now().Add(ttl), setup: &setup}
	return nil
}

func (m *memStore) GetSetup(ctx context.Context, userID int64, method string) (*domain.PendingSetup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := m.get(setupStoreKey(userID, method)); v != nil {
		copied := *v.setup
		return &copied, nil
	}
	return nil, nil
}

func (m *memStore) DeleteSetup(ctx context.Context, userID int64, method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, setupStoreKey(userID, method))
	return nil
}

func codeStoreKey(userID int64, method string) string {
	return "code:" + method + ":" + strconv.FormatInt(userID, 10)
}

func (m *memStore) SaveCode(ctx context.Context, userID int64, method, codeHash string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[codeStoreKey(userID, method)] = &storedValue{expiresAt: m.clock.Now().Add(ttl), code: codeHash}
	return nil
}

func (m *memStore) ConsumeCode(ctx context.Context, userID int64, method string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := codeStoreKey(userID, method)
	if v := m.get(key); v != nil {
		delete(m.data, key)
		return v.code, nil
	}
	return "", nil
}

func (m *memStore) Hit(ctx context.Context, key string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.get("limit:" + key)
	if v == nil {
		v = &storedValue{expiresAt: m.clock.Now().Add(window)}
		m.data["limit:"+key] = v
	}
	v.count++
	return v.count, nil
}

func (m *memStore) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, "limit:"+key)
	return nil
}

func (m *memStore) SaveState(ctx context.Context, key string, data domain.OAuthState, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data["state:"+key] = &storedValue{expiresAt: m.clock.Now().Add(ttl), state: &data}
	return nil
}

func (m *memStore) GetState(ctx context.Context, key string) (*domain.OAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := m.get("state:" + key); v != nil {
		copied := *v.state
		return &copied, nil
	}
	return nil, nil
}

func (m *memStore) DeleteState(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, "state:"+key)
	return nil
}

// --- notification sender ---

type sentMessage struct {
	Channel string
	To      string
	Body    string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (r *recordingSender) SendSMS(ctx context.Context, to, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{Channel: "sms", To: to, Body: body})
	return nil
}

func (r *recordingSender) SendEmail(ctx context.Context, to, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{Channel: "email", To: to, Body: body})
	return nil
}

// lastCode extracts the 6-digit code from the most recent message.
func (r *recordingSender) lastCode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return ""
	}
	body := r.sent[len(r.sent)-1].Body
	fields := strings.Fields(body)
	return fields[len(fields)-1]
}

// --- oauth provider ---

type fakeProviderClient struct {
	info     *domain.OAuthUserInfo
	exchange error
}

var _ oauth.ProviderClient = (*fakeProviderClient)(nil)

func (f *fakeProviderClient) ExchangeCode(ctx context.Context, provider domain.OAuthProviderConfig, code, codeVerifier, redirectURI string) (*domain.OAuthTokenResponse, error) {
	if f.exchange != nil {
		return nil, f.exchange
	}
	return &domain.OAuthTokenResponse{AccessToken: "provider-access-token", TokenType: "Bearer"}, nil
}

func (f *fakeProviderClient) FetchUserInfo(ctx context.Context, provider domain.OAuthProviderConfig, accessToken string) (*domain.OAuthUserInfo, error) {
	if f.info == nil {
		return &domain.OAuthUserInfo{Subject: "ext-1", Email: "oauth@example.com", Name: "OAuth User", Verified: true}, nil
	}
	copied := *f.info
	return &copied, nil
}
