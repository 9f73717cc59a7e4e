package jwt_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/consultly/auth-service/internal/domain"
	"github.com/consultly/auth-service/internal/jwt"
)

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

const issuer = "https://auth.test"

func newGenerator(t *testing.T, clock clockwork.Clock) (*jwt.Generator, *jwt.KeyManager) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	manager := jwt.NewKeyManager(&memKeyRepo{}, node)
	return jwt.NewGenerator(manager, 24*time.Hour, clock), manager
}

func testUser() domain.User {
	return domain.User{ID: 42, Email: "user@example.com", Name: "Test User", Role: "user"}
}

func TestGenerateAndValidateAccessToken(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	generator, _ := newGenerator(t, clock)
	ctx := context.Background()

	token, err := generator.GenerateAccessToken(ctx, testUser(), "session-1", issuer)
	require.NoError(t, err)
	require.Len(t, strings.Split(token, "."), 3)

	std, custom, err := generator.ValidateAccessToken(ctx, token, issuer)
	require.NoError(t, err)
	require.Equal(t, "42", std.Subject)
	require.Equal(t, issuer, std.Issuer)
	require.Equal(t, "user@example.com", custom.Email)
	require.Equal(t, "user", custom.Role)
	require.Equal(t, "session-1", custom.SessionID)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	generator, _ := newGenerator(t, clock)
	ctx := context.Background()

	token, err := generator.GenerateAccessToken(ctx, testUser(), "session-1", issuer)
	require.NoError(t, err)

	clock.Advance(24*time.Hour + 2*time.Minute)
	_, _, err = generator.ValidateAccessToken(ctx, token, issuer)
	require.Error(t, err)
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	generator, _ := newGenerator(t, clock)
	ctx := context.Background()

	token, err := generator.GenerateAccessToken(ctx, testUser(), "session-1", issuer)
	require.NoError(t, err)

	_, _, err = generator.ValidateAccessToken(ctx, token, "https://elsewhere.test")
	require.Error(t, err)
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	generator, _ := newGenerator(t, clock)
	other, _ := newGenerator(t, clock)
	ctx := context.Background()

	token, err := other.GenerateAccessToken(ctx, testUser(), "session-1", issuer)
	require.NoError(t, err)

	// The validating side must have a key of its own.
	_, err = generator.GenerateAccessToken(ctx, testUser(), "session-2", issuer)
	require.NoError(t, err)

	_, _, err = generator.ValidateAccessToken(ctx, token, issuer)
	require.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	generator, _ := newGenerator(t, clock)
	ctx := context.Background()

	_, err := generator.GenerateAccessToken(ctx, testUser(), "session-1", issuer)
	require.NoError(t, err)

	_, _, err = generator.ValidateAccessToken(ctx, "not.a.jwt", issuer)
	require.Error(t, err)
}

func TestKeyManagerReusesActiveKey(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	manager := jwt.NewKeyManager(&memKeyRepo{}, node)
	ctx := context.Background()

	first, err := manager.EnsureSigningKey(ctx)
	require.NoError(t, err)
	second, err := manager.EnsureSigningKey(ctx)
	require.NoError(t, err)
	require.Equal(t, first.KID, second.KID)
	require.Equal(t, first.Secret, second.Secret)
}

func TestJWKSWithholdsSymmetricKeys(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	manager := jwt.NewKeyManager(&memKeyRepo{}, node)
	ctx := context.Background()

	set, err := manager.JWKS(ctx)
	require.NoError(t, err)
	require.Empty(t, set.Keys)

	// The active HS256 secret must never appear in the serialized set.
	key, err := manager.ActiveKey(ctx)
	require.NoError(t, err)
	raw, err := json.Marshal(set)
	require.NoError(t, err)
	require.NotContains(t, string(raw), base64.RawURLEncoding.EncodeToString(key.Secret))
	require.NotContains(t, string(raw), key.KID)
}
