package jwt

import (
	"context"
	"fmt"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/jonboulle/clockwork"

	"github.com/consultly/auth-service/internal/domain"
)

// Generator is responsible for signing and validating access tokens.
type Generator struct {
	keys      *KeyManager
	accessTTL time.Duration
	clock     clockwork.Clock
}

// NewGenerator constructs a JWT generator.
func NewGenerator(manager *KeyManager, accessTTL time.Duration, clock clockwork.Clock) *Generator {
	return &Generator{keys: manager, accessTTL: accessTTL, clock: clock}
}

// AccessTokenClaims represent the JWT payload for access tokens.
type AccessTokenClaims struct {
	Role      string `json:"role"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	SessionID string `json:"sid"`
}

// GenerateAccessToken produces a signed JWT bound to a session.
func (g *Generator) GenerateAccessToken(ctx context.Context, user domain.User, sessionID, issuer string) (string, error) {
	key, err := g.keys.EnsureSigningKey(ctx)
	if err != nil {
		return "", fmt.Errorf("ensure signing key: %w", err)
	}

	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.SignatureAlgorithm(key.Algorithm), Key: key.Secret},
		(&gojose.SignerOptions{}).WithType("JWT").WithHeader("kid", key.KID),
	)
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	now := g.clock.Now().UTC()
	stdClaims := gojwt.Claims{
		Subject:   fmt.Sprintf("%d", user.ID),
		Issuer:    issuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(now.Add(g.accessTTL)),
		NotBefore: gojwt.NewNumericDate(now),
	}

	custom := AccessTokenClaims{
		Role:      user.Role,
		Email:     user.Email,
		Name:      user.Name,
		SessionID: sessionID,
	}

	token, err := gojwt.Signed(signer).Claims(stdClaims).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize jwt: %w", err)
	}

	return token, nil
}

// ValidateAccessToken ensures the token is valid and returns its claims.
func (g *Generator) ValidateAccessToken(ctx context.Context, token, issuer string) (*gojwt.Claims, *AccessTokenClaims, error) {
	key, err := g.keys.ActiveKey(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load key: %w", err)
	}

	allowedAlgorithms := []gojose.SignatureAlgorithm{gojose.SignatureAlgorithm(key.Algorithm)}
	parsed, err := gojwt.ParseSigned(token, allowedAlgorithms)
	if err != nil {
		return nil, nil, fmt.Errorf("parse token: %w", err)
	}

	var std gojwt.Claims
	var custom AccessTokenClaims
	if err := parsed.Claims(key.Secret, &std, &custom); err != nil {
		return nil, nil, fmt.Errorf("verify token: %w", err)
	}

	if err := std.Validate(gojwt.Expected{Issuer: issuer, Time: g.clock.Now()}); err != nil {
		return nil, nil, fmt.Errorf("validate claims: %w", err)
	}

	return &std, &custom, nil
}
