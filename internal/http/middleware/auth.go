package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	gojwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/consultly/auth-service/internal/config"
	"github.com/consultly/auth-service/internal/jwt"
)

const (
	accessClaimsKey = "accessClaims"
	stdClaimsKey    = "stdClaims"
	userIDKey       = "userID"
)

// Auth validates Authorization header and attaches claims.
type Auth struct {
	Tokens *jwt.Generator
	Config config.Config
}

// ValidateJWT ensures the request carries a valid bearer token.
func (m *Auth) ValidateJWT(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" {
		unauthorized(c, "Authorization header required.")
		return
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		unauthorized(c, "Bearer token required.")
		return
	}

	claims, custom, err := m.Tokens.ValidateAccessToken(c.Request.Context(), parts[1], m.Config.Issuer)
	if err != nil {
		unauthorized(c, "Invalid access token.")
		return
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		unauthorized(c, "Invalid access token.")
		return
	}

	c.Set(stdClaimsKey, claims)
	c.Set(accessClaimsKey, custom)
	c.Set(userIDKey, userID)
	c.Next()
}

func unauthorized(c *gin.Context, description string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"message": description,
	})
}

// GetAccessClaims exposes custom access token claims to handlers.
func GetAccessClaims(c *gin.Context) (*jwt.AccessTokenClaims, bool) {
	value, ok := c.Get(accessClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*jwt.AccessTokenClaims)
	return claims, ok
}

// GetStdClaims returns standard JWT claims set.
func GetStdClaims(c *gin.Context) (*gojwt.Claims, bool) {
	value, ok := c.Get(stdClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*gojwt.Claims)
	return claims, ok
}

// GetUserID returns the authenticated user's id.
func GetUserID(c *gin.Context) (int64, bool) {
	value, ok := c.Get(userIDKey)
	if !ok {
		return 0, false
	}
	id, ok := value.(int64)
	return id, ok
}
