package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/consultly/auth-service/internal/domain"
	"github.com/consultly/auth-service/internal/http/middleware"
	"github.com/consultly/auth-service/internal/jwt"
	"github.com/consultly/auth-service/internal/service"
)

// AuthHandler serves registration, login, token, and account endpoints.
type AuthHandler struct {
	Auth *service.AuthService
	Keys *jwt.KeyManager
}

// NewAuthHandler creates the handler set.
func NewAuthHandler(auth *service.AuthService, keys *jwt.KeyManager) *AuthHandler {
	return &AuthHandler{Auth: auth, Keys: keys}
}

type deviceRequest struct {
	DeviceID    string `json:"deviceId"`
	Platform    string `json:"platform"`
	Fingerprint string `json:"fingerprint"`
}

func (d deviceRequest) toDomain(userAgent string) domain.DeviceInfo {
	return domain.DeviceInfo{
		DeviceID:    d.DeviceID,
		Platform:    d.Platform,
		UserAgent:   userAgent,
		Fingerprint: d.Fingerprint,
	}
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req struct {
		Email    string        `json:"email"`
		Password string        `json:"password"`
		Name     string        `json:"name"`
		Username string        `json:"username"`
		Device   deviceRequest `json:"device"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadPayload(c)
		return
	}

	result, err := h.Auth.Register(c.Request.Context(), service.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Username: req.Username,
		Device:   req.Device.toDomain(c.Request.UserAgent()),
		IP:       c.ClientIP(),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, result)
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Email    string        `json:"email"`
		Password string        `json:"password"`
		Device   deviceRequest `json:"device"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadPayload(c)
		return
	}

	result, err := h.Auth.Login(c.Request.Context(), service.LoginInput{
		Email:             req.Email,
		Password:          req.Password,
		Device:            req.Device.toDomain(c.Request.UserAgent()),
		IP:                c.ClientIP(),
		DeviceFingerprint: req.Device.Fingerprint,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if result.Challenge != nil {
		// Not a failure. The client proceeds to /auth/mfa/verify.
		c.JSON(http.StatusOK, envelope{
			Success: true,
			Message: "Multi-factor verification required.",
			Data:    result,
		})
		return
	}
	respond(c, http.StatusOK, result)
}

func (h *AuthHandler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadPayload(c)
		return
	}

	pair, err := h.Auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, pair)
}

func (h *AuthHandler) Logout(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadPayload(c)
		return
	}

	if err := h.Auth.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		respondError(c, err)
		return
	}
	respondMessage(c, http.StatusOK, "Logged out.")
}

func (h *AuthHandler) LogoutAll(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, service.ErrUnauthenticated)
		return
	}
	if err := h.Auth.LogoutAll(c.Request.Context(), userID); err != nil {
		respondError(c, err)
		return
	}
	respondMessage(c, http.StatusOK, "All sessions terminated.")
}

func (h *AuthHandler) ChangePassword(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, service.ErrUnauthenticated)
		return
	}
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadPayload(c)
		return
	}

	sessionID := ""
	if claims, ok := middleware.GetAccessClaims(c); ok {
		sessionID = claims.SessionID
	}
	if err := h.Auth.ChangePassword(c.Request.Context(), userID, req.CurrentPassword, req.NewPassword, sessionID); err != nil {
		respondError(c, err)
		return
	}
	respondMessage(c, http.StatusOK, "Password changed.")
}

func (h *AuthHandler) Me(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, service.ErrUnauthenticated)
		return
	}
	user, err := h.Auth.CurrentUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, user)
}

// JWKS exposes the verification keys.
func (h *AuthHandler) JWKS(c *gin.Context) {
	jwks, err := h.Keys.JWKS(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jwks)
}
