package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/consultly/auth-service/internal/http/middleware"
	"github.com/consultly/auth-service/internal/service"
)

// SessionHandler serves session listing, termination, and trusted devices.
type SessionHandler struct {
	Sessions *service.SessionService
}

// NewSessionHandler creates the handler set.
func NewSessionHandler(sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{Sessions: sessions}
}

func currentSessionID(c *gin.Context) string {
	if claims, ok := middleware.GetAccessClaims(c); ok {
		return claims.SessionID
	}
	return ""
}

// Current returns the session behind this request.
func (h *SessionHandler) Current(c *gin.Context) {
	if _, ok := middleware.GetUserID(c); !ok {
		respondError(c, service.ErrUnauthenticated)
		return
	}
	session, err := h.Sessions.Get(c.Request.Context(), currentSessionID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, service.SessionView{
		SessionID:      session.ID,
		Device:         session.Device,
		IP:             session.IP,
		CreatedAt:      session.CreatedAt,
		LastActivityAt: session.LastActivityAt,
		ExpiresAt:      session.ExpiresAt,
		IsCurrent:      true,
	})
}

func (h *SessionHandler) List(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, service.ErrUnauthenticated)
		return
	}
	views, err := h.Sessions.List(c.Request.Context(), userID, currentSessionID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"sessions": views})
}

func (h *SessionHandler) Terminate(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, service.ErrUnauthenticated)
		return
	}
	sessionID := c.Param("sessionId")

	// A session can only be terminated by its owner.
	session, err := h.Sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if session.UserID != userID {
		respondError(c, service.ErrUnauthenticated)
		return
	}

	if err := h.Sessions.Terminate(c.Request.Context(), sessionID); err != nil {
		respondError(c, err)
		return
	}
	respondMessage(c, http.StatusOK, "Session terminated.")
}

func (h *SessionHandler) TerminateOthers(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, service.ErrUnauthenticated)
		return
	}
	if err := h.Sessions.TerminateOthers(c.Request.Context(), userID, currentSessionID(c)); err != nil {
		respondError(c, err)
		return
	}
	respondMessage(c, http.StatusOK, "Other sessions terminated.")
}

func (h *SessionHandler) TerminateAll(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, service.ErrUnauthenticated)
		return
	}
	if err := h.Sessions.TerminateAll(c.Request.Context(), userID); err != nil {
		respondError(c, err)
		return
	}
	respondMessage(c, http.StatusOK, "All sessions terminated.")
}

func (h *SessionHandler) TrustDevice(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, service.ErrUnauthenticated)
		return
	}
	var req struct {
		Fingerprint string `json:"fingerprint"`
		Name        string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadPayload(c)
		return
	}

	device, err := h.Sessions.TrustDevice(c.Request.Context(), userID, req.Fingerprint, req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{
		"deviceId":  device.ID,
		"name":      device.Name,
		"trustedAt": device.TrustedAt,
		"expiresAt": device.ExpiresAt,
	})
}

func (h *SessionHandler) RemoveTrustedDevice(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, service.ErrUnauthenticated)
		return
	}
	if err := h.Sessions.RemoveTrustedDevice(c.Request.Context(), userID, c.Param("deviceId")); err != nil {
		respondError(c, err)
		return
	}
	respondMessage(c, http.StatusOK, "Trusted device removed.")
}
