package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/consultly/auth-service/internal/domain"
	"github.com/consultly/auth-service/internal/http/middleware"
	"github.com/consultly/auth-service/internal/service"
)

// OAuthHandler serves provider discovery, the authorize round-trip, and
// link management.
type OAuthHandler struct {
	OAuth *service.OAuthService
	Auth  *service.AuthService
}

// NewOAuthHandler creates the handler set.
func NewOAuthHandler(oauth *service.OAuthService, auth *service.AuthService) *OAuthHandler {
	return &OAuthHandler{OAuth: oauth, Auth: auth}
}

func (h *OAuthHandler) Providers(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{"providers": h.OAuth.ListProviders()})
}

// Start begins a login flow with the named provider.
func (h *OAuthHandler) Start(c *gin.Context) {
	view, err := h.OAuth.StartAuthorization(c.Request.Context(), c.Param("provider"), 0)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, view)
}

// StartLink begins a link flow bound to the authenticated user. Completing
// the callback attaches the identity instead of logging in.
func (h *OAuthHandler) StartLink(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, service.ErrUnauthenticated)
		return
	}
	view, err := h.OAuth.StartAuthorization(c.Request.Context(), c.Param("provider"), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, view)
}

// Callback completes the provider round-trip. Login flows come back with
// tokens; link flows come back with a confirmation.
func (h *OAuthHandler) Callback(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, envelope{Success: false, Message: "code and state are required."})
		return
	}

	result, err := h.OAuth.HandleCallback(c.Request.Context(), c.Param("provider"), code, state)
	if err != nil {
		respondError(c, err)
		return
	}

	if result.Linked {
		respondMessage(c, http.StatusOK, "Provider linked.")
		return
	}

	login, err := h.Auth.IssueSession(c.Request.Context(), result.User, domain.DeviceInfo{UserAgent: c.Request.UserAgent()}, c.ClientIP())
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	respond(c, status, login)
}

func (h *OAuthHandler) Link(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, service.ErrUnauthenticated)
		return
	}
	var req struct {
		Code  string `json:"code"`
		State string `json:"state"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadPayload(c)
		return
	}

	view, err := h.OAuth.Link(c.Request.Context(), userID, c.Param("provider"), req.Code, req.State)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, view)
}

func (h *OAuthHandler) Unlink(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, service.ErrUnauthenticated)
		return
	}
	if err := h.OAuth.Unlink(c.Request.Context(), userID, c.Param("provider")); err != nil {
		respondError(c, err)
		return
	}
	respondMessage(c, http.StatusOK, "Provider unlinked.")
}

func (h *OAuthHandler) Linked(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, service.ErrUnauthenticated)
		return
	}
	views, err := h.OAuth.ListLinked(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"providers": views})
}
