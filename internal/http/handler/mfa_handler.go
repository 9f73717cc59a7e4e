package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/consultly/auth-service/internal/http/middleware"
	"github.com/consultly/auth-service/internal/service"
)

// MFAHandler serves enrollment, verification, and backup-code endpoints.
type MFAHandler struct {
	MFA  *service.MFAService
	Auth *service.AuthService
}

// NewMFAHandler creates the handler set.
func NewMFAHandler(mfa *service.MFAService, auth *service.AuthService) *MFAHandler {
	return &MFAHandler{MFA: mfa, Auth: auth}
}

func (h *MFAHandler) Setup(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, service.ErrUnauthenticated)
		return
	}
	var req struct {
		Method  string `json:"method"`
		Contact string `json:"contact"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadPayload(c)
		return
	}

	view, err := h.MFA.Setup(c.Request.Context(), userID, req.Method, req.Contact)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, view)
}

func (h *MFAHandler) VerifySetup(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, service.ErrUnauthenticated)
		return
	}
	var req struct {
		Method string `json:"method"`
		Code   string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadPayload(c)
		return
	}

	if err := h.MFA.VerifySetup(c.Request.Context(), userID, req.Method, req.Code); err != nil {
		respondError(c, err)
		return
	}
	respondMessage(c, http.StatusOK, "Method enabled.")
}

// Verify completes a challenged login. It is unauthenticated; the challenge
// id issued at login is the credential here.
func (h *MFAHandler) Verify(c *gin.Context) {
	var req struct {
		ChallengeID string `json:"challengeId"`
		Method      string `json:"method"`
		Code        string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadPayload(c)
		return
	}

	result, err := h.Auth.CompleteMFALogin(c.Request.Context(), req.ChallengeID, req.Method, req.Code, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, result)
}

func (h *MFAHandler) Disable(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, service.ErrUnauthenticated)
		return
	}
	var req struct {
		Method   string `json:"method"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadPayload(c)
		return
	}

	if err := h.MFA.Disable(c.Request.Context(), userID, req.Method, req.Password); err != nil {
		respondError(c, err)
		return
	}
	respondMessage(c, http.StatusOK, "Method disabled.")
}

func (h *MFAHandler) Status(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, service.ErrUnauthenticated)
		return
	}
	view, err := h.MFA.Status(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, view)
}

// BackupCodes regenerates backup codes. The plaintext codes appear in this
// response and nowhere else afterwards.
func (h *MFAHandler) BackupCodes(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondError(c, service.ErrUnauthenticated)
		return
	}
	codes, err := h.MFA.GenerateBackupCodes(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"backupCodes": codes})
}
