package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/consultly/auth-service/internal/service"
)

// envelope is the uniform response shape for every endpoint.
type envelope struct {
	Success bool                 `json:"success"`
	Code    string               `json:"code,omitempty"`
	Message string               `json:"message,omitempty"`
	Data    any                  `json:"data,omitempty"`
	Errors  []service.FieldError `json:"errors,omitempty"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func respondMessage(c *gin.Context, status int, message string) {
	c.JSON(status, envelope{Success: true, Message: message})
}

// respondError maps service errors onto the envelope. Internal failures are
// attached to the gin context for the request logger; the wrapped cause never
// enters a response body.
func respondError(c *gin.Context, err error) {
	var svcErr *service.Error
	if errors.As(err, &svcErr) {
		if svcErr.Status >= http.StatusInternalServerError {
			_ = c.Error(err)
		}
		c.JSON(svcErr.Status, envelope{
			Success: false,
			Code:    svcErr.Code,
			Message: svcErr.Message,
			Errors:  svcErr.Fields,
		})
		return
	}
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, envelope{
		Success: false,
		Code:    service.CodeServerError,
		Message: "An internal error occurred.",
	})
}

func respondBadPayload(c *gin.Context) {
	c.JSON(http.StatusBadRequest, envelope{Success: false, Message: "Invalid request payload."})
}
