package service

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServerErrorKeepsCause(t *testing.T) {
	cause := errors.New("pool exhausted")
	err := serverError(cause)

	require.Equal(t, CodeServerError, err.Code)
	require.Equal(t, http.StatusInternalServerError, err.Status)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "pool exhausted")

	// Client-facing fields stay generic regardless of the cause.
	require.Equal(t, "An internal error occurred.", err.Message)
}

func TestTypedErrorWithoutCause(t *testing.T) {
	err := newError(CodeRateLimited, "Too many attempts. Try again later.", http.StatusTooManyRequests)
	require.NoError(t, errors.Unwrap(err))
	require.Equal(t, "rate_limit_exceeded: Too many attempts. Try again later.", err.Error())
}
