package apiv1

import (
	"context"
	"errors"
	"net/http"

	"github.com/beam-cloud/airsync/pkg/auth"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

const (
	HttpServerBaseRoute string = "/api/v1"
	HttpServerRootRoute string = ""
)

// Response is a standard API response structure
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// SuccessResponse returns a successful response
func SuccessResponse(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// ErrorResponse returns an error response
func ErrorResponse(c echo.Context, code int, message string) error {
	return c.JSON(code, Response{
		Success: false,
		Error:   message,
	})
}

// HandleError maps engine errors to status codes
func HandleError(c echo.Context, err error) error {
	status, code := ErrorStatus(err)
	if status == http.StatusServiceUnavailable {
		c.Response().Header().Set("Retry-After", "5")
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.JSON(status, Response{
		Success: false,
		Error:   err.Error(),
		Code:    code,
	})
}

// ErrorStatus returns the HTTP status and a stable error code for err
func ErrorStatus(err error) (int, string) {
	switch {
	case (&types.ErrSandboxUnavailable{}).From(err):
		return http.StatusServiceUnavailable, "sandbox_unavailable"
	case (&types.ErrPathInvalid{}).From(err):
		return http.StatusBadRequest, "path_invalid"
	case (&types.ErrAlreadyLocked{}).From(err):
		return http.StatusConflict, "already_locked"
	case (&types.ErrNotLockHolder{}).From(err):
		return http.StatusConflict, "not_lock_holder"
	case (&types.ErrEntryExists{}).From(err):
		return http.StatusConflict, "entry_exists"
	case (&types.ErrSyncConflict{}).From(err):
		return http.StatusConflict, "sync_conflict"
	case (&types.ErrTerminalProcessExited{}).From(err):
		return http.StatusGone, "terminal_exited"
	case (&types.ErrPermissionDenied{}).From(err), errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, auth.ErrAuthRequired):
		return http.StatusUnauthorized, "auth_required"
	case (&types.ErrSessionNotFound{}).From(err):
		return http.StatusNotFound, "session_not_found"
	case (&types.ErrEntryNotFound{}).From(err):
		return http.StatusNotFound, "entry_not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}
