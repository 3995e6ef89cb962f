package apiv1

import (
	"net/http"
	"strings"

	"github.com/beam-cloud/airsync/pkg/auth"
	"github.com/labstack/echo/v4"
)

// NewAuthMiddleware resolves the caller from a bearer token. Browsers cannot
// set headers on websocket upgrades, so the token query parameter is accepted
// as well.
func NewAuthMiddleware(authn auth.Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
			if token == "" {
				token = c.QueryParam("token")
			}

			id, err := authn.Authenticate(c.Request().Context(), token)
			if err != nil {
				return HandleError(c, err)
			}

			ctx := auth.WithIdentity(c.Request().Context(), id)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// RequireProject rejects callers whose identity does not cover :project_id
func RequireProject() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			projectID := c.Param("project_id")
			if projectID == "" {
				return ErrorResponse(c, http.StatusBadRequest, "project_id required")
			}
			if err := auth.RequireProjectAccess(c.Request().Context(), projectID); err != nil {
				return HandleError(c, err)
			}
			return next(c)
		}
	}
}
