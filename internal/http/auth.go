package http

import (
	"crypto/subtle"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// APIKeyAuth rejects requests whose header does not carry key.
//
// The header value is parsed as a GUID, so formatting differences such as
// braces or letter case are accepted. Missing or mismatched keys get 401.
func APIKeyAuth(key uuid.UUID, header string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get(header)
			if raw == "" {
				return unauthorized(c, "api key header missing")
			}

			got, err := uuid.Parse(raw)
			if err != nil || subtle.ConstantTimeCompare(got[:], key[:]) != 1 {
				return unauthorized(c, "api key mismatch")
			}

			return next(c)
		}
	}
}

func unauthorized(c echo.Context, details string) error {
	return c.JSON(http.StatusUnauthorized, map[string]interface{}{
		"error": map[string]interface{}{
			"message": "authentication failed",
			"data": map[string]interface{}{
				"details": details,
			},
		},
	})
}
