package middleware // reusable HTTP middleware for the access API

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-access/internal/apperr"
	"github.com/iliyamo/event-access/internal/utils"
)

// Context keys set by JWTAuth.
const (
	ctxUserID = "user_id"
	ctxRole   = "role"
)

// JWTAuth returns an Echo middleware that validates a Bearer session token
// and injects the caller's user id (uint64) and role into the request
// context.  The secret must match the one used by the identity service
// that issued the token.  Handlers read the values back with UserID and
// Role.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// A valid header looks like "Bearer <jwt>".
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(auth, "Bearer ") {
				return reject(c, 0, apperr.E(apperr.KindUnauthenticated, apperr.ReasonMissingSession, "missing bearer token"))
			}
			raw := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))

			// ParseSessionToken pins HS256 and requires an expiry.
			claims, err := utils.ParseSessionToken(secret, raw)
			if err != nil {
				return reject(c, 0, apperr.E(apperr.KindUnauthenticated, apperr.ReasonInvalidSession, "invalid or expired session"))
			}

			c.Set(ctxUserID, claims.UserID)
			c.Set(ctxRole, claims.Role)
			return next(c)
		}
	}
}
