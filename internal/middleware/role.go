package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-access/internal/apperr"
)

// RequireRole returns a middleware that only lets through callers whose
// session role is one of roles.  It must run after JWTAuth, which stores
// the role in the context.  Other callers get 403 role_not_allowed.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	// Build a set of allowed roles for constant-time lookups.
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, ok := Role(c)
			if !ok || !allowed[role] {
				return reject(c, 0, apperr.E(apperr.KindUnauthorized, apperr.ReasonRoleNotAllowed, "role not allowed"))
			}
			return next(c)
		}
	}
}
