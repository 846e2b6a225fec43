package middleware

// identity.go holds the accessors for the caller identity that JWTAuth
// stores in the Echo context, plus the string form used in rate-limit and
// cache keys.

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

// UserID returns the authenticated user's id.  ok is false when no session
// was attached to the request.
func UserID(c echo.Context) (uint64, bool) {
	id, ok := c.Get(ctxUserID).(uint64)
	return id, ok && id != 0
}

// Role returns the authenticated user's role.
func Role(c echo.Context) (string, bool) {
	role, ok := c.Get(ctxRole).(string)
	return role, ok && role != ""
}

// currentUserID renders the caller for key building.  Anonymous callers
// share the "anon" bucket.
func currentUserID(c echo.Context) string {
	if id, ok := UserID(c); ok {
		return strconv.FormatUint(id, 10)
	}
	return "anon"
}
