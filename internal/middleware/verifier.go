package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-access/internal/apperr"
	"github.com/iliyamo/event-access/internal/utils"
)

// HeaderVerifierKey carries the shared secret provisioned on checkpoint
// scanners.
const HeaderVerifierKey = "X-Verifier-Key"

// RequireVerifierKey checks the scanner's shared key against keyHash (a
// bcrypt hash).  A session with the VERIFIER role is not enough on its
// own: the request must also come from a provisioned device.
func RequireVerifierKey(keyHash string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get(HeaderVerifierKey)
			if key == "" || !utils.CheckVerifierKey(keyHash, key) {
				return reject(c, 0, apperr.E(apperr.KindUnauthenticated, apperr.ReasonBadVerifierCred, "verifier credential rejected"))
			}
			return next(c)
		}
	}
}
