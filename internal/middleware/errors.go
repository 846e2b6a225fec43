package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-access/internal/apperr"
)

// reject answers with the same {error, kind, message} body the handlers
// use.  status overrides the kind's default when non-zero.
func reject(c echo.Context, status int, err *apperr.Error) error {
	if status == 0 {
		status = apperr.HTTPStatus(err)
	}
	return c.JSON(status, echo.Map{
		"error":   apperr.ReasonOf(err),
		"kind":    err.Kind,
		"message": err.Message,
	})
}
