package handler

import (
	"errors"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-access/internal/apperr"
	"github.com/iliyamo/event-access/internal/middleware"
)

// writeError renders a service failure.  The "error" field is the most
// specific machine-readable code available: the reason when set, the kind
// otherwise.  Server-side failures are handed to the request logger.
func writeError(c echo.Context, err error) error {
	kind := apperr.KindOf(err)
	msg := "internal error"
	var typed *apperr.Error
	if errors.As(err, &typed) && typed.Message != "" {
		msg = typed.Message
	}
	if kind == apperr.KindInternal || kind == apperr.KindUnavailable {
		middleware.RecordCause(c, err)
	}
	if kind == apperr.KindInternal {
		msg = "internal error"
	}
	return c.JSON(apperr.HTTPStatus(err), echo.Map{
		"error":   apperr.ReasonOf(err),
		"kind":    kind,
		"message": msg,
	})
}

func badRequest(c echo.Context, msg string) error {
	return writeError(c, apperr.E(apperr.KindValidation, "", msg))
}

// getUserID returns the authenticated caller or a typed 401.
func getUserID(c echo.Context) (uint64, error) {
	id, ok := middleware.UserID(c)
	if !ok {
		return 0, apperr.E(apperr.KindUnauthenticated, "", "authentication required")
	}
	return id, nil
}

// pathID parses a positive numeric path parameter.
func pathID(c echo.Context, name string) (uint64, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.E(apperr.KindValidation, "", "invalid "+name)
	}
	return id, nil
}
