package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-access/internal/handler"
	"github.com/iliyamo/event-access/internal/middleware"
	"github.com/iliyamo/event-access/internal/utils"
)

// RegisterCheckin registers the checkpoint endpoints.  Every route needs a
// session; verification additionally needs the VERIFIER role and the
// scanner key.  rateLimit runs after authentication so buckets can be
// keyed by user.
func RegisterCheckin(e *echo.Echo, h *handler.CheckinHandler, jwtSecret, verifierKeyHash string, rateLimit echo.MiddlewareFunc) {
	g := e.Group("/v1", middleware.JWTAuth(jwtSecret), rateLimit)

	g.POST("/checkins/tokens", h.IssueToken, middleware.RequireRole(utils.RoleParticipant))
	g.GET("/me/checkins", h.MyCheckins, middleware.RequireRole(utils.RoleParticipant))
	g.POST("/checkins/verify", h.VerifyToken,
		middleware.RequireRole(utils.RoleVerifier),
		middleware.RequireVerifierKey(verifierKeyHash),
	)
}
