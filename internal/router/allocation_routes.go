package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-access/internal/handler"
	"github.com/iliyamo/event-access/internal/middleware"
	"github.com/iliyamo/event-access/internal/utils"
)

// RegisterAllocation registers slot allocation and the resource catalog.
// Representative checks happen in the handler since they depend on the
// team named in the body.  Only the catalog listing is cached.
func RegisterAllocation(e *echo.Echo, h *handler.AllocationHandler, jwtSecret string, rateLimit, cache echo.MiddlewareFunc) {
	g := e.Group("/v1", middleware.JWTAuth(jwtSecret), rateLimit)

	g.POST("/allocations", h.Allocate, middleware.RequireRole(utils.RoleParticipant))
	g.GET("/resources", h.ListResources, cache)
	g.GET("/teams/:id/assignment", h.TeamAssignment, middleware.RequireRole(utils.RoleParticipant, utils.RoleAdmin))
}
