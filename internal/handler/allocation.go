package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-access/internal/apperr"
	"github.com/iliyamo/event-access/internal/middleware"
	"github.com/iliyamo/event-access/internal/model"
	"github.com/iliyamo/event-access/internal/repository"
	"github.com/iliyamo/event-access/internal/service"
	"github.com/iliyamo/event-access/internal/utils"
)

// AllocationHandler serves challenge slot allocation and the catalog.
type AllocationHandler struct {
	Allocator *service.ResourceAllocator
	Directory service.EntityDirectory
}

// NewAllocationHandler wires an AllocationHandler and panics on a nil
// dependency.
func NewAllocationHandler(allocator *service.ResourceAllocator, directory service.EntityDirectory) *AllocationHandler {
	if allocator == nil || directory == nil {
		panic("nil dependency passed to NewAllocationHandler")
	}
	return &AllocationHandler{Allocator: allocator, Directory: directory}
}

// resourceRef accepts the unit either as a JSON number (id) or a string
// (id or title).
type resourceRef string

func (r *resourceRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = resourceRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*r = resourceRef(n.String())
	return nil
}

type allocateRequest struct {
	EntityID       uint64      `json:"entity_id"`
	ResourceDomain string      `json:"resource_domain"`
	Resource       resourceRef `json:"resource"`
}

type assignmentView struct {
	EntityID   uint64             `json:"entity_id"`
	ResourceID uint64             `json:"resource_id"`
	AssignedAt string             `json:"assigned_at"`
	Resource   model.ResourceUnit `json:"resource"`
}

func viewOf(a service.Allocation) assignmentView {
	return assignmentView{
		EntityID:   a.Assignment.EntityID,
		ResourceID: a.Assignment.ResourceID,
		AssignedAt: a.Assignment.AssignedAt.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
		Resource:   a.Resource,
	}
}

// Allocate handles POST /v1/allocations.  An unknown team is 404; only the
// team's representative may claim a slot.  A new assignment answers 201, an idempotent replay
// 200; both carry the assignment.
func (h *AllocationHandler) Allocate(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return writeError(c, err)
	}
	var body allocateRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.EntityID == 0 {
		return badRequest(c, "entity_id is required")
	}
	ctx := c.Request().Context()
	if _, err := h.Directory.GetByID(ctx, body.EntityID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return writeError(c, apperr.E(apperr.KindNotFound, apperr.ReasonUnknownEntity, "unknown team"))
		}
		return writeError(c, apperr.Wrap(apperr.KindUnavailable, apperr.ReasonStoreUnavailable, "team lookup failed", err))
	}
	ok, err := h.Directory.IsRepresentative(ctx, body.EntityID, uid)
	if err != nil {
		return writeError(c, apperr.Wrap(apperr.KindUnavailable, apperr.ReasonStoreUnavailable, "team lookup failed", err))
	}
	if !ok {
		return writeError(c, apperr.E(apperr.KindUnauthorized, apperr.ReasonNotRepresentative, "only the team representative may claim a slot"))
	}

	got, err := h.Allocator.Allocate(ctx, service.AllocateRequest{
		EntityID: body.EntityID,
		Domain:   body.ResourceDomain,
		Resource: string(body.Resource),
	})
	if err != nil {
		return writeError(c, err)
	}
	status := http.StatusCreated
	if got.Replayed {
		status = http.StatusOK
	}
	return c.JSON(status, echo.Map{
		"success":          true,
		"assignment":       viewOf(got),
		"already_assigned": got.Replayed,
	})
}

// ListResources handles GET /v1/resources?domain=.
func (h *AllocationHandler) ListResources(c echo.Context) error {
	units, err := h.Allocator.ListResources(c.Request().Context(), c.QueryParam("domain"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"resources": units})
}

// TeamAssignment handles GET /v1/teams/:id/assignment.  Members see their
// own team; admins see any.
func (h *AllocationHandler) TeamAssignment(c echo.Context) error {
	teamID, err := pathID(c, "id")
	if err != nil {
		return writeError(c, err)
	}
	if role, _ := middleware.Role(c); role != utils.RoleAdmin {
		team, err := callerTeam(c, h.Directory)
		if err != nil {
			return writeError(c, err)
		}
		if team.ID != teamID {
			return writeError(c, apperr.E(apperr.KindUnauthorized, "", "not your team"))
		}
	}
	got, err := h.Allocator.AssignmentFor(c.Request().Context(), teamID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"assignment": viewOf(got)})
}
