package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-access/internal/apperr"
	"github.com/iliyamo/event-access/internal/model"
	"github.com/iliyamo/event-access/internal/repository"
	"github.com/iliyamo/event-access/internal/service"
)

// CheckinHandler serves token issuance for participants and redemption
// for gate scanners.  JWT authentication, role checks and the scanner key
// are enforced by middleware before these methods run.
type CheckinHandler struct {
	Issuer    *service.TokenIssuer
	Verifier  *service.TokenVerifier
	Directory service.EntityDirectory
}

// NewCheckinHandler wires a CheckinHandler and panics on a nil dependency.
func NewCheckinHandler(issuer *service.TokenIssuer, verifier *service.TokenVerifier, directory service.EntityDirectory) *CheckinHandler {
	if issuer == nil || verifier == nil || directory == nil {
		panic("nil dependency passed to NewCheckinHandler")
	}
	return &CheckinHandler{Issuer: issuer, Verifier: verifier, Directory: directory}
}

// callerTeam resolves the team the session user belongs to.
func callerTeam(c echo.Context, dir service.EntityDirectory) (*model.Entity, error) {
	uid, err := getUserID(c)
	if err != nil {
		return nil, err
	}
	team, err := dir.FindByMember(c.Request().Context(), uid)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.E(apperr.KindUnauthorized, "", "caller is not a member of any team")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, apperr.ReasonStoreUnavailable, "team lookup failed", err)
	}
	return team, nil
}

type issueRequest struct {
	Checkpoint string `json:"checkpoint"`
}

// IssueToken handles POST /v1/checkins/tokens.  The token is bound to the
// caller's own team.  The raw secret appears in this response only.
func (h *CheckinHandler) IssueToken(c echo.Context) error {
	team, err := callerTeam(c, h.Directory)
	if err != nil {
		return writeError(c, err)
	}
	var body issueRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	tok, err := h.Issuer.Issue(c.Request().Context(), team.ID, body.Checkpoint)
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.JSON(http.StatusCreated, tok)
}

type verifyRequest struct {
	RawToken string `json:"raw_token"`
}

type verifyResponse struct {
	OK               bool      `json:"ok"`
	EntityID         uint64    `json:"entity_id"`
	EntityLabel      string    `json:"entity_label"`
	Checkpoint       string    `json:"checkpoint"`
	AlreadyCheckedIn bool      `json:"already_checked_in"`
	CheckedInAt      time.Time `json:"checked_in_at"`
}

// VerifyToken handles POST /v1/checkins/verify.  A replayed scan still
// answers 200, with already_checked_in set and the original timestamp.
func (h *CheckinHandler) VerifyToken(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return writeError(c, err)
	}
	var body verifyRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	r, err := h.Verifier.Verify(c.Request().Context(), body.RawToken, verifierIdentity(uid))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, verifyResponse{
		OK:               true,
		EntityID:         r.EntityID,
		EntityLabel:      r.EntityLabel,
		Checkpoint:       r.Checkpoint,
		AlreadyCheckedIn: r.AlreadyRedeemed,
		CheckedInAt:      r.RedeemedAt,
	})
}

// verifierIdentity is what the ledger records as recorded_by.
func verifierIdentity(userID uint64) string {
	return fmt.Sprintf("verifier:%d", userID)
}

// MyCheckins handles GET /v1/me/checkins.
func (h *CheckinHandler) MyCheckins(c echo.Context) error {
	team, err := callerTeam(c, h.Directory)
	if err != nil {
		return writeError(c, err)
	}
	recs, err := h.Verifier.Arrivals(c.Request().Context(), team.ID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"entity_id":    team.ID,
		"entity_label": team.Label,
		"checkins":     recs,
	})
}
