package ledger

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medledger/medledger/internal/platform/anchorstore"
	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/internal/platform/db"
	"github.com/medledger/medledger/internal/platform/fhir"
	"github.com/medledger/medledger/internal/platform/webhook"
	"github.com/medledger/medledger/pkg/pagination"
)

type Handler struct {
	svc      *Service
	anchors  anchorstore.Store
	notifier *webhook.Notifier
}

func NewHandler(svc *Service, anchors anchorstore.Store) *Handler {
	return &Handler{svc: svc, anchors: anchors}
}

// SetNotifier enables webhook notifications for checkpoint and anchor events.
func (h *Handler) SetNotifier(n *webhook.Notifier) {
	h.notifier = n
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	audit := auth.RequireRole("admin", "auditor")
	admin := auth.RequireRole("admin")

	read := api.Group("/ledger", audit)
	read.GET("/events", h.ListEvents)
	read.GET("/events/:ref", h.GetEvent)
	read.GET("/head", h.GetHead)
	read.POST("/verify", h.Verify)
	read.GET("/checkpoints", h.ListCheckpoints)
	read.GET("/checkpoints/latest", h.GetLatestCheckpoint)
	read.GET("/checkpoints/:id", h.GetCheckpoint)
	read.POST("/checkpoints/:id/verify", h.VerifyCheckpoint)

	write := api.Group("/ledger", admin)
	write.POST("/checkpoints", h.CreateCheckpoint)
	write.POST("/checkpoints/:id/anchor", h.AnchorCheckpoint)

	fhirRead := fhirGroup.Group("", audit)
	fhirRead.GET("/AuditEvent", h.SearchEventsFHIR)
	fhirRead.POST("/AuditEvent/_search", h.SearchEventsFHIR)
	fhirRead.GET("/AuditEvent/:id", h.GetEventFHIR)
}

// GetEvent resolves :ref as a sequence number first, then as an event UUID.
func (h *Handler) GetEvent(c echo.Context) error {
	ref := c.Param("ref")
	ctx := c.Request().Context()

	if seq, err := strconv.ParseInt(ref, 10, 64); err == nil {
		e, err := h.svc.GetBySeq(ctx, seq)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, "ledger event not found")
		}
		return c.JSON(http.StatusOK, e)
	}

	id, err := uuid.Parse(ref)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event reference")
	}
	e, err := h.svc.GetByID(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "ledger event not found")
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) ListEvents(c echo.Context) error {
	pg := pagination.FromContext(c)
	params, err := h.searchParams(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	items, total, err := h.svc.Search(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetHead(c echo.Context) error {
	head, err := h.svc.Head(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if head == nil {
		return echo.NewHTTPError(http.StatusNotFound, "ledger is empty")
	}
	return c.JSON(http.StatusOK, head)
}

type verifyRequest struct {
	FromSeq int64 `json:"from_seq"`
	ToSeq   int64 `json:"to_seq"`
}

func (h *Handler) Verify(c echo.Context) error {
	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	result, err := h.svc.VerifyRange(c.Request().Context(), req.FromSeq, req.ToSeq)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) CreateCheckpoint(c echo.Context) error {
	cp, err := h.svc.Checkpoint(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	h.notifier.Notify(webhook.EventCheckpointCreated, db.TenantFromContext(c.Request().Context()),
		"Checkpoint", cp.ID.String(), cp)
	return c.JSON(http.StatusCreated, cp)
}

func (h *Handler) ListCheckpoints(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListCheckpoints(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetLatestCheckpoint(c echo.Context) error {
	cp, err := h.svc.LatestCheckpoint(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if cp == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no checkpoints recorded")
	}
	return c.JSON(http.StatusOK, cp)
}

func (h *Handler) GetCheckpoint(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	cp, err := h.svc.GetCheckpoint(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "checkpoint not found")
	}
	return c.JSON(http.StatusOK, cp)
}

func (h *Handler) VerifyCheckpoint(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	cp, err := h.svc.GetCheckpoint(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "checkpoint not found")
	}
	if err := h.svc.VerifyCheckpoint(ctx, cp); err != nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"valid": false, "reason": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"valid": true})
}

func (h *Handler) AnchorCheckpoint(c echo.Context) error {
	if h.anchors == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "anchor store is not configured")
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	cp, err := h.svc.GetCheckpoint(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "checkpoint not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	ref, err := h.svc.Anchor(ctx, cp, h.anchors)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	h.notifier.Notify(webhook.EventAnchorCreated, db.TenantFromContext(ctx),
		"Checkpoint", cp.ID.String(), map[string]interface{}{"checkpoint_id": cp.ID, "anchor_ref": ref})
	return c.JSON(http.StatusOK, map[string]interface{}{"anchor_ref": ref, "anchored_at": cp.AnchoredAt})
}

func (h *Handler) SearchEventsFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)
	params, err := h.searchParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	items, total, err := h.svc.Search(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	resources := make([]interface{}, len(items))
	for i, item := range items {
		resources[i] = item.ToFHIR()
	}
	bundle := fhir.NewSearchBundle(resources, total, "/fhir/AuditEvent")
	links := pg.FHIRLinks("/fhir/AuditEvent", total)
	bundle.Link = bundle.Link[:0]
	for _, l := range links {
		bundle.Link = append(bundle.Link, fhir.BundleLink{Relation: l.Relation, URL: l.URL})
	}
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) GetEventFHIR(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("AuditEvent", c.Param("id")))
	}
	e, err := h.svc.GetByID(c.Request().Context(), id)
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("AuditEvent", c.Param("id")))
	}
	return c.JSON(http.StatusOK, e.ToFHIR())
}

// searchParams reads ledger filters from the query string. The agent filter
// accepts the raw actor identity and is hashed before matching, so callers
// never need to know the stored form.
func (h *Handler) searchParams(c echo.Context) (SearchParams, error) {
	params := SearchParams{
		Action:     c.QueryParam("action"),
		EntityType: c.QueryParam("entity_type"),
		EntityID:   c.QueryParam("entity_id"),
		RequestID:  c.QueryParam("request_id"),
	}
	if agent := c.QueryParam("agent"); agent != "" {
		params.AgentID = h.svc.HashActor(agent)
	}
	if v := c.QueryParam("outcome"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return params, errors.New("outcome must be an integer")
		}
		params.Outcome = &n
	}
	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return params, errors.New("from must be an RFC3339 timestamp")
		}
		params.From = &t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return params, errors.New("to must be an RFC3339 timestamp")
		}
		params.To = &t
	}
	return params, nil
}
