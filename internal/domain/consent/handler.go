package consent

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/internal/platform/db"
	"github.com/medledger/medledger/internal/platform/fhir"
	"github.com/medledger/medledger/internal/platform/webhook"
	"github.com/medledger/medledger/pkg/pagination"
)

type Handler struct {
	svc      *Service
	notifier *webhook.Notifier
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// SetNotifier enables webhook notifications for consent changes.
func (h *Handler) SetNotifier(n *webhook.Notifier) {
	h.notifier = n
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	manage := auth.RequireRole("clinician", "admin")
	read := auth.RequireRole("clinician", "admin", "auditor")

	write := api.Group("/consents", manage)
	write.POST("", h.Create)
	write.POST("/:id/revoke", h.Revoke)

	ro := api.Group("/consents", read)
	ro.GET("", h.List)
	ro.GET("/:id", h.Get)

	fhirGroup.GET("/Consent/:id", h.GetFHIR, read)
}

type grantRequest struct {
	FHIRID    string    `json:"fhir_id"`
	PatientID string    `json:"patient_id"`
	Scope     Scope     `json:"scope"`
	Provision Provision `json:"provision"`
}

func (h *Handler) Create(c echo.Context) error {
	var req grantRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	granted, err := h.svc.Grant(c.Request().Context(), Consent{
		FHIRID:    req.FHIRID,
		PatientID: req.PatientID,
		Scope:     req.Scope,
		Provision: req.Provision,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	h.notifier.Notify(webhook.EventConsentGranted, db.TenantFromContext(c.Request().Context()),
		"Consent", granted.FHIRID, granted)
	return c.JSON(http.StatusCreated, granted)
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Revoke(c echo.Context) error {
	var req revokeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	target, err := h.resolve(c)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "consent not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	revoked, err := h.svc.Revoke(c.Request().Context(), target.ID, req.Reason)
	if err != nil {
		if errors.Is(err, ErrNotActive) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.notifier.Notify(webhook.EventConsentRevoked, db.TenantFromContext(c.Request().Context()),
		"Consent", revoked.FHIRID, revoked)
	return c.JSON(http.StatusOK, revoked)
}

func (h *Handler) Get(c echo.Context) error {
	consent, err := h.resolve(c)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "consent not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, consent)
}

func (h *Handler) List(c echo.Context) error {
	status := Status(c.QueryParam("status"))
	if status != "" && !ValidStatus(status) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid consent status")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), c.QueryParam("patient_id"), status, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetFHIR(c echo.Context) error {
	consent, err := h.svc.GetByFHIRID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Consent", c.Param("id")))
	}
	return c.JSON(http.StatusOK, consent.ToFHIR())
}

// resolve looks up :id as a row UUID first, then as a FHIR id.
func (h *Handler) resolve(c echo.Context) (*Consent, error) {
	ref := c.Param("id")
	ctx := c.Request().Context()
	if id, err := uuid.Parse(ref); err == nil {
		return h.svc.Get(ctx, id)
	}
	return h.svc.GetByFHIRID(ctx, ref)
}
