package patient

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medledger/medledger/internal/domain/ledger"
	"github.com/medledger/medledger/internal/platform/auth"
)

// Auditor records PHI lookups on the tamper-evident ledger.
type Auditor interface {
	Append(ctx context.Context, e ledger.Event) (*ledger.Event, error)
}

type Handler struct {
	svc     *Service
	auditor Auditor
}

func NewHandler(svc *Service, auditor Auditor) *Handler {
	return &Handler{svc: svc, auditor: auditor}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/patients", auth.RequireRole("clinician", "admin"))
	g.GET("/lookup", h.Lookup)
	g.GET("/:fhir_id", h.Get)
}

type lookupResponse struct {
	FHIRID    string `json:"fhir_id"`
	MRN       string `json:"mrn,omitempty"`
	SSNLast4  string `json:"ssn_last4,omitempty"`
	BirthDate string `json:"birth_date,omitempty"`
}

// Lookup resolves a patient by exact SSN or MRN match. The SSN in the
// response is redacted to its last four characters. Every lookup lands on
// the ledger, matched or not, so probing is visible.
func (h *Handler) Lookup(c echo.Context) error {
	ssn := c.QueryParam("ssn")
	mrn := c.QueryParam("mrn")
	if (ssn == "") == (mrn == "") {
		return echo.NewHTTPError(http.StatusBadRequest, "exactly one of ssn or mrn is required")
	}

	ctx := c.Request().Context()
	var (
		rec  *Record
		err  error
		kind string
	)
	if ssn != "" {
		kind = "ssn"
		rec, err = h.svc.FindBySSN(ctx, ssn)
	} else {
		kind = "mrn"
		rec, err = h.svc.FindByMRN(ctx, mrn)
	}

	switch {
	case errors.Is(err, ErrLookupUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrNotFound):
		if aerr := h.auditAccess(c, "search-type", kind, nil); aerr != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, aerr.Error())
		}
		return echo.NewHTTPError(http.StatusNotFound, "no matching patient")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if aerr := h.auditAccess(c, "search-type", kind, rec); aerr != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, aerr.Error())
	}
	return h.render(c, rec)
}

// Get returns the redacted projection row for one patient id.
func (h *Handler) Get(c echo.Context) error {
	rec, err := h.svc.Get(c.Request().Context(), c.Param("fhir_id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "patient record not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if aerr := h.auditAccess(c, "read", "", rec); aerr != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, aerr.Error())
	}
	return h.render(c, rec)
}

func (h *Handler) render(c echo.Context, rec *Record) error {
	last4, err := h.svc.SSNLastFour(rec)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := lookupResponse{
		FHIRID:   rec.FHIRID,
		MRN:      rec.MRN,
		SSNLast4: last4,
	}
	if rec.BirthDate != nil {
		resp.BirthDate = rec.BirthDate.Format("2006-01-02")
	}
	return c.JSON(http.StatusOK, resp)
}

// auditAccess ledgers one projection access. The identifier value itself
// never appears in the event; only which index was queried does.
func (h *Handler) auditAccess(c echo.Context, subtype, kind string, rec *Record) error {
	ctx := c.Request().Context()
	meta := ledger.MetaFromContext(ctx)

	actor := meta.ActorID
	if actor == "" {
		actor = auth.UserIDFromContext(ctx)
	}
	ip := meta.IP
	if ip == "" {
		ip = c.RealIP()
	}
	purpose := meta.Purpose
	if purpose == "" {
		purpose = c.Request().Header.Get("X-Purpose-Of-Use")
	}
	requestID := meta.RequestID
	if requestID == "" {
		requestID = c.Response().Header().Get(echo.HeaderXRequestID)
	}

	e := ledger.Event{
		TypeCode:    "rest",
		SubtypeCode: subtype,
		Action:      ledger.ActionRead,
		AgentID:     actor,
		AgentIP:     ip,
		EntityType:  "Patient",
		PurposeCode: purpose,
		RequestID:   requestID,
	}
	if kind != "" {
		e.Detail = map[string]string{"lookup": kind, "matched": "false"}
	}
	if rec != nil {
		e.EntityID = rec.FHIRID
		if e.Detail != nil {
			e.Detail["matched"] = "true"
		}
	}
	_, err := h.auditor.Append(ctx, e)
	return err
}
