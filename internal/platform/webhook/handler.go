package webhook

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/pkg/pagination"
)

// Handler exposes endpoint management and the delivery log. Secrets are
// returned once, on creation, and redacted everywhere else.
type Handler struct {
	store   Store
	manager *Manager
}

func NewHandler(store Store, manager *Manager) *Handler {
	return &Handler{store: store, manager: manager}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	manage := auth.RequireRole("admin")
	read := auth.RequireRole("admin", "auditor")

	g := api.Group("/webhooks")
	g.POST("", h.Create, manage)
	g.GET("", h.List, read)
	g.GET("/:id", h.Get, read)
	g.PUT("/:id", h.Update, manage)
	g.DELETE("/:id", h.Delete, manage)
	g.POST("/:id/test", h.Test, manage)
	g.POST("/:id/pause", h.Pause, manage)
	g.POST("/:id/resume", h.Resume, manage)
	g.GET("/:id/deliveries", h.ListDeliveries, read)
	g.POST("/deliveries/:id/retry", h.Retry, manage)
}

type endpointRequest struct {
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

func (h *Handler) Create(c echo.Context) error {
	var req endpointRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if err := ValidateURL(req.URL); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Events) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one event type is required")
	}

	secret := req.Secret
	if secret == "" {
		var err error
		secret, err = GenerateSecret()
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to generate secret")
		}
	}

	now := time.Now().UTC()
	ep := &Endpoint{
		ID:        uuid.New(),
		Name:      req.Name,
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateEndpoint(c.Request().Context(), ep); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, ep)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.store.ListEndpoints(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	for _, ep := range items {
		ep.Secret = ""
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	ep, err := h.endpoint(c)
	if err != nil {
		return err
	}
	ep.Secret = ""
	return c.JSON(http.StatusOK, ep)
}

func (h *Handler) Update(c echo.Context) error {
	var req endpointRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ep, err := h.endpoint(c)
	if err != nil {
		return err
	}
	if req.Name != "" {
		ep.Name = req.Name
	}
	if req.URL != "" {
		if err := ValidateURL(req.URL); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		ep.URL = req.URL
	}
	if req.Events != nil {
		ep.Events = req.Events
	}
	if req.Secret != "" {
		ep.Secret = req.Secret
	}
	ep.UpdatedAt = time.Now().UTC()
	if err := h.store.UpdateEndpoint(c.Request().Context(), ep); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	ep.Secret = ""
	return c.JSON(http.StatusOK, ep)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid endpoint id")
	}
	if err := h.store.DeleteEndpoint(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "webhook endpoint not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Test(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid endpoint id")
	}
	attempt, err := h.manager.TestEndpoint(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "webhook endpoint not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, attempt)
}

func (h *Handler) Pause(c echo.Context) error {
	return h.setActive(c, false)
}

func (h *Handler) Resume(c echo.Context) error {
	return h.setActive(c, true)
}

func (h *Handler) setActive(c echo.Context, active bool) error {
	ep, err := h.endpoint(c)
	if err != nil {
		return err
	}
	ep.Active = active
	ep.UpdatedAt = time.Now().UTC()
	if err := h.store.UpdateEndpoint(c.Request().Context(), ep); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	ep.Secret = ""
	return c.JSON(http.StatusOK, ep)
}

func (h *Handler) ListDeliveries(c echo.Context) error {
	ep, err := h.endpoint(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.store.ListDeliveries(c.Request().Context(), ep.ID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Retry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid delivery id")
	}
	attempt, err := h.manager.RetryDelivery(c.Request().Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "webhook delivery not found")
		case errors.Is(err, ErrAlreadyDelivered):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, attempt)
}

func (h *Handler) endpoint(c echo.Context) (*Endpoint, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid endpoint id")
	}
	ep, err := h.store.GetEndpoint(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, echo.NewHTTPError(http.StatusNotFound, "webhook endpoint not found")
		}
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return ep, nil
}
