package resource

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medledger/medledger/internal/platform/fhir"
	"github.com/medledger/medledger/pkg/pagination"
)

// Handler serves the read side of the resource store. Writes go through
// the Bundle endpoint only.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.GET("/:type/:id", h.Read)
	fhirGroup.GET("/:type/:id/_history", h.History)
	fhirGroup.GET("/:type/:id/_history/:vid", h.ReadVersion)
}

func (h *Handler) Read(c echo.Context) error {
	resourceType := c.Param("type")
	fhirID := c.Param("id")

	stored, clear, err := h.svc.Read(c.Request().Context(), resourceType, fhirID)
	if err != nil {
		return renderReadError(c, resourceType, fhirID, stored, err)
	}
	setVersionHeaders(c, stored.VersionID, stored.LastUpdated)
	return c.JSONBlob(http.StatusOK, clear)
}

func (h *Handler) ReadVersion(c echo.Context) error {
	resourceType := c.Param("type")
	fhirID := c.Param("id")
	version, err := strconv.Atoi(c.Param("vid"))
	if err != nil || version < 1 {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("version id must be a positive integer"))
	}

	stored, clear, err := h.svc.ReadVersion(c.Request().Context(), resourceType, fhirID, version)
	if err != nil {
		return renderReadError(c, resourceType, fhirID, stored, err)
	}
	setVersionHeaders(c, stored.VersionID, stored.LastUpdated)
	return c.JSONBlob(http.StatusOK, clear)
}

func (h *Handler) History(c echo.Context) error {
	resourceType := c.Param("type")
	fhirID := c.Param("id")
	pg := pagination.FromContext(c)

	versions, total, err := h.svc.History(c.Request().Context(), resourceType, fhirID, pg.Limit, pg.Offset)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(resourceType, fhirID))
		}
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}

	now := time.Now().UTC()
	bundle := &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Timestamp:    &now,
		Entry:        make([]fhir.BundleEntry, len(versions)),
	}
	for i, v := range versions {
		bundle.Entry[i] = historyEntry(v)
	}
	return c.JSON(http.StatusOK, bundle)
}

// historyEntry renders one version the way it was written: POST for the
// first version, DELETE for a delete marker, PUT otherwise. Markers carry
// no resource body.
func historyEntry(v *StoredResource) fhir.BundleEntry {
	at := v.LastUpdated
	entry := fhir.BundleEntry{
		FullURL: v.ResourceType + "/" + v.FHIRID,
		Response: &fhir.BundleResponse{
			ETag:         versionETag(v.VersionID),
			LastModified: &at,
		},
	}
	switch {
	case v.Deleted:
		entry.Request = &fhir.BundleRequest{Method: http.MethodDelete, URL: v.ResourceType + "/" + v.FHIRID}
		entry.Response.Status = "204 No Content"
	case v.VersionID == 1:
		entry.Request = &fhir.BundleRequest{Method: http.MethodPost, URL: v.ResourceType}
		entry.Response.Status = "201 Created"
		entry.Resource = v.Content
	default:
		entry.Request = &fhir.BundleRequest{Method: http.MethodPut, URL: v.ResourceType + "/" + v.FHIRID}
		entry.Response.Status = "200 OK"
		entry.Resource = v.Content
	}
	return entry
}

func renderReadError(c echo.Context, resourceType, fhirID string, stored *StoredResource, err error) error {
	switch {
	case errors.Is(err, ErrGone):
		if stored != nil {
			setVersionHeaders(c, stored.VersionID, stored.LastUpdated)
		}
		return c.JSON(http.StatusGone, fhir.NewOperationOutcome("error", "deleted",
			fmt.Sprintf("%s/%s has been deleted", resourceType, fhirID)))
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(resourceType, fhirID))
	default:
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
}

func setVersionHeaders(c echo.Context, version int, lastUpdated time.Time) {
	c.Response().Header().Set("ETag", versionETag(version))
	c.Response().Header().Set(echo.HeaderLastModified, lastUpdated.UTC().Format(http.TimeFormat))
}
