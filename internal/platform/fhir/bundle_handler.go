package fhir

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medledger/medledger/internal/platform/db"
	"github.com/medledger/medledger/internal/platform/webhook"
)

// BundleHandler accepts transaction and batch Bundles on POST /fhir and
// hands them to the TransactionProcessor.
type BundleHandler struct {
	processor *TransactionProcessor
	notifier  *webhook.Notifier
}

func NewBundleHandler(processor *TransactionProcessor) *BundleHandler {
	return &BundleHandler{processor: processor}
}

// SetNotifier enables webhook notifications for committed bundles.
func (h *BundleHandler) SetNotifier(n *webhook.Notifier) {
	h.notifier = n
}

func (h *BundleHandler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.POST("", h.ProcessBundle)
}

// ProcessBundle handles POST /fhir with a Bundle of type "transaction" or
// "batch". A failed transaction returns a single OperationOutcome carrying
// the status of the entry that failed; a batch always returns 200 with
// per-entry statuses.
func (h *BundleHandler) ProcessBundle(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorOutcome("failed to read request body: "+err.Error()))
	}

	bundle, err := ParseTransactionBundle(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorOutcome("failed to parse Bundle: "+err.Error()))
	}

	issues := ValidateTransactionBundle(bundle)
	for _, issue := range issues {
		if issue.Severity == SeverityError || issue.Severity == SeverityFatal {
			return c.JSON(http.StatusBadRequest, MultiValidationOutcome(issues))
		}
	}

	result, err := h.processor.Process(c.Request().Context(), bundle)
	if err != nil {
		var execErr *ExecError
		if errors.As(err, &execErr) {
			return c.JSON(execErr.StatusCode, ErrorOutcome(execErr.Diagnostics))
		}
		return c.JSON(http.StatusInternalServerError, ErrorOutcome(err.Error()))
	}
	h.notifier.Notify(webhook.EventResourceCommitted, db.TenantFromContext(c.Request().Context()),
		"Bundle", bundle.ID, bundleSummary(bundle.Type, result))
	return c.JSON(http.StatusOK, result)
}

// bundleSummary keeps webhook payloads small: entry outcomes only, never the
// committed resources themselves.
func bundleSummary(bundleType string, result *Bundle) map[string]interface{} {
	entries := make([]map[string]string, 0, len(result.Entry))
	for _, entry := range result.Entry {
		if entry.Response == nil {
			continue
		}
		e := map[string]string{"status": entry.Response.Status}
		if entry.Response.Location != "" {
			e["location"] = entry.Response.Location
		}
		entries = append(entries, e)
	}
	return map[string]interface{}{
		"bundle_type": bundleType,
		"entry_count": len(result.Entry),
		"entries":     entries,
	}
}
