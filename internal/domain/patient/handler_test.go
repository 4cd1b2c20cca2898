package patient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/domain/ledger"
	"github.com/medledger/medledger/internal/platform/hipaa"
)

type mockAuditor struct {
	events []ledger.Event
	err    error
}

func (m *mockAuditor) Append(_ context.Context, e ledger.Event) (*ledger.Event, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.events = append(m.events, e)
	return &e, nil
}

func newLookupContext(t *testing.T, target string, opts ...func(*http.Request) *http.Request) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, opt := range opts {
		req = opt(req)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func newLookupHandler(t *testing.T) (*Handler, *Service, *mockAuditor) {
	t.Helper()
	svc, _, _ := newTestService(t)
	auditor := &mockAuditor{}
	return NewHandler(svc, auditor), svc, auditor
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestLookupBySSN(t *testing.T) {
	h, svc, auditor := newLookupHandler(t)
	if err := svc.Index(context.Background(), "p1", patientJSON(testSSN, testMRN, "1980-04-12")); err != nil {
		t.Fatalf("index: %v", err)
	}

	c, rec := newLookupContext(t, "/api/v1/patients/lookup?ssn=999-01-2345")
	if err := h.Lookup(c); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp lookupResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.FHIRID != "p1" || resp.MRN != testMRN || resp.SSNLast4 != "2345" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.BirthDate != "1980-04-12" {
		t.Fatalf("unexpected birth date: %q", resp.BirthDate)
	}
	if strings.Contains(rec.Body.String(), testSSN) {
		t.Fatal("response leaks the full SSN")
	}

	if len(auditor.events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(auditor.events))
	}
	e := auditor.events[0]
	if e.Action != ledger.ActionRead || e.EntityType != "Patient" || e.EntityID != "p1" {
		t.Fatalf("unexpected audit event: %+v", e)
	}
	if e.Detail["lookup"] != "ssn" || e.Detail["matched"] != "true" {
		t.Fatalf("unexpected audit detail: %v", e.Detail)
	}
	for _, v := range e.Detail {
		if strings.Contains(v, "2345") {
			t.Fatal("audit detail leaks the SSN")
		}
	}
}

func TestLookupByMRN(t *testing.T) {
	h, svc, auditor := newLookupHandler(t)
	if err := svc.Index(context.Background(), "p1", patientJSON("", testMRN, "")); err != nil {
		t.Fatalf("index: %v", err)
	}

	c, rec := newLookupContext(t, "/api/v1/patients/lookup?mrn="+testMRN)
	if err := h.Lookup(c); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if auditor.events[0].Detail["lookup"] != "mrn" {
		t.Fatalf("unexpected audit detail: %v", auditor.events[0].Detail)
	}
}

func TestLookupParamValidation(t *testing.T) {
	h, _, _ := newLookupHandler(t)

	c, _ := newLookupContext(t, "/api/v1/patients/lookup")
	if code := httpStatus(t, h.Lookup(c)); code != http.StatusBadRequest {
		t.Fatalf("no params: expected 400, got %d", code)
	}

	c, _ = newLookupContext(t, "/api/v1/patients/lookup?ssn=1&mrn=2")
	if code := httpStatus(t, h.Lookup(c)); code != http.StatusBadRequest {
		t.Fatalf("both params: expected 400, got %d", code)
	}
}

func TestLookupMissIsAudited(t *testing.T) {
	h, _, auditor := newLookupHandler(t)

	c, _ := newLookupContext(t, "/api/v1/patients/lookup?ssn=999-99-0000")
	if code := httpStatus(t, h.Lookup(c)); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if len(auditor.events) != 1 {
		t.Fatalf("expected the miss to be audited, got %d events", len(auditor.events))
	}
	e := auditor.events[0]
	if e.Detail["matched"] != "false" || e.EntityID != "" {
		t.Fatalf("unexpected audit event: %+v", e)
	}
}

func TestLookupPurposeFromHeader(t *testing.T) {
	h, svc, auditor := newLookupHandler(t)
	if err := svc.Index(context.Background(), "p1", patientJSON(testSSN, "", "")); err != nil {
		t.Fatalf("index: %v", err)
	}

	c, _ := newLookupContext(t, "/api/v1/patients/lookup?ssn="+testSSN, func(req *http.Request) *http.Request {
		req.Header.Set("X-Purpose-Of-Use", "TREAT")
		return req
	})
	if err := h.Lookup(c); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if auditor.events[0].PurposeCode != "TREAT" {
		t.Fatalf("expected purpose TREAT, got %q", auditor.events[0].PurposeCode)
	}
}

func TestLookupPrefersRequestMeta(t *testing.T) {
	h, svc, auditor := newLookupHandler(t)
	if err := svc.Index(context.Background(), "p1", patientJSON(testSSN, "", "")); err != nil {
		t.Fatalf("index: %v", err)
	}

	meta := ledger.RequestMeta{
		ActorID:   "dr.varga",
		IP:        "10.0.0.9",
		RequestID: "req-42",
		Purpose:   "ETREAT",
	}
	c, _ := newLookupContext(t, "/api/v1/patients/lookup?ssn="+testSSN, func(req *http.Request) *http.Request {
		req.Header.Set("X-Purpose-Of-Use", "TREAT")
		return req.WithContext(ledger.WithRequestMeta(req.Context(), meta))
	})
	if err := h.Lookup(c); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	e := auditor.events[0]
	if e.AgentID != "dr.varga" || e.AgentIP != "10.0.0.9" || e.RequestID != "req-42" || e.PurposeCode != "ETREAT" {
		t.Fatalf("request meta not applied: %+v", e)
	}
}

func TestLookupAuditFailureFailsRequest(t *testing.T) {
	h, svc, auditor := newLookupHandler(t)
	if err := svc.Index(context.Background(), "p1", patientJSON(testSSN, "", "")); err != nil {
		t.Fatalf("index: %v", err)
	}
	auditor.err = errors.New("ledger down")

	c, _ := newLookupContext(t, "/api/v1/patients/lookup?ssn="+testSSN)
	if code := httpStatus(t, h.Lookup(c)); code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
}

func TestLookupUnavailableWithoutIndexKey(t *testing.T) {
	repo := newMockRepo()
	crypto, err := hipaa.NewEncryptionService(testCipherKey, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("new encryption service: %v", err)
	}
	h := NewHandler(NewService(repo, crypto, zerolog.Nop()), &mockAuditor{})

	c, _ := newLookupContext(t, "/api/v1/patients/lookup?ssn="+testSSN)
	if code := httpStatus(t, h.Lookup(c)); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
}

func TestGetPatientRecord(t *testing.T) {
	h, svc, auditor := newLookupHandler(t)
	if err := svc.Index(context.Background(), "p1", patientJSON(testSSN, testMRN, "1980-04-12")); err != nil {
		t.Fatalf("index: %v", err)
	}

	c, rec := newLookupContext(t, "/api/v1/patients/p1")
	c.SetParamNames("fhir_id")
	c.SetParamValues("p1")
	if err := h.Get(c); err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), testSSN) {
		t.Fatal("response leaks the full SSN")
	}
	if len(auditor.events) != 1 || auditor.events[0].SubtypeCode != "read" {
		t.Fatalf("expected one read audit event, got %+v", auditor.events)
	}

	c, _ = newLookupContext(t, "/api/v1/patients/none")
	c.SetParamNames("fhir_id")
	c.SetParamValues("none")
	if code := httpStatus(t, h.Get(c)); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}
