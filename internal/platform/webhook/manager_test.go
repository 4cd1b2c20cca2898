package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// helper: manager over an in-memory store with retries disabled unless the
// test opts back in.
func newTestManager(store Store, client *http.Client, opts ...ManagerOption) *Manager {
	base := []ManagerOption{WithRetrySchedule(nil)}
	if client != nil {
		base = append(base, WithHTTPClient(client))
	}
	return NewManager(store, zerolog.New(io.Discard), append(base, opts...)...)
}

func activeEndpoint(t *testing.T, store Store, url string, events ...string) *Endpoint {
	t.Helper()
	now := time.Now().UTC()
	ep := &Endpoint{
		ID:        uuid.New(),
		Name:      "integration",
		URL:       url,
		Secret:    "test-secret-key",
		Events:    events,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateEndpoint(context.Background(), ep); err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	return ep
}

func ledgerEvent() *Event {
	return &Event{
		ID:           uuid.New(),
		Type:         EventLedgerAppended,
		TenantID:     "hospital_a",
		ResourceType: "Patient",
		ResourceID:   "p-123",
		Payload:      json.RawMessage(`{"seq":7}`),
		Timestamp:    time.Now().UTC(),
	}
}

// ===================== Fan-out =====================

func TestManager_Deliver(t *testing.T) {
	var (
		body      []byte
		signature string
		eventType string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get(SignatureHeader)
		eventType = r.Header.Get("X-Webhook-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store := NewInMemoryStore()
	m := newTestManager(store, ts.Client())
	ep := activeEndpoint(t, store, ts.URL, EventLedgerAppended)

	results := m.Deliver(context.Background(), ledgerEvent())
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Status != DeliverySuccess {
		t.Fatalf("expected success, got %s (%s)", results[0].Status, results[0].Error)
	}
	if results[0].StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", results[0].StatusCode)
	}

	if eventType != EventLedgerAppended {
		t.Errorf("expected event type header %q, got %q", EventLedgerAppended, eventType)
	}
	if !VerifySignature(body, ep.Secret, signature) {
		t.Error("expected signature to verify against the posted body")
	}
	var delivered Event
	if err := json.Unmarshal(body, &delivered); err != nil {
		t.Fatalf("unmarshal delivered event: %v", err)
	}
	if delivered.Type != EventLedgerAppended || delivered.TenantID != "hospital_a" {
		t.Errorf("unexpected delivered event: %+v", delivered)
	}

	rows, total, err := store.ListDeliveries(context.Background(), ep.ID, 10, 0)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if total != 1 || len(rows) != 1 {
		t.Fatalf("expected 1 delivery row, got %d", total)
	}
	if rows[0].Status != DeliverySuccess || rows[0].Attempts != 1 {
		t.Errorf("unexpected delivery row: status=%s attempts=%d", rows[0].Status, rows[0].Attempts)
	}
	if rows[0].DeliveredAt == nil {
		t.Error("expected delivered_at to be set")
	}
}

func TestManager_Deliver_FiltersByEventType(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store := NewInMemoryStore()
	m := newTestManager(store, ts.Client())
	activeEndpoint(t, store, ts.URL, "consent.*")

	if results := m.Deliver(context.Background(), ledgerEvent()); results != nil {
		t.Fatalf("expected no deliveries for unsubscribed type, got %d", len(results))
	}
	if hits.Load() != 0 {
		t.Fatalf("expected no requests, got %d", hits.Load())
	}

	ev := ledgerEvent()
	ev.Type = EventConsentRevoked
	if results := m.Deliver(context.Background(), ev); len(results) != 1 {
		t.Fatalf("expected 1 delivery for consent.* subscription, got %d", len(results))
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 request, got %d", hits.Load())
	}
}

func TestManager_Deliver_SkipsInactiveEndpoints(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store := NewInMemoryStore()
	m := newTestManager(store, ts.Client())
	ep := activeEndpoint(t, store, ts.URL, "*")
	ep.Active = false
	if err := store.UpdateEndpoint(context.Background(), ep); err != nil {
		t.Fatalf("pause endpoint: %v", err)
	}

	if results := m.Deliver(context.Background(), ledgerEvent()); results != nil {
		t.Fatalf("expected no deliveries to paused endpoint, got %d", len(results))
	}
	if hits.Load() != 0 {
		t.Errorf("expected no requests, got %d", hits.Load())
	}
}

func TestManager_Deliver_FansOut(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store := NewInMemoryStore()
	m := newTestManager(store, ts.Client())
	activeEndpoint(t, store, ts.URL, "*")
	activeEndpoint(t, store, ts.URL, "*.appended")

	results := m.Deliver(context.Background(), ledgerEvent())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != DeliverySuccess {
			t.Errorf("endpoint %s: expected success, got %s", r.EndpointID, r.Status)
		}
	}
	if hits.Load() != 2 {
		t.Errorf("expected 2 requests, got %d", hits.Load())
	}
}

// ===================== Failure handling =====================

func TestManager_Deliver_RecordsFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	store := NewInMemoryStore()
	m := newTestManager(store, ts.Client())
	ep := activeEndpoint(t, store, ts.URL, "*")

	results := m.Deliver(context.Background(), ledgerEvent())
	if len(results) != 1 || results[0].Status != DeliveryFailed {
		t.Fatalf("expected failed delivery, got %+v", results)
	}
	if results[0].StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", results[0].StatusCode)
	}

	rows, _, err := store.ListDeliveries(context.Background(), ep.ID, 10, 0)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(rows) != 1 || rows[0].Error == "" {
		t.Fatalf("expected a recorded failure, got %+v", rows)
	}
	if rows[0].DeliveredAt != nil {
		t.Error("expected delivered_at to stay unset on failure")
	}
}

func TestManager_Deliver_UnreachableEndpoint(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	store := NewInMemoryStore()
	m := newTestManager(store, &http.Client{Timeout: time.Second})
	activeEndpoint(t, store, url, "*")

	results := m.Deliver(context.Background(), ledgerEvent())
	if len(results) != 1 || results[0].Status != DeliveryFailed {
		t.Fatalf("expected failed delivery, got %+v", results)
	}
	if results[0].StatusCode != 0 {
		t.Errorf("expected status code 0 for transport error, got %d", results[0].StatusCode)
	}
	if results[0].Error == "" {
		t.Error("expected a transport error message")
	}
}

func TestManager_Deliver_RetriesUntilSuccess(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store := NewInMemoryStore()
	m := newTestManager(store, ts.Client(), WithRetrySchedule([]time.Duration{0, 0, 0}))
	ep := activeEndpoint(t, store, ts.URL, "*")

	results := m.Deliver(context.Background(), ledgerEvent())
	if len(results) != 1 || results[0].Status != DeliverySuccess {
		t.Fatalf("expected eventual success, got %+v", results)
	}

	rows, total, err := store.ListDeliveries(context.Background(), ep.ID, 10, 0)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected retries to reuse one delivery row, got %d", total)
	}
	if rows[0].Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", rows[0].Attempts)
	}
}

func TestManager_Deliver_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	store := NewInMemoryStore()
	m := newTestManager(store, ts.Client(), WithRetrySchedule([]time.Duration{0, 0, 0}))
	ep := activeEndpoint(t, store, ts.URL, "*")

	results := m.Deliver(context.Background(), ledgerEvent())
	if len(results) != 1 || results[0].Status != DeliverySkipped {
		t.Fatalf("expected breaker to cut the retry sequence short, got %+v", results)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("expected 3 requests before the breaker opened, got %d", got)
	}

	// The open breaker short-circuits the next event entirely.
	results = m.Deliver(context.Background(), ledgerEvent())
	if len(results) != 1 || results[0].Status != DeliverySkipped {
		t.Fatalf("expected skip while breaker is open, got %+v", results)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("expected no further requests, got %d", got)
	}

	rows, total, err := store.ListDeliveries(context.Background(), ep.ID, 10, 0)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 delivery rows, got %d", total)
	}
	for _, row := range rows {
		if row.Status != DeliverySkipped {
			t.Errorf("expected skipped row, got %s", row.Status)
		}
	}
}

func TestManager_Deliver_ContextStopsRetries(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	store := NewInMemoryStore()
	m := newTestManager(store, ts.Client(), WithRetrySchedule([]time.Duration{time.Hour}))
	ep := activeEndpoint(t, store, ts.URL, "*")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan []DeliveryResult, 1)
	go func() { done <- m.Deliver(ctx, ledgerEvent()) }()

	select {
	case results := <-done:
		if len(results) != 1 || results[0].Status != DeliveryFailed {
			t.Fatalf("expected failed delivery, got %+v", results)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delivery did not stop when the context expired")
	}

	rows, _, err := store.ListDeliveries(context.Background(), ep.ID, 10, 0)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(rows) != 1 || rows[0].Attempts != 1 {
		t.Fatalf("expected a single attempt, got %+v", rows)
	}
}

// ===================== Manual operations =====================

func TestManager_TestEndpoint(t *testing.T) {
	var received Event
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store := NewInMemoryStore()
	m := newTestManager(store, ts.Client())
	ep := activeEndpoint(t, store, ts.URL, EventConsentGranted)

	attempt, err := m.TestEndpoint(context.Background(), ep.ID)
	if err != nil {
		t.Fatalf("test endpoint: %v", err)
	}
	if attempt.Status != DeliverySuccess {
		t.Fatalf("expected success, got %s (%s)", attempt.Status, attempt.Error)
	}
	if attempt.EventType != EventTest {
		t.Errorf("expected %s, got %s", EventTest, attempt.EventType)
	}
	if received.Type != EventTest {
		t.Errorf("expected server to receive %s, got %s", EventTest, received.Type)
	}

	rows, _, err := store.ListDeliveries(context.Background(), ep.ID, 10, 0)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(rows) != 1 || rows[0].EventType != EventTest {
		t.Fatalf("expected a recorded test delivery, got %+v", rows)
	}
}

func TestManager_TestEndpoint_NotFound(t *testing.T) {
	m := newTestManager(NewInMemoryStore(), nil)
	if _, err := m.TestEndpoint(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_RetryDelivery(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store := NewInMemoryStore()
	m := newTestManager(store, ts.Client())
	ep := activeEndpoint(t, store, ts.URL, "*")

	m.Deliver(context.Background(), ledgerEvent())
	rows, _, err := store.ListDeliveries(context.Background(), ep.ID, 10, 0)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != DeliveryFailed {
		t.Fatalf("expected one failed delivery, got %+v", rows)
	}

	attempt, err := m.RetryDelivery(context.Background(), rows[0].ID)
	if err != nil {
		t.Fatalf("retry delivery: %v", err)
	}
	if attempt.Status != DeliverySuccess || attempt.Attempts != 2 {
		t.Fatalf("expected success on attempt 2, got status=%s attempts=%d", attempt.Status, attempt.Attempts)
	}

	rows, total, err := store.ListDeliveries(context.Background(), ep.ID, 10, 0)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected retry to reuse the delivery row, got %d rows", total)
	}
	if rows[0].Status != DeliverySuccess || rows[0].Attempts != 2 {
		t.Errorf("unexpected stored row: status=%s attempts=%d", rows[0].Status, rows[0].Attempts)
	}
}

func TestManager_RetryDelivery_AlreadyDelivered(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store := NewInMemoryStore()
	m := newTestManager(store, ts.Client())
	ep := activeEndpoint(t, store, ts.URL, "*")

	m.Deliver(context.Background(), ledgerEvent())
	rows, _, err := store.ListDeliveries(context.Background(), ep.ID, 10, 0)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one delivery, got %d", len(rows))
	}

	if _, err := m.RetryDelivery(context.Background(), rows[0].ID); !errors.Is(err, ErrAlreadyDelivered) {
		t.Fatalf("expected ErrAlreadyDelivered, got %v", err)
	}
}

func TestManager_RetryDelivery_NotFound(t *testing.T) {
	m := newTestManager(NewInMemoryStore(), nil)
	if _, err := m.RetryDelivery(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
