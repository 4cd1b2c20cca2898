package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Retry delays after a failed delivery attempt.
var defaultRetrySchedule = []time.Duration{time.Second, 30 * time.Second, 5 * time.Minute}

// Manager delivers events to subscribed endpoints. Each endpoint gets its own
// circuit breaker so a dead receiver stops consuming delivery attempts.
type Manager struct {
	store         Store
	httpClient    *http.Client
	retrySchedule []time.Duration
	logger        zerolog.Logger

	mu       sync.Mutex
	breakers map[uuid.UUID]*gobreaker.CircuitBreaker
}

type ManagerOption func(*Manager)

func WithHTTPClient(client *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = client }
}

func WithRetrySchedule(schedule []time.Duration) ManagerOption {
	return func(m *Manager) { m.retrySchedule = schedule }
}

func NewManager(store Store, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:         store,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		retrySchedule: defaultRetrySchedule,
		logger:        logger.With().Str("component", "webhook").Logger(),
		breakers:      make(map[uuid.UUID]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// breaker trips when at least 60% of the last window's requests failed, with
// a minimum of 3 requests observed. It stays open for 60s, then lets up to 5
// probes through.
func (m *Manager) breaker(id uuid.UUID) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[id]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id.String(),
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 3 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})
	m.breakers[id] = cb
	return cb
}

// Deliver fans the event out to every active endpoint subscribed to its type
// and waits for all deliveries, including retries, to finish.
func (m *Manager) Deliver(ctx context.Context, event *Event) []DeliveryResult {
	endpoints, err := m.store.ListActiveEndpoints(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list webhook endpoints")
		return nil
	}

	var matched []*Endpoint
	for _, ep := range endpoints {
		if ep.Subscribed(event.Type) {
			matched = append(matched, ep)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	results := make([]DeliveryResult, len(matched))
	var wg sync.WaitGroup
	for i, ep := range matched {
		wg.Add(1)
		go func(i int, ep *Endpoint) {
			defer wg.Done()
			d := m.deliverWithRetry(ctx, ep, event)
			results[i] = DeliveryResult{
				EndpointID: ep.ID,
				Status:     d.Status,
				StatusCode: d.StatusCode,
				Error:      d.Error,
			}
		}(i, ep)
	}
	wg.Wait()
	return results
}

// deliverWithRetry posts the event, then walks the retry schedule while the
// delivery keeps failing. A skip from an open breaker ends the sequence.
func (m *Manager) deliverWithRetry(ctx context.Context, ep *Endpoint, event *Event) *DeliveryAttempt {
	d := m.newDelivery(ep, event)
	m.attempt(ctx, ep, d)
	for _, delay := range m.retrySchedule {
		if d.Status != DeliveryFailed {
			break
		}
		select {
		case <-ctx.Done():
			return d
		case <-time.After(delay):
		}
		m.attempt(ctx, ep, d)
	}
	if d.Status != DeliverySuccess {
		m.logger.Warn().
			Str("endpoint_id", ep.ID.String()).
			Str("event_type", d.EventType).
			Str("status", d.Status).
			Int("attempts", d.Attempts).
			Msg("webhook delivery did not succeed")
	}
	return d
}

func (m *Manager) newDelivery(ep *Endpoint, event *Event) *DeliveryAttempt {
	payload, _ := json.Marshal(event)
	return &DeliveryAttempt{
		ID:         uuid.New(),
		EndpointID: ep.ID,
		EventType:  event.Type,
		Payload:    payload,
		Status:     DeliveryPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// attempt runs one signed POST through the endpoint's breaker and records the
// updated delivery row.
func (m *Manager) attempt(ctx context.Context, ep *Endpoint, d *DeliveryAttempt) {
	d.Attempts++
	code, err := m.breaker(ep.ID).Execute(func() (interface{}, error) {
		return m.post(ctx, ep, d)
	})
	switch {
	case err == nil:
		now := time.Now().UTC()
		d.Status = DeliverySuccess
		d.StatusCode = code.(int)
		d.Error = ""
		d.DeliveredAt = &now
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		d.Status = DeliverySkipped
		d.Error = "circuit breaker open for endpoint"
	default:
		d.Status = DeliveryFailed
		if sc, ok := code.(int); ok {
			d.StatusCode = sc
		}
		d.Error = err.Error()
	}
	if err := m.store.RecordDelivery(ctx, d); err != nil {
		m.logger.Error().Err(err).
			Str("delivery_id", d.ID.String()).
			Msg("failed to record webhook delivery")
	}
}

// post does a single signed POST and returns the response status code. A
// non-2xx status comes back as an error so the breaker counts it.
func (m *Manager) post(ctx context.Context, ep *Endpoint, d *DeliveryAttempt) (interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+SignPayload(d.Payload, ep.Secret))
	req.Header.Set("X-Webhook-ID", d.ID.String())
	req.Header.Set("X-Webhook-Event", d.EventType)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// TestEndpoint sends a synthetic event to one endpoint as a single attempt,
// without retries.
func (m *Manager) TestEndpoint(ctx context.Context, id uuid.UUID) (*DeliveryAttempt, error) {
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(map[string]string{"message": "test delivery"})
	event := &Event{
		ID:        uuid.New(),
		Type:      EventTest,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	d := m.newDelivery(ep, event)
	m.attempt(ctx, ep, d)
	return d, nil
}

// RetryDelivery re-sends a recorded delivery as one further attempt on the
// same row.
func (m *Manager) RetryDelivery(ctx context.Context, id uuid.UUID) (*DeliveryAttempt, error) {
	d, err := m.store.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == DeliverySuccess {
		return nil, fmt.Errorf("retry delivery %s: %w", id, ErrAlreadyDelivered)
	}
	ep, err := m.store.GetEndpoint(ctx, d.EndpointID)
	if err != nil {
		return nil, err
	}
	m.attempt(ctx, ep, d)
	return d, nil
}
