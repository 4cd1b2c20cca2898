package webhook

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Store persists endpoints and their delivery log. Tenancy comes from the
// connection: the Postgres store reads whatever schema the context's
// connection is scoped to.
type Store interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, id uuid.UUID) (*Endpoint, error)
	ListEndpoints(ctx context.Context, limit, offset int) ([]*Endpoint, int, error)
	ListActiveEndpoints(ctx context.Context) ([]*Endpoint, error)
	UpdateEndpoint(ctx context.Context, ep *Endpoint) error
	DeleteEndpoint(ctx context.Context, id uuid.UUID) error

	RecordDelivery(ctx context.Context, d *DeliveryAttempt) error
	GetDelivery(ctx context.Context, id uuid.UUID) (*DeliveryAttempt, error)
	ListDeliveries(ctx context.Context, endpointID uuid.UUID, limit, offset int) ([]*DeliveryAttempt, int, error)
}

// InMemoryStore keeps endpoints and deliveries in maps. Insertion order is
// preserved for deterministic listings.
type InMemoryStore struct {
	mu            sync.RWMutex
	endpoints     map[uuid.UUID]*Endpoint
	deliveries    map[uuid.UUID]*DeliveryAttempt
	endpointOrder []uuid.UUID
	deliveryOrder []uuid.UUID
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		endpoints:  make(map[uuid.UUID]*Endpoint),
		deliveries: make(map[uuid.UUID]*DeliveryAttempt),
	}
}

func cloneEndpoint(ep *Endpoint) *Endpoint {
	out := *ep
	out.Events = append([]string(nil), ep.Events...)
	return &out
}

func cloneDelivery(d *DeliveryAttempt) *DeliveryAttempt {
	out := *d
	out.Payload = append(json.RawMessage(nil), d.Payload...)
	if d.DeliveredAt != nil {
		t := *d.DeliveredAt
		out.DeliveredAt = &t
	}
	return &out
}

func (s *InMemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = cloneEndpoint(ep)
	s.endpointOrder = append(s.endpointOrder, ep.ID)
	return nil
}

func (s *InMemoryStore) GetEndpoint(_ context.Context, id uuid.UUID) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEndpoint(ep), nil
}

func (s *InMemoryStore) ListEndpoints(_ context.Context, limit, offset int) ([]*Endpoint, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.endpointOrder)
	if offset >= total {
		return []*Endpoint{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*Endpoint, 0, end-offset)
	for _, id := range s.endpointOrder[offset:end] {
		out = append(out, cloneEndpoint(s.endpoints[id]))
	}
	return out, total, nil
}

func (s *InMemoryStore) ListActiveEndpoints(_ context.Context) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Endpoint
	for _, id := range s.endpointOrder {
		if ep := s.endpoints[id]; ep.Active {
			out = append(out, cloneEndpoint(ep))
		}
	}
	return out, nil
}

func (s *InMemoryStore) UpdateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.ID]; !ok {
		return ErrNotFound
	}
	s.endpoints[ep.ID] = cloneEndpoint(ep)
	return nil
}

func (s *InMemoryStore) DeleteEndpoint(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return ErrNotFound
	}
	delete(s.endpoints, id)
	for i, eid := range s.endpointOrder {
		if eid == id {
			s.endpointOrder = append(s.endpointOrder[:i], s.endpointOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *InMemoryStore) RecordDelivery(_ context.Context, d *DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; !ok {
		s.deliveryOrder = append(s.deliveryOrder, d.ID)
	}
	s.deliveries[d.ID] = cloneDelivery(d)
	return nil
}

func (s *InMemoryStore) GetDelivery(_ context.Context, id uuid.UUID) (*DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDelivery(d), nil
}

func (s *InMemoryStore) ListDeliveries(_ context.Context, endpointID uuid.UUID, limit, offset int) ([]*DeliveryAttempt, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*DeliveryAttempt
	for _, id := range s.deliveryOrder {
		if d := s.deliveries[id]; d.EndpointID == endpointID {
			filtered = append(filtered, d)
		}
	}
	total := len(filtered)
	if offset >= total {
		return []*DeliveryAttempt{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*DeliveryAttempt, 0, end-offset)
	for _, d := range filtered[offset:end] {
		out = append(out, cloneDelivery(d))
	}
	return out, total, nil
}
