package ledger

import (
	"github.com/medledger/medledger/internal/platform/stream"
)

// RelaySink feeds appended events into the stream relay. Messages are keyed
// by tenant so each tenant's entries stay ordered on one partition.
type RelaySink struct {
	relay *stream.Relay
}

func NewRelaySink(relay *stream.Relay) *RelaySink {
	return &RelaySink{relay: relay}
}

type streamEnvelope struct {
	Tenant string `json:"tenant"`
	Event  Event  `json:"event"`
}

func (s *RelaySink) Enqueue(tenantID string, e Event) {
	s.relay.Enqueue(tenantID, streamEnvelope{Tenant: tenantID, Event: e})
}
