package webhook

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/platform/db"
)

const (
	defaultNotifyQueue = 1024
	// Covers the full retry schedule plus the per-attempt HTTP timeouts.
	notifyTimeout = 10 * time.Minute
)

// Notifier queues events for webhook fan-out off the request path. The queue
// is bounded: when it fills, events are dropped and counted rather than
// stalling responses. Each delivery runs on its own tenant-scoped connection
// because the originating request context is gone by the time the worker
// picks the event up. The worker is serial, so at most one connection is
// held for webhook bookkeeping at a time.
type Notifier struct {
	manager *Manager
	pool    *pgxpool.Pool
	queue   chan Event
	logger  zerolog.Logger
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewNotifier starts the background worker. pool may be nil when the store
// does not need a database connection.
func NewNotifier(manager *Manager, pool *pgxpool.Pool, queueSize int, logger zerolog.Logger) *Notifier {
	if queueSize <= 0 {
		queueSize = defaultNotifyQueue
	}
	n := &Notifier{
		manager: manager,
		pool:    pool,
		queue:   make(chan Event, queueSize),
		logger:  logger.With().Str("component", "webhook_notifier").Logger(),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

// Notify offers an event to the worker without blocking. A nil Notifier is a
// no-op so call sites do not have to guard against unconfigured webhooks.
func (n *Notifier) Notify(eventType, tenant, resourceType, resourceID string, payload interface{}) {
	if n == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal webhook payload")
		return
	}
	e := Event{
		ID:           uuid.New(),
		Type:         eventType,
		TenantID:     tenant,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Payload:      body,
		Timestamp:    time.Now().UTC(),
	}
	select {
	case n.queue <- e:
	default:
		count := n.dropped.Add(1)
		if count%100 == 1 {
			n.logger.Warn().Int64("dropped", count).Msg("webhook queue full, dropping events")
		}
	}
}

// Dropped reports how many events were discarded due to a full queue.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Close drains the queue and stops the worker.
func (n *Notifier) Close() {
	close(n.queue)
	n.wg.Wait()
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for e := range n.queue {
		n.deliver(e)
	}
}

func (n *Notifier) deliver(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if n.pool != nil && e.TenantID != "" {
		scoped, release, err := db.ScopeToTenant(ctx, n.pool, e.TenantID)
		if err != nil {
			n.logger.Error().Err(err).
				Str("tenant", e.TenantID).
				Str("event_type", e.Type).
				Msg("webhook delivery: tenant scope failed")
			return
		}
		defer release()
		ctx = scoped
	}

	n.manager.Deliver(ctx, &e)
}
