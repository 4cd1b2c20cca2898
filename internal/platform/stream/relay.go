package stream

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const publishTimeout = 5 * time.Second

type message struct {
	key   string
	value []byte
}

// Relay decouples producers from the broker: Enqueue never blocks, a
// background goroutine drains the buffer. When the buffer is full the
// message is dropped and counted rather than stalling the caller.
type Relay struct {
	pub     Publisher
	ch      chan message
	dropped atomic.Int64
	logger  zerolog.Logger
}

func NewRelay(pub Publisher, buffer int, logger zerolog.Logger) *Relay {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Relay{
		pub:    pub,
		ch:     make(chan message, buffer),
		logger: logger.With().Str("component", "stream").Logger(),
	}
}

// Enqueue marshals the payload and queues it for delivery.
func (r *Relay) Enqueue(key string, payload interface{}) {
	value, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("stream payload not serializable")
		return
	}
	select {
	case r.ch <- message{key: key, value: value}:
	default:
		n := r.dropped.Add(1)
		if n%100 == 1 {
			r.logger.Warn().Int64("dropped", n).Msg("stream buffer full, dropping messages")
		}
	}
}

// Start drains the buffer until ctx is cancelled. Run it in a goroutine.
func (r *Relay) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-r.ch:
			pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			err := r.pub.Publish(pubCtx, m.key, m.value)
			cancel()
			if err != nil {
				r.logger.Warn().Err(err).Str("key", m.key).Msg("stream publish failed")
			}
		}
	}
}

// Dropped reports how many messages were discarded due to a full buffer.
func (r *Relay) Dropped() int64 {
	return r.dropped.Load()
}

// Pending reports how many messages are waiting in the buffer.
func (r *Relay) Pending() int {
	return len(r.ch)
}

func (r *Relay) Close() error {
	return r.pub.Close()
}
