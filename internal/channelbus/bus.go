// Package channelbus implements the cross-isolate topic-based pub/sub
// channel from spec.md §4.6: a host-side registry of live workers,
// message-size and per-worker rate limiting, and fan-out broadcast to
// every worker but the sender. Grounded on internal/websocket's hub
// concept (a registered-connection set broadcast to) downsized to an
// in-process registry of worker handles instead of browser clients; rate
// limiting uses golang.org/x/time/rate, a teacher indirect dependency
// promoted to direct here.
package channelbus

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var componentLog = log.With().Str("component", "channelbus").Logger()

// MaxMessageBytes is the serialized-size cap a channel message must not
// exceed to be forwarded (spec.md §4.6 and §8).
const MaxMessageBytes = 100_000

// RateLimit is the sustained per-worker message rate (spec.md §4.6 and §8).
const RateLimit = 100 // messages per second

// Message is a {type:'channel', topic, data} payload crossing the
// worker/host boundary (spec.md §6).
type Message struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// Receiver is anything that can receive a forwarded channel message: the
// channel tool's per-scope receiver (internal/tools) satisfies this by
// queueing the message for delivery into the isolate.
type Receiver interface {
	ID() string
	DeliverChannelMessage(Message)
}

// Bus maintains the set of live workers and re-broadcasts validated
// messages to every worker but the sender.
type Bus struct {
	mu       sync.RWMutex
	members  map[string]Receiver
	limiters map[string]*rate.Limiter
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		members:  make(map[string]Receiver),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Register adds a worker to the live set. Calling Register twice for the
// same id replaces the previous registration's limiter state.
func (b *Bus) Register(r Receiver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members[r.ID()] = r
	b.limiters[r.ID()] = rate.NewLimiter(rate.Limit(RateLimit), RateLimit)
}

// Unregister removes a worker from the live set. Safe to call more than
// once for the same id (explicit kill, error, or message-error teardown
// paths may all race to unregister); only the first call has an effect.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, id)
	delete(b.limiters, id)
}

// Publish validates a message from senderID for size and rate, then
// forwards it to every other registered worker. Oversized or rate-limited
// messages are dropped silently from the sender's perspective (spec.md
// §4.6/§8: "the excess dropped"), logged at debug level.
func (b *Bus) Publish(senderID string, msg Message) {
	encoded, err := json.Marshal(msg)
	if err != nil {
		componentLog.Warn().Str("worker", senderID).Err(err).Msg("channel message failed to encode")
		return
	}
	if len(encoded) > MaxMessageBytes {
		componentLog.Debug().Str("worker", senderID).Int("bytes", len(encoded)).Msg("channel message exceeds size limit, dropped")
		return
	}

	b.mu.RLock()
	limiter, ok := b.limiters[senderID]
	b.mu.RUnlock()
	if ok && !limiter.Allow() {
		componentLog.Debug().Str("worker", senderID).Msg("channel message rate-limited, dropped")
		return
	}

	b.mu.RLock()
	targets := make([]Receiver, 0, len(b.members))
	for id, r := range b.members {
		if id == senderID {
			continue
		}
		targets = append(targets, r)
	}
	b.mu.RUnlock()

	for _, r := range targets {
		r.DeliverChannelMessage(msg)
	}
}

// Size reports the number of live workers, for metrics/diagnostics.
func (b *Bus) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.members)
}
