package tools

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/isorun/isorun/internal/channelbus"
	"github.com/isorun/isorun/internal/models"
	"github.com/isorun/isorun/internal/scope"
)

// channelReceiver adapts one isolate's tool instance to channelbus.Receiver.
// Delivery from the bus happens on whatever goroutine published the
// message, but a goja.Runtime is never safe to call from more than one
// goroutine at a time; DeliverChannelMessage only enqueues, and the
// isolate's own goroutine drains the queue into registered JS handlers via
// Flush, called by the worker driver between a packet's turns (spec.md
// §4.6: "delivery into the isolate happens at the next safe point, not
// synchronously with publish").
type channelReceiver struct {
	id        string
	mu        sync.Mutex
	queue     []channelbus.Message
	queueCap  int
	listeners map[string][]goja.Callable
	listenCap int
	rt        *goja.Runtime
}

func (c *channelReceiver) ID() string { return c.id }

func (c *channelReceiver) DeliverChannelMessage(m channelbus.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) >= c.queueCap {
		componentChannelLog.Debug().Str("worker", c.id).Msg("channel queue at capacity, dropping oldest")
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, m)
}

// Flush dispatches every queued message to its topic's listeners, in
// arrival order. Must only be called from the goroutine that owns rt.
func (c *channelReceiver) Flush() {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, m := range pending {
		c.mu.Lock()
		handlers := append([]goja.Callable(nil), c.listeners[m.Topic]...)
		c.mu.Unlock()
		for _, h := range handlers {
			if _, err := h(goja.Undefined(), c.rt.ToValue(m.Topic), c.rt.ToValue(m.Data)); err != nil {
				componentChannelLog.Warn().Str("worker", c.id).Str("topic", m.Topic).Err(err).Msg("channel listener threw")
			}
		}
	}
}

func (c *channelReceiver) on(topic string, fn goja.Callable) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, hs := range c.listeners {
		total += len(hs)
	}
	if total >= c.listenCap {
		return fmt.Errorf("channel: listener cap (%d) exceeded", c.listenCap)
	}
	c.listeners[topic] = append(c.listeners[topic], fn)
	return nil
}

func (c *channelReceiver) off(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, topic)
}

// ChannelTool installs emit/on/off against the host's channel bus, bounded
// by Internal.Limits.ChannelListenerCap and ChannelQueueCap (spec.md
// §4.6). Grounded on channelbus.Bus's Receiver contract and on the
// teacher's websocket hub client-registration lifecycle (register on
// setup, unregister on teardown).
func ChannelTool() Tool {
	return Tool{
		Name: "channel",
		Setup: func(s *scope.Scope, internal *Internal, config any) error {
			listenCap := internal.Limits.ChannelListenerCap
			if listenCap <= 0 {
				listenCap = DefaultLimits().ChannelListenerCap
			}
			queueCap := internal.Limits.ChannelQueueCap
			if queueCap <= 0 {
				queueCap = DefaultLimits().ChannelQueueCap
			}

			recv := &channelReceiver{
				id:        internal.WorkerID,
				listeners: make(map[string][]goja.Callable),
				listenCap: listenCap,
				queueCap:  queueCap,
				rt:        s.Runtime(),
			}
			internal.Bus.Register(recv)

			emit := func(topic string, data any) {
				internal.Bus.Publish(internal.WorkerID, channelbus.Message{Topic: topic, Data: data})
			}
			on := func(topic string, fn goja.Callable) error {
				return recv.on(topic, fn)
			}
			off := func(topic string) {
				recv.off(topic)
			}

			channel := map[string]any{
				"emit": emit,
				"on":   on,
				"off":  off,
			}
			if err := s.Inject("channel", channel); err != nil {
				internal.Bus.Unregister(internal.WorkerID)
				return err
			}
			internal.channelFlush = recv.Flush
			return nil
		},
		Teardown: func(s *scope.Scope, internal *Internal) error {
			internal.Bus.Unregister(internal.WorkerID)
			internal.channelFlush = nil
			s.ForceDelete("channel")
			return nil
		},
		Permissions: func(internal *Internal, config any) *models.PermissionSet {
			return models.NonePermissions()
		},
	}
}
