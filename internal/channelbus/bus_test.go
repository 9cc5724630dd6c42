package channelbus

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeReceiver struct {
	id       string
	mu       sync.Mutex
	received []Message
}

func (f *fakeReceiver) ID() string { return f.id }
func (f *fakeReceiver) DeliverChannelMessage(m Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, m)
}
func (f *fakeReceiver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func TestPublish_BroadcastsToOthersNotSender(t *testing.T) {
	bus := New()
	a := &fakeReceiver{id: "a"}
	b := &fakeReceiver{id: "b"}
	c := &fakeReceiver{id: "c"}
	bus.Register(a)
	bus.Register(b)
	bus.Register(c)

	bus.Publish("a", Message{Topic: "t", Data: "hi"})

	assert.Equal(t, 0, a.count())
	assert.Equal(t, 1, b.count())
	assert.Equal(t, 1, c.count())
}

func TestPublish_OversizedMessageIsDropped(t *testing.T) {
	bus := New()
	a := &fakeReceiver{id: "a"}
	b := &fakeReceiver{id: "b"}
	bus.Register(a)
	bus.Register(b)

	big := strings.Repeat("x", MaxMessageBytes+1)
	bus.Publish("a", Message{Topic: "t", Data: big})

	assert.Equal(t, 0, b.count())
}

func TestPublish_ExcessRateIsDropped(t *testing.T) {
	bus := New()
	a := &fakeReceiver{id: "a"}
	b := &fakeReceiver{id: "b"}
	bus.Register(a)
	bus.Register(b)

	for i := 0; i < RateLimit+50; i++ {
		bus.Publish("a", Message{Topic: "t", Data: i})
	}

	assert.LessOrEqual(t, b.count(), RateLimit)
}

func TestUnregister_RemovesFromBroadcastSet(t *testing.T) {
	bus := New()
	a := &fakeReceiver{id: "a"}
	b := &fakeReceiver{id: "b"}
	bus.Register(a)
	bus.Register(b)
	bus.Unregister("b")
	bus.Unregister("b") // idempotent: must not panic or double-remove anything else

	bus.Publish("a", Message{Topic: "t"})
	assert.Equal(t, 0, b.count())
	assert.Equal(t, 0, bus.Size()-1) // only "a" remains registered
}
