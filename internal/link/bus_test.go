package link

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	b := NewBus(quietLogger)

	a, _ := b.Subscribe(4)
	c, _ := b.Subscribe(4)

	b.Publish(Event{Kind: EventAck, Text: "ok"})

	assert.Equal(t, "ok", (<-a).Text)
	assert.Equal(t, "ok", (<-c).Text)
}

func TestBusDropsForFullSubscriber(t *testing.T) {
	b := NewBus(quietLogger)

	slow, _ := b.Subscribe(1)
	fast, _ := b.Subscribe(8)

	b.Publish(Event{Kind: EventSpeak, Text: "1"})
	b.Publish(Event{Kind: EventSpeak, Text: "2"})

	assert.Len(t, slow, 1)
	assert.Len(t, fast, 2)
	assert.Equal(t, "1", (<-slow).Text)
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus(quietLogger)

	ch, cancel := b.Subscribe(4)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	b.Publish(Event{Kind: EventAck})
}

func TestBusClose(t *testing.T) {
	b := NewBus(quietLogger)

	ch, cancel := b.Subscribe(4)
	b.Close()

	_, open := <-ch
	assert.False(t, open)
	cancel()

	late, _ := b.Subscribe(4)
	_, open = <-late
	require.False(t, open)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "state_changed", EventStateChanged.String())
	assert.Equal(t, "unable_to_connect", EventUnableToConnect.String())
	assert.Equal(t, "event(99)", EventKind(99).String())
}
