package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFansOut(t *testing.T) {
	hub := NewHub()
	a, cancelA := hub.Subscribe(4)
	b, cancelB := hub.Subscribe(4)
	defer cancelB()

	hub.Publish(Event{Type: EventStatus})
	assert.Equal(t, EventStatus, (<-a).Type)
	ev := <-b
	assert.Equal(t, EventStatus, ev.Type)
	assert.NotZero(t, ev.Timestamp)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, hub.Subscribers())
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(1)
	defer cancel()

	hub.Publish(Event{Type: "one"})
	hub.Publish(Event{Type: "two"})

	require.Equal(t, "one", (<-ch).Type)
	assert.Equal(t, uint64(1), hub.Dropped())
}
