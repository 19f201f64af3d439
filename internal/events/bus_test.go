package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(EntryUpdated, map[string]any{"dir": "proj", "path": "a.txt"})

	ev := <-ch
	assert.Equal(t, EntryUpdated, ev.Type)
	assert.Equal(t, "proj", ev.Data["dir"])
	assert.False(t, ev.Time.IsZero())
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Publish(ServerRestart, nil)

	ch, cancel := bus.Subscribe()
	defer cancel()

	select {
	case ev := <-ch:
		t.Fatalf("late subscriber received replayed event %v", ev)
	default:
	}
}

func TestDropOldestOnOverflow(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(EntryUpdated, map[string]any{"seq": i})
	}

	// the first events were dropped; the channel holds the newest window
	first := <-ch
	assert.Equal(t, 10, first.Data["seq"])
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// publishing after cancel must not panic
	bus.Publish(PeerConnected, nil)
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe()
	bus.Close()

	_, ok := <-ch
	require.False(t, ok)

	// subscribing after close yields a closed channel
	ch2, _ := bus.Subscribe()
	_, ok = <-ch2
	assert.False(t, ok)
}
