package broadcast

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscriberFIFO(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	ch, unsubscribe := hub.Subscribe("r1")
	defer unsubscribe()

	for i := 0; i < 10; i++ {
		hub.Publish(Event{Type: TypeTaskUpdate, RunID: "r1", Payload: i})
	}
	for i := 0; i < 10; i++ {
		select {
		case event := <-ch:
			require.Equal(t, i, event.Payload, "events must arrive in publish order")
			require.False(t, event.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
}

func TestRunFiltering(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	r1, stop1 := hub.Subscribe("r1")
	defer stop1()
	all, stopAll := hub.Subscribe("")
	defer stopAll()

	hub.Publish(Event{Type: TypeStateUpdate, RunID: "r2"})
	hub.Publish(Event{Type: TypeStateUpdate, RunID: "r1"})

	event := <-r1
	require.Equal(t, "r1", event.RunID, "subscriber bound to r1 must not see r2 events")

	require.Equal(t, "r2", (<-all).RunID)
	require.Equal(t, "r1", (<-all).RunID)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	ch, unsubscribe := hub.Subscribe("r1")
	defer unsubscribe()

	total := defaultBuffer + 5
	for i := 0; i < total; i++ {
		hub.Publish(Event{Type: TypeLogMessage, RunID: "r1", Payload: i})
	}

	// The oldest 5 events were evicted; the survivors are still in order.
	first := <-ch
	require.Equal(t, 5, first.Payload)
	last := first
	for i := 0; i < defaultBuffer-1; i++ {
		last = <-ch
	}
	require.Equal(t, total-1, last.Payload)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	ch, unsubscribe := hub.Subscribe("")
	require.Equal(t, 1, hub.SubscriberCount())

	unsubscribe()
	unsubscribe() // idempotent

	_, open := <-ch
	require.False(t, open)
	require.Zero(t, hub.SubscriberCount())

	// Publishing after unsubscribe must not panic.
	hub.Publish(Event{Type: TypeHeartbeat})
}

func TestConcurrentPublish(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	ch, unsubscribe := hub.Subscribe("r1")
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			hub.Publish(Event{Type: TypeTaskUpdate, RunID: "r1", Payload: fmt.Sprintf("e%d", i)})
		}
	}()

	received := 0
	for received < 100 {
		select {
		case <-ch:
			received++
		case <-time.After(2 * time.Second):
			t.Fatalf("stalled after %d events", received)
		}
	}
	<-done
}
