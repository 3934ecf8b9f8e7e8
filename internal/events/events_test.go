package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToIdentitySubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	alice := bus.Subscribe("alice")
	bob := bus.Subscribe("bob")

	bus.Publish(Event{
		Category: CategoryConnection,
		Type:     TypeStateChanged,
		Identity: "alice",
		Payload:  map[string]string{"state": "READY"},
	})

	select {
	case event := <-alice.C:
		assert.Equal(t, TypeStateChanged, event.Type)
		assert.Equal(t, "alice", event.Identity)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("alice did not receive the event")
	}

	select {
	case event := <-bob.C:
		t.Fatalf("bob received an event for another identity: %+v", event)
	default:
	}
}

func TestUnsubscribeStopsDeliveryAndClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("alice")
	require.Equal(t, 1, bus.SubscriberCount("alice"))

	sub.Unsubscribe()
	assert.Equal(t, 0, bus.SubscriberCount("alice"))

	_, open := <-sub.C
	assert.False(t, open)

	// Idempotent.
	sub.Unsubscribe()

	bus.Publish(Event{Identity: "alice", Type: TypeHeartbeat})
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("alice")
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			bus.Publish(Event{Identity: "alice", Type: TypeHeartbeat})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, sub.ch, subscriberBuffer)
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	bus := NewBus()

	alice := bus.Subscribe("alice")
	bob := bus.Subscribe("bob")

	bus.Close()

	_, open := <-alice.C
	assert.False(t, open)
	_, open = <-bob.C
	assert.False(t, open)

	// Subscribing after close yields an already-closed subscription.
	late := bus.Subscribe("carol")
	_, open = <-late.C
	assert.False(t, open)

	bus.Publish(Event{Identity: "alice", Type: TypeHeartbeat})
}

func TestPublishDuringUnsubscribeDoesNotPanic(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					bus.Publish(Event{Identity: "alice", Type: TypeHeartbeat})
				}
			}
		}()
	}

	// Churn subscriptions while publishers are running. A send racing an
	// Unsubscribe close must drop the event, never panic.
	for i := 0; i < 500; i++ {
		sub := bus.Subscribe("alice")
		bus.Publish(Event{Identity: "alice", Type: TypeHeartbeat})
		sub.Unsubscribe()
	}

	close(stop)
	wg.Wait()
}

func TestMultipleSubscribersSameIdentity(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	first := bus.Subscribe("alice")
	second := bus.Subscribe("alice")

	bus.Publish(Event{Identity: "alice", Type: TypeToolsDiscovered, Category: CategoryObservability})

	for _, sub := range []*Subscription{first, second} {
		select {
		case event := <-sub.C:
			assert.Equal(t, TypeToolsDiscovered, event.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}
