// Package events provides the in-process event bus that carries
// connection lifecycle, observability, and RPC response events from the
// connection layer out to per-identity relays.
package events

import (
	"sync"
	"time"

	"mcprelay/pkg/logging"
)

// Category groups events by delivery concern.
type Category string

const (
	// CategoryConnection carries lifecycle events a client must react to.
	CategoryConnection Category = "connection"

	// CategoryObservability carries informational events.
	CategoryObservability Category = "observability"

	// CategoryRPCResponse carries asynchronous RPC responses.
	CategoryRPCResponse Category = "rpc-response"
)

// Event types published by the connection and relay layers.
const (
	TypeStateChanged    = "state_changed"
	TypeAuthRequired    = "auth_required"
	TypeToolsDiscovered = "tools_discovered"
	TypeToolCalled      = "tool_called"
	TypeDisconnected    = "disconnected"
	TypeHeartbeat       = "heartbeat"
	TypeRPCResponse     = "rpc_response"
)

// Event is a single bus message. Payload is event-type specific and must
// be treated as read-only by subscribers.
type Event struct {
	Category  Category    `json:"category"`
	Type      string      `json:"type"`
	Identity  string      `json:"identity"`
	SessionID string      `json:"sessionId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// subscriberBuffer bounds how far a slow subscriber may lag before
// events are dropped for it.
const subscriberBuffer = 100

// Subscription is a live registration on the bus. Events arrive on C
// until Unsubscribe is called, which also closes C.
type Subscription struct {
	C        <-chan Event
	ch       chan Event
	identity string
	bus      *Bus

	// mu serializes send against close so a publisher can never hit a
	// channel that Unsubscribe already closed.
	mu     sync.Mutex
	closed bool
}

// Unsubscribe removes the subscription and closes its channel. Safe to
// call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
	s.close()
}

// send delivers one event without blocking. A closed subscription
// swallows the event.
func (s *Subscription) send(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		// Don't block the publisher on a stalled subscriber.
		logging.Debug("EventBus", "Subscriber for identity %s blocked, dropping %s event", s.identity, event.Type)
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Bus fans events out to per-identity subscribers. Publishing never
// blocks: a subscriber that cannot keep up loses events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*Subscription
	closed      bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]*Subscription),
	}
}

// Subscribe registers for all events published for identity.
func (b *Bus) Subscribe(identity string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{
		C:        ch,
		ch:       ch,
		identity: identity,
		bus:      b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subscribers[identity] = append(b.subscribers[identity], sub)
	return sub
}

// Publish delivers the event to every subscriber of event.Identity.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]*Subscription, len(b.subscribers[event.Identity]))
	copy(subs, b.subscribers[event.Identity])
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.send(event)
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[sub.identity]
	for i, candidate := range subs {
		if candidate == sub {
			b.subscribers[sub.identity] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[sub.identity]) == 0 {
		delete(b.subscribers, sub.identity)
	}
}

// SubscriberCount reports the live subscriptions for identity.
func (b *Bus) SubscriberCount(identity string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[identity])
}

// Close tears the bus down, closing every subscriber channel. Publish
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, subs := range b.subscribers {
		all = append(all, subs...)
	}
	b.subscribers = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}
