// Package events provides the committed event record and an in-process
// notification bus used to fan events out to stream subscribers.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkilian/eds/pkg/types"
	"github.com/google/uuid"
)

// Event is a committed ledger event.
type Event struct {
	Seq       int64           `json:"seq"`
	ID        uuid.UUID       `json:"id"`
	Emitter   types.Address   `json:"emitter"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Notifier provides an in-process pub/sub bus for committed events.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{
		bufferSize: bufferSize,
	}
}

// Publish sends an event to all matching subscribers.
// Non-blocking: if a subscriber's channel is full, the event is dropped for
// that subscriber and its Dropped counter is incremented.
func (n *Notifier) Publish(ev Event) {
	n.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if sub.matches(ev) {
			sub.deliver(ev)
		}
		return true
	})
}

// Subscribe adds a subscriber. Filters are event name prefixes; an empty
// filter list receives everything.
func (n *Notifier) Subscribe(filters ...string) *Subscriber {
	sub := &Subscriber{
		ID:      uuid.NewString(),
		Filters: filters,
		Ch:      make(chan Event, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// SubscribeEmitter adds a subscriber that only receives events emitted by addr.
func (n *Notifier) SubscribeEmitter(addr types.Address, filters ...string) *Subscriber {
	sub := n.Subscribe(filters...)
	sub.Emitter = &addr
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		value.(*Subscriber).close()
	}
}

// Count returns the number of active subscribers.
func (n *Notifier) Count() int {
	count := 0
	n.subscribers.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// Subscriber represents an event subscriber.
type Subscriber struct {
	ID      string
	Filters []string
	Emitter *types.Address
	Ch      chan Event

	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
}

// deliver never blocks: a full channel drops the event for this subscriber.
func (s *Subscriber) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.Ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.Ch)
	}
}

// Dropped returns how many events were discarded because Ch was full.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscriber) matches(ev Event) bool {
	if s.Emitter != nil && *s.Emitter != ev.Emitter {
		return false
	}
	if len(s.Filters) == 0 {
		return true
	}
	for _, filter := range s.Filters {
		if filter == "" || strings.HasPrefix(ev.Name, filter) {
			return true
		}
	}
	return false
}
