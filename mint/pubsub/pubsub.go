// Package pubsub fans out events appended to the mint's log to
// in-process subscribers such as websocket subscriptions.
package pubsub

import (
	"sync"

	"github.com/elnosh/provablegbp/pgbp"
)

// buffered events per subscriber before it is considered too slow
const subscriberBuffer = 256

// Feed delivers every published event to the subscribers whose match
// function accepts it, in publish order.
type Feed struct {
	mu          sync.RWMutex
	nextId      uint64
	subscribers map[uint64]*Subscriber
}

func NewFeed() *Feed {
	return &Feed{subscribers: make(map[uint64]*Subscriber)}
}

// Subscribe registers a subscriber for events accepted by match.
// A nil match accepts every event.
func (f *Feed) Subscribe(match func(pgbp.Event) bool) *Subscriber {
	if match == nil {
		match = func(pgbp.Event) bool { return true }
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextId++
	s := &Subscriber{
		id:     f.nextId,
		match:  match,
		events: make(chan pgbp.Event, subscriberBuffer),
		active: true,
	}
	f.subscribers[s.id] = s
	return s
}

// Unsubscribe removes s from the feed and closes it.
func (f *Feed) Unsubscribe(s *Subscriber) {
	f.mu.Lock()
	delete(f.subscribers, s.id)
	f.mu.Unlock()
	s.Close()
}

// Publish returns the number of subscribers dropped because their
// buffer was full. A dropped subscriber sees its channel closed and
// can catch up by reading the event log from its last seen seq.
func (f *Feed) Publish(event pgbp.Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	dropped := 0
	for id, s := range f.subscribers {
		if !s.match(event) {
			continue
		}
		if !s.deliver(event) {
			delete(f.subscribers, id)
			s.Close()
			dropped++
		}
	}
	return dropped
}

// Subscribers returns the number of active subscribers.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

type Subscriber struct {
	id     uint64
	match  func(pgbp.Event) bool
	events chan pgbp.Event
	active bool
	mu     sync.Mutex
}

func (s *Subscriber) deliver(event pgbp.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	select {
	case s.events <- event:
		return true
	default:
		return false
	}
}

// Events is closed when the subscriber is closed or dropped.
func (s *Subscriber) Events() <-chan pgbp.Event {
	return s.events
}

func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.active = false
		close(s.events)
	}
}
