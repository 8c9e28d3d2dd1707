package monitor

import (
	"sync"
	"time"
)

// Subscription is one subscriber's handle onto the registry's
// notification feed.
//
// The registry enqueues notifications into a bounded per-subscription
// backlog under its write lock, which fixes delivery order to commit
// order. A pump goroutine drains the backlog into the consumer-facing
// channel, so a slow consumer never blocks registry writers or other
// subscribers. When the backlog overflows, the oldest pending
// notifications are discarded and folded into a single BacklogDropped
// marker that is delivered before everything that survived, telling the
// consumer to re-query the registry.
type Subscription struct {
	id      string
	ch      chan Notification
	metrics MetricsReporter

	mu sync.Mutex
	// ring is a fixed-capacity circular buffer of pending notifications.
	ring []Notification
	head int
	n    int
	// dropped counts discarded notifications since the last marker.
	dropped uint64
	closed  bool

	// wake signals the pump that the backlog went non-empty.
	wake chan struct{}
	// done stops the pump; closed exactly once by close.
	done chan struct{}
}

func newSubscription(id string, limit int, metrics MetricsReporter) *Subscription {
	return &Subscription{
		id:      id,
		ch:      make(chan Notification),
		metrics: metrics,
		ring:    make([]Notification, limit),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// ID returns the subscription id used with Unsubscribe.
func (s *Subscription) ID() string { return s.id }

// Notifications returns the consumer-facing channel. It is closed when
// the subscriber is unsubscribed or the registry shuts down.
func (s *Subscription) Notifications() <-chan Notification { return s.ch }

// enqueue appends one notification to the backlog, discarding the
// oldest pending entry when full. Never blocks.
func (s *Subscription) enqueue(n Notification) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.n == len(s.ring) {
		s.ring[s.head] = Notification{}
		s.head = (s.head + 1) % len(s.ring)
		s.n--
		s.dropped++
		s.metrics.IncNotificationsDropped()
	}
	s.ring[(s.head+s.n)%len(s.ring)] = n
	s.n++
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest pending notification. A pending drop counter
// takes precedence: it is delivered as a BacklogDropped marker ahead of
// the surviving entries, which all postdate the discarded ones.
func (s *Subscription) next() (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dropped > 0 {
		n := Notification{
			Kind:      BacklogDropped,
			Count:     s.dropped,
			Timestamp: time.Now(),
		}
		s.dropped = 0
		return n, true
	}
	if s.n == 0 {
		return Notification{}, false
	}
	n := s.ring[s.head]
	s.ring[s.head] = Notification{}
	s.head = (s.head + 1) % len(s.ring)
	s.n--
	return n, true
}

// pump drains the backlog into the consumer channel until closed.
func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		n, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.ch <- n:
		case <-s.done:
			return
		}
	}
}

// close stops the pump. Pending notifications are discarded; the
// consumer channel closes once the pump exits.
func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}
