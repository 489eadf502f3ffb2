package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrSubscriptionClosed is returned by StreamSub.Next after the subscription
// has been removed from the fan-out and its queue drained.
var ErrSubscriptionClosed = errors.New("subscription closed")

const (
	// DefaultMailboxBuffer is the mailbox channel capacity when the
	// subscriber does not choose one.
	DefaultMailboxBuffer = 256

	// DefaultStreamQueue is the bounded queue size for pull subscribers
	// when the caller does not choose one.
	DefaultStreamQueue = 1024
)

// subscriber is the delivery side of a subscription. deliver must never
// block; closeSub must be safe to call more than once.
type subscriber interface {
	ID() string
	deliver(e Event)
	closeSub()
}

// FanOut multiplexes session events to subscribers. Sequence numbers are
// assigned at publish under one lock, so every subscriber that sees two
// events sees them in the same order. Publish never blocks: saturated
// mailboxes drop the event, full stream queues drop their oldest entry.
type FanOut struct {
	sessionID string
	now       func() time.Time

	mu     sync.Mutex
	seq    uint64
	subs   map[string]subscriber
	closed bool
}

// NewFanOut creates a fan-out for one session.
func NewFanOut(sessionID string) *FanOut {
	return &FanOut{
		sessionID: sessionID,
		now:       time.Now,
		subs:      make(map[string]subscriber),
	}
}

// SubscribeMailbox registers a push subscriber backed by a buffered channel.
// buffer <= 0 uses DefaultMailboxBuffer. Events published while the channel
// is full are dropped for this subscriber only and counted on it.
func (f *FanOut) SubscribeMailbox(buffer int) *MailboxSub {
	if buffer <= 0 {
		buffer = DefaultMailboxBuffer
	}
	sub := &MailboxSub{
		id: uuid.New().String(),
		ch: make(chan Event, buffer),
	}
	f.add(sub)
	return sub
}

// SubscribeStream registers a pull subscriber with a bounded queue.
// maxQueue <= 0 uses DefaultStreamQueue. When a publish finds the queue
// full, the oldest queued event is discarded and the overflow counter
// incremented.
func (f *FanOut) SubscribeStream(maxQueue int) *StreamSub {
	if maxQueue <= 0 {
		maxQueue = DefaultStreamQueue
	}
	sub := &StreamSub{
		id:     uuid.New().String(),
		max:    maxQueue,
		notify: make(chan struct{}, 1),
	}
	f.add(sub)
	return sub
}

func (f *FanOut) add(sub subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		sub.closeSub()
		return
	}
	f.subs[sub.ID()] = sub
}

// Unsubscribe removes a subscriber and closes its delivery side. Unknown or
// already-removed ids are a no-op.
func (f *FanOut) Unsubscribe(id string) {
	f.mu.Lock()
	sub, ok := f.subs[id]
	if ok {
		delete(f.subs, id)
	}
	f.mu.Unlock()
	if ok {
		sub.closeSub()
	}
}

// Publish stamps the event with the session id, the next sequence number,
// and a timestamp, then delivers it to every subscriber without blocking.
func (f *FanOut) Publish(e Event) Event {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return e
	}
	f.seq++
	e.Seq = f.seq
	e.SessionID = f.sessionID
	if e.Timestamp == 0 {
		e.Timestamp = f.now().UnixMilli()
	}
	for _, sub := range f.subs {
		sub.deliver(e)
	}
	f.mu.Unlock()
	return e
}

// SubscriberCount reports the number of live subscriptions.
func (f *FanOut) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close removes and closes every subscriber. Further publishes are dropped.
func (f *FanOut) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := make([]subscriber, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.subs = make(map[string]subscriber)
	f.mu.Unlock()
	for _, sub := range subs {
		sub.closeSub()
	}
}

// MailboxSub receives events over a channel. The channel is closed on
// unsubscribe or fan-out shutdown.
type MailboxSub struct {
	id      string
	ch      chan Event
	dropped uint64
	closed  uint32
}

// ID returns the handle used with Unsubscribe.
func (s *MailboxSub) ID() string { return s.id }

// Events is the receive side of the mailbox.
func (s *MailboxSub) Events() <-chan Event { return s.ch }

// DroppedEvents reports how many events were discarded because the mailbox
// was full at publish time.
func (s *MailboxSub) DroppedEvents() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

func (s *MailboxSub) deliver(e Event) {
	if atomic.LoadUint32(&s.closed) == 1 {
		return
	}
	select {
	case s.ch <- e:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

func (s *MailboxSub) closeSub() {
	if atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		close(s.ch)
	}
}

// StreamSub is a pull subscriber over a bounded queue.
type StreamSub struct {
	id     string
	max    int
	notify chan struct{}

	mu       sync.Mutex
	queue    []Event
	overflow uint64
	closed   bool
}

// ID returns the handle used with Unsubscribe.
func (s *StreamSub) ID() string { return s.id }

// Overflow reports how many events were discarded to keep the queue within
// its bound.
func (s *StreamSub) Overflow() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflow
}

// Next returns the oldest queued event, waiting for one if the queue is
// empty. It returns ErrSubscriptionClosed once the subscription is closed
// and drained, or the context error if ctx is done first.
func (s *StreamSub) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return e, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Event{}, ErrSubscriptionClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// TryNext returns the oldest queued event without waiting.
func (s *StreamSub) TryNext() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	return e, true
}

func (s *StreamSub) deliver(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.max {
		s.queue = s.queue[1:]
		s.overflow++
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.wake()
}

func (s *StreamSub) closeSub() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *StreamSub) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
