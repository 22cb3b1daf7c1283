package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 64

// subscription delivers events to one subscriber. Publishers append to the
// mailbox and never wait; a forwarder goroutine moves the mailbox into ch
// at the subscriber's pace. The forwarder is the only sender on ch and the
// only one that closes it.
type subscription[T any] struct {
	ch   chan Event[T]
	ctx  context.Context
	wake chan struct{}

	mu       sync.Mutex
	mailbox  []Event[T]
	inflight bool
}

func (s *subscription[T]) push(e Event[T]) {
	s.mu.Lock()
	s.mailbox = append(s.mailbox, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// tryPush queues e only if the subscriber's backlog is below limit.
func (s *subscription[T]) tryPush(e Event[T], limit int) bool {
	s.mu.Lock()
	backlog := len(s.mailbox) + len(s.ch)
	if s.inflight {
		backlog++
	}
	if backlog >= limit {
		s.mu.Unlock()
		return false
	}
	s.mailbox = append(s.mailbox, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *subscription[T]) pop() (Event[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.mailbox) == 0 {
		var zero Event[T]
		return zero, false
	}
	e := s.mailbox[0]
	s.mailbox[0] = Event[T]{}
	s.mailbox = s.mailbox[1:]
	if len(s.mailbox) == 0 {
		s.mailbox = nil
	}
	s.inflight = true
	return e, true
}

func (s *subscription[T]) delivered() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

// pending returns how many events have not reached the channel yet.
func (s *subscription[T]) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return len(s.mailbox) + 1
	}
	return len(s.mailbox)
}

// Broker is a generic topic-keyed pub/sub event broker.
//
// Publish never blocks on a subscriber: each subscription has its own
// mailbox drained in order, so one slow subscriber neither loses events nor
// holds back other topics. TryPublish is the lossy variant for fan-out
// where dropping is acceptable (log tailing).
type Broker[T any] struct {
	subs       map[string]map[*subscription[T]]struct{}
	mu         sync.RWMutex
	done       chan struct{}
	closeOnce  sync.Once
	bufferSize int
}

// NewBroker creates a new broker with the default buffer size (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a new broker with a custom per-subscriber
// channel buffer size. The size is also the backlog TryPublish tolerates.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Broker[T]{
		subs:       make(map[string]map[*subscription[T]]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe creates a new subscription channel for topic.
// The channel is automatically closed when ctx is cancelled or the broker closes.
func (b *Broker[T]) Subscribe(ctx context.Context, topic string) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := &subscription[T]{
		ch:   make(chan Event[T], b.bufferSize),
		ctx:  ctx,
		wake: make(chan struct{}, 1),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscription[T]]struct{})
	}
	b.subs[topic][sub] = struct{}{}

	go b.forward(topic, sub)

	return sub.ch
}

// forward drains sub's mailbox into its channel until the subscriber goes
// away or the broker closes.
func (b *Broker[T]) forward(topic string, sub *subscription[T]) {
	defer close(sub.ch)

	for {
		e, ok := sub.pop()
		if !ok {
			select {
			case <-sub.wake:
				continue
			case <-sub.ctx.Done():
				b.unsubscribe(topic, sub)
				return
			case <-b.done:
				return
			}
		}

		select {
		case sub.ch <- e:
			sub.delivered()
		case <-sub.ctx.Done():
			b.unsubscribe(topic, sub)
			return
		case <-b.done:
			return
		}
	}
}

func (b *Broker[T]) unsubscribe(topic string, sub *subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		return
	}
	delete(b.subs[topic], sub)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Publish queues an event for every subscriber of topic. It does not wait
// for subscribers to read; it returns ctx.Err() if ctx has already ended
// and ErrClosed if the broker is closed.
func (b *Broker[T]) Publish(ctx context.Context, topic string, eventType EventType, payload T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	event := Event[T]{
		Topic:     topic,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	for sub := range b.subs[topic] {
		if sub.ctx.Err() != nil {
			continue
		}
		sub.push(event)
	}
	return nil
}

// TryPublish sends an event to every subscriber of topic without growing a
// backlog. Events are dropped for subscribers already holding a full buffer.
func (b *Broker[T]) TryPublish(topic string, eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	event := Event[T]{
		Topic:     topic,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	for sub := range b.subs[topic] {
		sub.tryPush(event, b.bufferSize)
	}
}

// Close shuts down the broker. Every subscriber channel is closed; events
// still waiting in a mailbox are discarded.
func (b *Broker[T]) Close() {
	b.closeOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = nil
	})
}

// SubscriberCount returns the number of active subscribers for topic.
func (b *Broker[T]) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Topics returns the number of topics with at least one subscriber.
func (b *Broker[T]) Topics() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Backlog returns the number of events queued for subscribers of topic
// that have not yet reached their channels.
func (b *Broker[T]) Backlog(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for sub := range b.subs[topic] {
		n += sub.pending()
	}
	return n
}
