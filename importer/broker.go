package importer

import (
	"context"
	"sync"

	"github.com/khankhulgun/offlinemap/models"
)

// broker fans the messages of one import out to any number of subscribers.
// Each subscriber buffers without bound so a slow reader never holds up the
// worker. The terminal message is kept and replayed to late subscribers.
type broker struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	terminal *models.ProgressMessage
}

func newBroker() *broker {
	return &broker{subs: map[*Subscription]struct{}{}}
}

func (b *broker) publish(m models.ProgressMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal != nil {
		return
	}
	for s := range b.subs {
		s.push(m, m.Terminal())
	}
	if m.Terminal() {
		b.terminal = &m
		b.subs = nil
	}
}

func (b *broker) subscribe() *Subscription {
	s := &Subscription{notify: make(chan struct{}, 1)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal != nil {
		s.push(*b.terminal, true)
		return s
	}
	s.broker = b
	b.subs[s] = struct{}{}
	return s
}

func (b *broker) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

func (b *broker) finished() (models.ProgressMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal == nil {
		return models.ProgressMessage{}, false
	}
	return *b.terminal, true
}

// Subscription receives the messages of one import from the moment it was
// created. It ends after the terminal message.
type Subscription struct {
	broker *broker
	notify chan struct{}

	mu     sync.Mutex
	queue  []models.ProgressMessage
	closed bool
}

// closedSubscription yields nothing.
func closedSubscription() *Subscription {
	return &Subscription{notify: make(chan struct{}, 1), closed: true}
}

func (s *Subscription) push(m models.ProgressMessage, last bool) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, m)
		s.closed = last
	}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks for the next message. ok is false once the sequence has ended
// or ctx is done.
func (s *Subscription) Next(ctx context.Context) (models.ProgressMessage, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			m := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return m, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return models.ProgressMessage{}, false
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return models.ProgressMessage{}, false
		}
	}
}

// Close detaches the subscription; Next returns whatever is still queued.
func (s *Subscription) Close() {
	if s.broker != nil {
		s.broker.unsubscribe(s)
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
