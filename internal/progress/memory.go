package progress

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process broker for single instance deployments.
// A subscriber whose buffer is full is dropped and its channel closed.
type MemoryBroker struct {
	// subscribers grouped by topic
	subs map[string]map[*memorySubscription]bool

	register   chan *memorySubscription
	unregister chan *memorySubscription
	broadcast  chan memoryMessage
	stop       chan struct{}
	stopOnce   sync.Once

	mu sync.RWMutex
}

type memoryMessage struct {
	topic   string
	payload []byte
}

type memorySubscription struct {
	topic  string
	send   chan []byte
	broker *MemoryBroker
	once   sync.Once
}

func NewMemoryBroker() *MemoryBroker {
	b := &MemoryBroker{
		subs:       make(map[string]map[*memorySubscription]bool),
		register:   make(chan *memorySubscription),
		unregister: make(chan *memorySubscription),
		broadcast:  make(chan memoryMessage, 256),
		stop:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *MemoryBroker) run() {
	for {
		select {
		case sub := <-b.register:
			b.mu.Lock()
			if b.subs[sub.topic] == nil {
				b.subs[sub.topic] = make(map[*memorySubscription]bool)
			}
			b.subs[sub.topic][sub] = true
			b.mu.Unlock()

		case sub := <-b.unregister:
			b.mu.Lock()
			b.remove(sub)
			b.mu.Unlock()

		case msg := <-b.broadcast:
			b.mu.Lock()
			for sub := range b.subs[msg.topic] {
				select {
				case sub.send <- msg.payload:
				default:
					b.remove(sub)
				}
			}
			b.mu.Unlock()

		case <-b.stop:
			b.mu.Lock()
			for _, subs := range b.subs {
				for sub := range subs {
					b.remove(sub)
				}
			}
			b.mu.Unlock()
			return
		}
	}
}

// remove must be called with mu held.
func (b *MemoryBroker) remove(sub *memorySubscription) {
	subs, ok := b.subs[sub.topic]
	if !ok || !subs[sub] {
		return
	}
	delete(subs, sub)
	close(sub.send)
	if len(subs) == 0 {
		delete(b.subs, sub.topic)
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case b.broadcast <- memoryMessage{topic: topic, payload: payload}:
		return nil
	case <-b.stop:
		return errSubscriptionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	sub := &memorySubscription{
		topic:  topic,
		send:   make(chan []byte, 64),
		broker: b,
	}
	select {
	case b.register <- sub:
		return sub, nil
	case <-b.stop:
		return nil, errSubscriptionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the broker and closes every open subscription.
func (b *MemoryBroker) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Subscribers returns the number of live subscriptions on topic.
func (b *MemoryBroker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.send
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		select {
		case s.broker.unregister <- s:
		case <-s.broker.stop:
		}
	})
	return nil
}
