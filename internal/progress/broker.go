package progress

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Broker is a topic based fan-out transport.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns once the subscription is live.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// RedisBroker fans out over Redis pub/sub so every server instance sees
// events published by workers.
type RedisBroker struct {
	redis *redis.Client
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{redis: client}
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.redis.Publish(ctx, topic, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := b.redis.Subscribe(ctx, topic)
	// Wait for the subscribe confirmation so nothing published after this
	// call returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	ch := s.ps.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
