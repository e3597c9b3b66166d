package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// reconnectBackoff is how long RedisBus waits before resubscribing after the
// underlying connection drops.
const reconnectBackoff = time.Second

// RedisBus implements Bus over a Redis Pub/Sub connection. One client
// handles publishes; Subscribe opens its own dedicated *redis.PubSub (Redis
// requires a separate connection for subscriptions) and reconnects on error
// until ctx is canceled.
type RedisBus struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisBus connects to a Redis server at addr ("host:port").
func NewRedisBus(addr string, log zerolog.Logger) *RedisBus {
	return &RedisBus{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		log:    log.With().Str("component", "bus").Logger(),
	}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topics ...string) (<-chan Message, error) {
	out := make(chan Message)
	go b.serveSubscription(ctx, topics, out)
	return out, nil
}

func (b *RedisBus) serveSubscription(ctx context.Context, topics []string, out chan<- Message) {
	defer close(out)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := b.subscribeOnce(ctx, topics, out); err != nil {
			b.log.Warn().Err(err).Msg("pub/sub connection lost, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectBackoff):
			}
		}
	}
}

func (b *RedisBus) subscribeOnce(ctx context.Context, topics []string, out chan<- Message) error {
	sub := b.client.Subscribe(ctx, topics...)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			select {
			case out <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
