package queue

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultWakeChannel is the pub/sub channel used for enqueue notifications.
const DefaultWakeChannel = "clf:jobs:wake"

// RedisNotifier publishes enqueue notifications over Redis pub/sub so
// workers in other processes wake before their next poll. The SQL store
// stays the source of truth; a lost message only delays a claim until the
// next poll.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisNotifier wraps an existing client. An empty channel selects
// DefaultWakeChannel.
func NewRedisNotifier(client *redis.Client, channel string, logger *slog.Logger) *RedisNotifier {
	if channel == "" {
		channel = DefaultWakeChannel
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RedisNotifier{client: client, channel: channel, logger: logger}
}

// Notify publishes the job kind on the wake channel.
func (n *RedisNotifier) Notify(ctx context.Context, kind string) error {
	return n.client.Publish(ctx, n.channel, kind).Err()
}

// Subscribe returns a channel that receives a signal per notification. Bursts
// collapse into one pending signal. The returned channel closes when ctx is
// done.
func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	sub := n.client.Subscribe(ctx, n.channel)
	// Wait for the subscription to be confirmed so no publish is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	wake := make(chan struct{}, 1)
	msgs := sub.Channel()
	go func() {
		defer close(wake)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()
	return wake, nil
}

// Ping checks Redis reachability.
func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}
