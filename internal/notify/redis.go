package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis fans signals out across API instances over Redis pub/sub.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed notifier
func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisWithClient(client), nil
}

// NewRedisWithClient creates a notifier from an existing Redis client
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "vtd:"}
}

func (r *Redis) channel(scope string) string {
	return r.prefix + scope
}

func (r *Redis) Publish(ctx context.Context, scope string) error {
	if err := r.client.Publish(ctx, r.channel(scope), "changed").Err(); err != nil {
		return fmt.Errorf("publish %s: %w", scope, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, scope string, onChange func()) (func(), error) {
	pubsub := r.client.Subscribe(ctx, r.channel(scope))
	// Wait for the subscription confirmation so no publish after return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", scope, err)
	}

	messages := pubsub.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range messages {
			onChange()
		}
	}()

	return releaseOnce(ctx, func() {
		_ = pubsub.Close()
		<-done
	}), nil
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	return r.client.Close()
}
