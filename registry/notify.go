package registry

// This file contains the notifiers that announce test record changes to
// dashboards.

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/testbit/testbit/model"
)

// DefaultChannel is the redis channel test updates are published on.
const DefaultChannel = "testbit:tests"

// Notifier is told about every committed change of a test record.
type Notifier interface {
	Publish(ctx context.Context, t model.Test) error
	Close() error
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, model.Test) error { return nil }

func (nopNotifier) Close() error { return nil }

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisNotifier publishes each changed record as JSON on a redis channel.
type RedisNotifier struct {
	client  redisPublisher
	channel string
}

// NewRedisNotifier connects to the redis server at url, for example
// redis://127.0.0.1:6379/0.
func NewRedisNotifier(url, channel string) (*RedisNotifier, error) {
	if url == "" {
		url = "redis://127.0.0.1:6379"
	}
	if channel == "" {
		channel = DefaultChannel
	}
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &RedisNotifier{
		client:  redis.NewClient(options),
		channel: channel,
	}, nil
}

// Update is the payload published for a test record.
type Update struct {
	Test model.Test `json:"test"`
	// Human-readable status
	Label string `json:"label"`
	// Time control as maintime+increment
	TC string `json:"tc"`
}

func (n *RedisNotifier) Publish(ctx context.Context, t model.Test) error {
	raw, err := json.Marshal(Update{Test: t, Label: t.Status.Label(), TC: t.TimeControl()})
	if err != nil {
		return fmt.Errorf("failed to marshal test %d: %w", t.ID, err)
	}
	if err := n.client.Publish(ctx, n.channel, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish test %d: %w", t.ID, err)
	}
	return nil
}

func (n *RedisNotifier) Close() error {
	if n == nil || n.client == nil {
		return nil
	}
	return n.client.Close()
}
