package broadcast

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"prism-board/domain"
	"prism-board/internal/consts"
)

// RedisPublisher publishes envelopes on Redis pub/sub so every API instance
// can relay them to its own subscribers.
type RedisPublisher struct {
	rc *redis.Client
}

// NewRedisPublisher creates a publisher over rc.
func NewRedisPublisher(rc *redis.Client) *RedisPublisher {
	if rc == nil {
		panic("broadcast.NewRedisPublisher: redis client is nil")
	}
	return &RedisPublisher{rc: rc}
}

// Publish implements ordering.Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, eventType string, entity any, projectID string) error {
	data, err := Encode(eventType, entity, projectID)
	if err != nil {
		return err
	}
	return p.PublishTo(ctx, domain.ProjectChannel(projectID), data)
}

// PublishTo sends a raw message to a subscriber channel such as user:<id>.
func (p *RedisPublisher) PublishTo(ctx context.Context, channel string, data []byte) error {
	if err := p.rc.Publish(ctx, RedisChannel(channel), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// RedisChannel maps a subscriber channel to its Redis pub/sub channel.
func RedisChannel(channel string) string {
	return consts.BroadcastChannelPrefix + channel
}
