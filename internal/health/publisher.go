package health

import (
	"context"
	"fmt"

	"storepulse/pkg/redisx"

	"github.com/go-redis/redis/v8"
)

// StatusStream 设备状态转换事件流
const StatusStream = "storepulse:device-status"

// RedisTransitionPublisher 基于 Redis Streams 的转换事件发布器
type RedisTransitionPublisher struct {
	client *redis.Client
}

// NewRedisTransitionPublisher 创建发布器
func NewRedisTransitionPublisher(client *redis.Client) *RedisTransitionPublisher {
	return &RedisTransitionPublisher{client: client}
}

var _ TransitionPublisher = (*RedisTransitionPublisher)(nil)

// PublishTransition 发布状态转换消息
func (p *RedisTransitionPublisher) PublishTransition(ctx context.Context, msg TransitionMessage) error {
	if _, err := redisx.PublishJSONToStream(ctx, p.client, StatusStream, msg); err != nil {
		return fmt.Errorf("failed to publish transition to stream: %w", err)
	}
	return nil
}
