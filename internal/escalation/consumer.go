package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"storepulse/internal/health"
	"storepulse/pkg/redisx"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ConsumerGroup 升级引擎消费者组
const ConsumerGroup = "escalation-engine"

// StreamConsumer 状态转换事件的 Redis Streams 消费者
type StreamConsumer struct {
	redisClient  *redis.Client
	engine       *Engine
	consumerName string
	batchSize    int64
	logger       *zap.Logger
}

// NewStreamConsumer 创建 Streams 消费者
func NewStreamConsumer(redisClient *redis.Client, engine *Engine, consumerName string, logger *zap.Logger) *StreamConsumer {
	return &StreamConsumer{
		redisClient:  redisClient,
		engine:       engine,
		consumerName: consumerName,
		batchSize:    20,
		logger:       logger,
	}
}

// Start 启动消费循环（阻塞直到 ctx 取消）
func (c *StreamConsumer) Start(ctx context.Context) error {
	if err := redisx.CreateConsumerGroup(ctx, c.redisClient, health.StatusStream, ConsumerGroup); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("Escalation stream consumer started",
		zap.String("stream", health.StatusStream),
		zap.String("consumer_group", ConsumerGroup),
		zap.String("consumer_name", c.consumerName),
	)

	// 消费失败时指数退避，成功后复位
	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if err := c.consumeOnce(ctx); err != nil {
				c.logger.Error("Failed to consume status stream",
					zap.Error(err),
					zap.Duration("backoff", backoffDuration),
				)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoffDuration):
					backoffDuration *= 2
					if backoffDuration > maxBackoff {
						backoffDuration = maxBackoff
					}
				}
			} else {
				backoffDuration = time.Second
			}
		}
	}
}

// consumeOnce 读取并处理一批消息
func (c *StreamConsumer) consumeOnce(ctx context.Context) error {
	messages, err := redisx.ReadFromStream(ctx, c.redisClient,
		health.StatusStream, ConsumerGroup, c.consumerName, c.batchSize)
	if err != nil {
		return err
	}

	for _, msg := range messages {
		if err := c.handleMessage(ctx, msg); err != nil {
			// 单条消息失败不 ack，留待 pending 重投；继续处理后续消息
			c.logger.Error("Failed to handle transition message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		if err := redisx.AckMessage(ctx, c.redisClient, health.StatusStream, ConsumerGroup, msg.ID); err != nil {
			c.logger.Error("Failed to ack message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (c *StreamConsumer) handleMessage(ctx context.Context, msg redisx.StreamMessage) error {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return fmt.Errorf("stream message %s has no data field", msg.ID)
	}

	var transition health.TransitionMessage
	if err := json.Unmarshal([]byte(raw), &transition); err != nil {
		return fmt.Errorf("failed to unmarshal transition message: %w", err)
	}

	return c.engine.HandleTransition(ctx, transition)
}
