package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// cooldownKeyPrefix 冷却状态键前缀
const cooldownKeyPrefix = "escalation:cooldown:"

// CooldownState 冷却窗口内保留的上一条报警信息
// 冷却期内同目标同类型重新触发时，刷新这条旧记录而不是建新行，避免抖动刷屏
type CooldownState struct {
	AlertID    string    `json:"alert_id"`
	Severity   string    `json:"severity"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// StateManager 升级引擎的冷却状态管理器（Redis TTL 键）
// 状态归引擎实例所有、显式注入，不做进程级单例，保证租户和测试互不干扰
type StateManager struct {
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewStateManager 创建状态管理器
func NewStateManager(redisClient *redis.Client, logger *zap.Logger) *StateManager {
	return &StateManager{
		redisClient: redisClient,
		logger:      logger,
	}
}

// cooldownKey 构建冷却状态键
func (s *StateManager) cooldownKey(tenantID, entityID, alertType string) string {
	return fmt.Sprintf("%s%s:%s:%s", cooldownKeyPrefix, tenantID, entityID, alertType)
}

// SetCooldown 解决报警后开启冷却窗口（TTL 到期自动失效）
func (s *StateManager) SetCooldown(ctx context.Context, tenantID, entityID, alertType string, state CooldownState, ttl time.Duration) error {
	jsonData, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal cooldown state: %w", err)
	}

	key := s.cooldownKey(tenantID, entityID, alertType)
	if err := s.redisClient.Set(ctx, key, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cooldown state: %w", err)
	}
	return nil
}

// GetCooldown 查询冷却状态（不在冷却期返回 nil）
func (s *StateManager) GetCooldown(ctx context.Context, tenantID, entityID, alertType string) (*CooldownState, error) {
	key := s.cooldownKey(tenantID, entityID, alertType)
	val, err := s.redisClient.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cooldown state: %w", err)
	}

	var state CooldownState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cooldown state: %w", err)
	}
	return &state, nil
}

// ClearCooldown 清除冷却状态
func (s *StateManager) ClearCooldown(ctx context.Context, tenantID, entityID, alertType string) error {
	key := s.cooldownKey(tenantID, entityID, alertType)
	if err := s.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to clear cooldown state: %w", err)
	}
	return nil
}
