package notifier

import (
	"context"

	"storepulse/internal/domain"

	"go.uber.org/zap"
)

// Notification 下发给通知通道的载荷
type Notification struct {
	TenantID  string               `json:"tenant_id"`
	EntityID  string               `json:"entity_id"`
	AlertID   string               `json:"alert_id"`
	AlertType string               `json:"alert_type"`
	Severity  domain.AlertSeverity `json:"severity"`
	Message   string               `json:"message"`
	Recovered bool                 `json:"recovered"`
}

// Notifier 通知通道抽象
// 升级引擎视角下 fire-and-forget：通道失败只记日志，绝不回滚报警状态
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Dispatcher 多通道扇出分发器
// 各通道独立调用，互不影响
type Dispatcher struct {
	channels []Notifier
	logger   *zap.Logger
}

// NewDispatcher 创建分发器
func NewDispatcher(logger *zap.Logger, channels ...Notifier) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		logger:   logger,
	}
}

// Dispatch 向所有已注册通道分发通知
// 失败的通道记录日志后继续，不向调用方返回错误
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) {
	for _, ch := range d.channels {
		if err := ch.Notify(ctx, n); err != nil {
			d.logger.Error("Notification channel failed",
				zap.String("channel", ch.Name()),
				zap.String("tenant_id", n.TenantID),
				zap.String("entity_id", n.EntityID),
				zap.String("alert_type", n.AlertType),
				zap.Error(err),
			)
		}
	}
}
