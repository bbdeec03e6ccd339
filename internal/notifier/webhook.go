package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookNotifier Webhook 通知通道
// 失败由 resty 自带重试兜底，重试仍失败交给 Dispatcher 记日志
type WebhookNotifier struct {
	httpClient *resty.Client
	url        string
	logger     *zap.Logger
}

// NewWebhookNotifier 创建 Webhook 通道
func NewWebhookNotifier(url string, logger *zap.Logger) *WebhookNotifier {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &WebhookNotifier{
		httpClient: client,
		url:        url,
		logger:     logger,
	}
}

var _ Notifier = (*WebhookNotifier)(nil)

func (w *WebhookNotifier) Name() string { return "webhook" }

// Notify 推送通知
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	resp, err := w.httpClient.R().
		SetContext(ctx).
		SetBody(n).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}

	w.logger.Debug("Webhook notification delivered",
		zap.String("tenant_id", n.TenantID),
		zap.String("entity_id", n.EntityID),
	)
	return nil
}

// LogNotifier 日志通知通道（兜底通道，永远可用）
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志通道
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

var _ Notifier = (*LogNotifier)(nil)

func (l *LogNotifier) Name() string { return "log" }

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.Warn("ALERT",
		zap.String("tenant_id", n.TenantID),
		zap.String("entity_id", n.EntityID),
		zap.String("alert_type", n.AlertType),
		zap.String("severity", string(n.Severity)),
		zap.Bool("recovered", n.Recovered),
		zap.String("message", n.Message),
	)
	return nil
}
