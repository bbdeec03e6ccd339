package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storepulse/internal/domain"
	"storepulse/internal/health"
	"storepulse/internal/notifier"
	"storepulse/internal/repository"

	"go.uber.org/zap"
)

// DefaultCooldown 默认冷却窗口：报警解决后这段时间内同目标同类型再触发，
// 只刷新旧记录不建新行，避免设备抖动造成报警风暴
const DefaultCooldown = 5 * time.Minute

// Engine 升级引擎
// 订阅状态转换事件，维护报警生命周期：
// 同一 (tenant, entity, type) 至多一条未解决报警；级别只升不降；
// 恢复即解决；通知失败绝不回滚报警状态
type Engine struct {
	alertsRepo   *repository.PostgresAlertsRepository
	devicesRepo  *repository.PostgresDevicesRepository
	tenantsRepo  *repository.PostgresTenantsRepository
	stateManager *StateManager
	thresholds   health.ThresholdTable
	dispatcher   *notifier.Dispatcher
	cooldown     time.Duration
	logger       *zap.Logger
}

// NewEngine 创建升级引擎
func NewEngine(
	alertsRepo *repository.PostgresAlertsRepository,
	devicesRepo *repository.PostgresDevicesRepository,
	tenantsRepo *repository.PostgresTenantsRepository,
	stateManager *StateManager,
	thresholds health.ThresholdTable,
	dispatcher *notifier.Dispatcher,
	cooldown time.Duration,
	logger *zap.Logger,
) *Engine {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Engine{
		alertsRepo:   alertsRepo,
		devicesRepo:  devicesRepo,
		tenantsRepo:  tenantsRepo,
		stateManager: stateManager,
		thresholds:   thresholds,
		dispatcher:   dispatcher,
		cooldown:     cooldown,
		logger:       logger,
	}
}

// HandleTransition 处理一条状态转换消息
func (e *Engine) HandleTransition(ctx context.Context, msg health.TransitionMessage) error {
	switch {
	case msg.NewStatus == domain.StatusSilent:
		return e.handleSilent(ctx, msg)
	case msg.OldStatus == domain.StatusSilent && msg.NewStatus == domain.StatusActive:
		return e.handleRecovery(ctx, msg)
	default:
		// 其他转换（如 active→inactive）不驱动报警
		return nil
	}
}

// handleSilent 设备进入静默：建报警或原地升级，绝不重复建行
func (e *Engine) handleSilent(ctx context.Context, msg health.TransitionMessage) error {
	existing, err := e.alertsRepo.GetActiveAlert(ctx, msg.TenantID, msg.DeviceID, domain.AlertTypeSilent)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	if existing != nil {
		// 已有活跃报警：级别只升不降
		if domain.SeverityGreater(msg.Severity, existing.Severity) {
			message := silenceMessage(msg.DeviceID, msg.Severity)
			if err := e.alertsRepo.EscalateSeverity(ctx, msg.TenantID, existing.AlertID, msg.Severity, message); err != nil {
				return err
			}
			e.dispatcher.Dispatch(ctx, notifier.Notification{
				TenantID:  msg.TenantID,
				EntityID:  msg.DeviceID,
				AlertID:   existing.AlertID,
				AlertType: domain.AlertTypeSilent,
				Severity:  msg.Severity,
				Message:   message,
			})
		}
		return nil
	}

	// 冷却窗口内重新触发：重新打开旧行，不建新行也不重发通知
	// 只刷新时间戳是不够的——冷却 TTL 过期后设备还 silent 但没有活跃
	// 报警，检测器不会为已 silent 的设备再发转换，重开旧行才不会漏报
	cooldownState, err := e.stateManager.GetCooldown(ctx, msg.TenantID, msg.DeviceID, domain.AlertTypeSilent)
	if err != nil {
		// 冷却状态读失败按不在冷却处理（宁多一条报警，不漏报）
		e.logger.Error("Failed to read cooldown state, treating as not in cooldown",
			zap.String("device_id", msg.DeviceID),
			zap.Error(err),
		)
	}
	if cooldownState != nil {
		e.logger.Info("Silence re-entry within cooldown window, reopening previous alert",
			zap.String("tenant_id", msg.TenantID),
			zap.String("device_id", msg.DeviceID),
			zap.String("alert_id", cooldownState.AlertID),
		)
		err := e.alertsRepo.ReopenAlert(ctx, msg.TenantID, cooldownState.AlertID,
			msg.Severity, silenceMessage(msg.DeviceID, msg.Severity))
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		// 旧行不在了：落到下面正常建新报警
	}

	alert := &domain.Alert{
		TenantID:  msg.TenantID,
		EntityID:  msg.DeviceID,
		AlertType: domain.AlertTypeSilent,
		Severity:  msg.Severity,
		Message:   silenceMessage(msg.DeviceID, msg.Severity),
	}
	if err := e.alertsRepo.CreateAlert(ctx, alert); err != nil {
		return err
	}

	e.dispatcher.Dispatch(ctx, notifier.Notification{
		TenantID:  alert.TenantID,
		EntityID:  alert.EntityID,
		AlertID:   alert.AlertID,
		AlertType: alert.AlertType,
		Severity:  alert.Severity,
		Message:   alert.Message,
	})
	return nil
}

// handleRecovery 设备恢复：解决活跃报警并开启冷却窗口
func (e *Engine) handleRecovery(ctx context.Context, msg health.TransitionMessage) error {
	existing, err := e.alertsRepo.GetActiveAlert(ctx, msg.TenantID, msg.DeviceID, domain.AlertTypeSilent)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// 没有对应报警（比如冷却期内抖动恢复），无事可做
			return nil
		}
		return err
	}

	if err := e.alertsRepo.ResolveAlert(ctx, msg.TenantID, existing.AlertID); err != nil {
		return err
	}

	// 冷却状态写失败只记日志：最坏情况是抖动时多建一条报警
	err = e.stateManager.SetCooldown(ctx, msg.TenantID, msg.DeviceID, domain.AlertTypeSilent, CooldownState{
		AlertID:    existing.AlertID,
		Severity:   string(existing.Severity),
		ResolvedAt: time.Now().UTC(),
	}, e.cooldown)
	if err != nil {
		e.logger.Error("Failed to set cooldown state",
			zap.String("device_id", msg.DeviceID),
			zap.Error(err),
		)
	}

	e.dispatcher.Dispatch(ctx, notifier.Notification{
		TenantID:  msg.TenantID,
		EntityID:  msg.DeviceID,
		AlertID:   existing.AlertID,
		AlertType: domain.AlertTypeSilent,
		Severity:  existing.Severity,
		Message: fmt.Sprintf("device %s recovered after %.0f seconds of silence",
			msg.DeviceID, msg.DownSeconds),
		Recovered: true,
	})
	return nil
}

// SweepEscalations 级别升级巡检
// 未解决的静默报警随静默时间增长，新越过 critical/emergency 阈值时原地升级并重新通知
func (e *Engine) SweepEscalations(ctx context.Context, now time.Time) {
	tenantIDs, err := e.tenantsRepo.ListActiveTenantIDs(ctx)
	if err != nil {
		e.logger.Error("Failed to list tenants for escalation sweep", zap.Error(err))
		return
	}

	for _, tenantID := range tenantIDs {
		alerts, err := e.alertsRepo.ListActiveAlertsByType(ctx, tenantID, domain.AlertTypeSilent)
		if err != nil {
			e.logger.Error("Failed to list active alerts",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			continue
		}

		for _, alert := range alerts {
			if err := e.escalateIfNeeded(ctx, alert, now); err != nil {
				// 单条报警失败不阻塞其余报警的巡检
				e.logger.Error("Failed to re-evaluate alert severity",
					zap.String("tenant_id", tenantID),
					zap.String("alert_id", alert.AlertID),
					zap.Error(err),
				)
			}
		}
	}
}

func (e *Engine) escalateIfNeeded(ctx context.Context, alert *domain.Alert, now time.Time) error {
	device, err := e.devicesRepo.GetDevice(ctx, alert.TenantID, alert.EntityID)
	if err != nil {
		return err
	}
	if device.Status != domain.StatusSilent {
		// 状态已变（恢复事件在路上），交给转换处理
		return nil
	}

	var silence time.Duration
	neverReported := device.LastReadingAt == nil
	if !neverReported {
		silence = now.Sub(*device.LastReadingAt)
	}

	severity, crossed := e.thresholds.SeverityFor(device.DeviceType, silence, neverReported)
	if !crossed || !domain.SeverityGreater(severity, alert.Severity) {
		// 级别不升不动：不做自动降级，降级只能通过显式解决
		return nil
	}

	message := silenceMessage(alert.EntityID, severity)
	if err := e.alertsRepo.EscalateSeverity(ctx, alert.TenantID, alert.AlertID, severity, message); err != nil {
		return err
	}

	e.logger.Warn("Alert severity escalated",
		zap.String("tenant_id", alert.TenantID),
		zap.String("alert_id", alert.AlertID),
		zap.String("entity_id", alert.EntityID),
		zap.String("from", string(alert.Severity)),
		zap.String("to", string(severity)),
	)

	e.dispatcher.Dispatch(ctx, notifier.Notification{
		TenantID:  alert.TenantID,
		EntityID:  alert.EntityID,
		AlertID:   alert.AlertID,
		AlertType: alert.AlertType,
		Severity:  severity,
		Message:   message,
	})
	return nil
}

func silenceMessage(deviceID string, severity domain.AlertSeverity) string {
	return fmt.Sprintf("device %s has gone silent (severity: %s)", deviceID, severity)
}
