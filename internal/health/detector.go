package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storepulse/internal/domain"
	"storepulse/internal/eventstore"
	"storepulse/internal/repository"

	"go.uber.org/zap"
)

// TransitionMessage 发布到状态事件流的消息（升级引擎消费）
type TransitionMessage struct {
	TenantID    string               `json:"tenant_id"`
	DeviceID    string               `json:"device_id"`
	DeviceType  domain.DeviceType    `json:"device_type"`
	OldStatus   domain.DeviceStatus  `json:"old_status"`
	NewStatus   domain.DeviceStatus  `json:"new_status"`
	Reason      string               `json:"reason"`
	Severity    domain.AlertSeverity `json:"severity,omitempty"`
	DownSeconds float64              `json:"down_seconds,omitempty"`
	At          time.Time            `json:"at"`
}

// TransitionPublisher 状态转换事件发布接口（默认走 Redis Streams）
type TransitionPublisher interface {
	PublishTransition(ctx context.Context, msg TransitionMessage) error
}

// Detector 健康检测器
// 负责设备静默判定和状态机驱动；单个设备的失败不阻塞其他设备的评估
type Detector struct {
	store       eventstore.EventStore
	devicesRepo *repository.PostgresDevicesRepository
	tenantsRepo *repository.PostgresTenantsRepository
	thresholds  ThresholdTable
	publisher   TransitionPublisher
	logger      *zap.Logger
}

// NewDetector 创建健康检测器
func NewDetector(
	store eventstore.EventStore,
	devicesRepo *repository.PostgresDevicesRepository,
	tenantsRepo *repository.PostgresTenantsRepository,
	thresholds ThresholdTable,
	publisher TransitionPublisher,
	logger *zap.Logger,
) (*Detector, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid threshold table: %w", err)
	}
	return &Detector{
		store:       store,
		devicesRepo: devicesRepo,
		tenantsRepo: tenantsRepo,
		thresholds:  thresholds,
		publisher:   publisher,
		logger:      logger,
	}, nil
}

// RegisterDevice 注册新设备（事件流版本 0 起步，快照初始为 active）
func (d *Detector) RegisterDevice(ctx context.Context, tenantID, deviceID, storeID string, deviceType domain.DeviceType) (*domain.Device, error) {
	if !domain.ValidDeviceType(deviceType) {
		return nil, fmt.Errorf("%w: unknown device type %s", domain.ErrValidation, deviceType)
	}

	payload, err := json.Marshal(domain.RegisteredPayload{StoreID: storeID, DeviceType: deviceType})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registered payload: %w", err)
	}

	now := time.Now().UTC()
	device := &domain.Device{
		DeviceID:   deviceID,
		TenantID:   tenantID,
		StoreID:    storeID,
		DeviceType: deviceType,
		Status:     domain.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	events := []domain.DeviceEvent{{
		TenantID:  tenantID,
		StreamID:  deviceID,
		EventType: domain.EventDeviceRegistered,
		Payload:   payload,
		CreatedAt: now,
	}}

	if err := d.store.Append(ctx, tenantID, deviceID, 0, events, device); err != nil {
		return nil, err
	}
	return device, nil
}

// RecordReading 记录一条读数
// 设备非 active 时拒绝（InvalidStateTransition）；唯一例外是 silent：
// 静默设备收到有效读数即隐式恢复 silent → active，并带上停机秒数发出恢复事件
func (d *Detector) RecordReading(ctx context.Context, reading *domain.Reading) error {
	if err := reading.Validate(); err != nil {
		return err
	}

	device, err := d.devicesRepo.GetDevice(ctx, reading.TenantID, reading.DeviceID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var events []domain.DeviceEvent
	var transition *TransitionMessage

	switch device.Status {
	case domain.StatusActive:
		// 正常路径

	case domain.StatusSilent:
		// 隐式恢复：先转回 active 再记录读数
		downSeconds := now.Sub(device.UpdatedAt).Seconds()
		ev, err := domain.NewStatusChangedEvent(reading.TenantID, reading.DeviceID, domain.StatusChangedPayload{
			OldStatus:   domain.StatusSilent,
			NewStatus:   domain.StatusActive,
			Reason:      domain.ReasonRecovered,
			DownSeconds: downSeconds,
			At:          now,
		})
		if err != nil {
			return err
		}
		events = append(events, ev)
		transition = &TransitionMessage{
			TenantID:    reading.TenantID,
			DeviceID:    reading.DeviceID,
			DeviceType:  device.DeviceType,
			OldStatus:   domain.StatusSilent,
			NewStatus:   domain.StatusActive,
			Reason:      domain.ReasonRecovered,
			DownSeconds: downSeconds,
			At:          now,
		}
		device.Status = domain.StatusActive

	default:
		return fmt.Errorf("%w: cannot record reading while device %s is %s",
			domain.ErrInvalidStateTransition, reading.DeviceID, device.Status)
	}

	readingPayload, err := json.Marshal(domain.ReadingRecordedPayload{
		Value:     reading.Value,
		Unit:      reading.Unit,
		Timestamp: reading.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal reading payload: %w", err)
	}
	events = append(events, domain.DeviceEvent{
		TenantID:  reading.TenantID,
		StreamID:  reading.DeviceID,
		EventType: domain.EventReadingRecorded,
		Payload:   readingPayload,
		CreatedAt: now,
	})

	ts := reading.Timestamp
	device.LastReadingAt = &ts

	if err := d.store.Append(ctx, reading.TenantID, reading.DeviceID, device.Version, events, device); err != nil {
		return err
	}

	// 恢复事件发布失败不回滚状态变更（升级引擎的巡检会兜底）
	if transition != nil {
		if err := d.publisher.PublishTransition(ctx, *transition); err != nil {
			d.logger.Error("Failed to publish recovery transition",
				zap.String("tenant_id", reading.TenantID),
				zap.String("device_id", reading.DeviceID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// EvaluateSilence 静默巡检（周期运行，幂等）
// 逐租户遍历非 silent 设备，静默超过 warning 阈值即转入 silent，
// 级别取已越过的最高阈值；已 silent 的设备不再重复转换，
// 级别随时间上调由升级引擎自己巡检，不在这里重发转换
func (d *Detector) EvaluateSilence(ctx context.Context, now time.Time) {
	tenantIDs, err := d.tenantsRepo.ListActiveTenantIDs(ctx)
	if err != nil {
		d.logger.Error("Failed to list tenants for silence sweep", zap.Error(err))
		return
	}

	for _, tenantID := range tenantIDs {
		d.evaluateTenant(ctx, tenantID, now)
	}
}

// evaluateTenant 评估单个租户的设备（设备级错误隔离）
func (d *Detector) evaluateTenant(ctx context.Context, tenantID string, now time.Time) {
	devices, err := d.devicesRepo.ListDevicesForSweep(ctx, tenantID)
	if err != nil {
		d.logger.Error("Failed to list devices for sweep",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return
	}

	for _, device := range devices {
		if err := d.evaluateDevice(ctx, device, now); err != nil {
			// 单设备失败只记录，继续评估其他设备
			d.logger.Error("Failed to evaluate device silence",
				zap.String("tenant_id", tenantID),
				zap.String("device_id", device.DeviceID),
				zap.Error(err),
			)
		}
	}
}

func (d *Detector) evaluateDevice(ctx context.Context, device *domain.Device, now time.Time) error {
	var silence time.Duration
	neverReported := device.LastReadingAt == nil
	if !neverReported {
		silence = now.Sub(*device.LastReadingAt)
	}

	severity, crossed := d.thresholds.SeverityFor(device.DeviceType, silence, neverReported)
	if !crossed {
		return nil
	}

	oldStatus := device.Status
	ev, err := domain.NewStatusChangedEvent(device.TenantID, device.DeviceID, domain.StatusChangedPayload{
		OldStatus: oldStatus,
		NewStatus: domain.StatusSilent,
		Reason:    domain.ReasonSilenceDetected,
		Severity:  severity,
		At:        now,
	})
	if err != nil {
		return err
	}

	device.Status = domain.StatusSilent
	err = d.store.Append(ctx, device.TenantID, device.DeviceID, device.Version,
		[]domain.DeviceEvent{ev}, device)
	if err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			// 并发写入者（通常是恰好恢复的读数）赢了，下个巡检周期重新评估
			d.logger.Info("Silence transition lost to concurrent append, skipping",
				zap.String("device_id", device.DeviceID),
			)
			return nil
		}
		return err
	}

	d.logger.Warn("Device went silent",
		zap.String("tenant_id", device.TenantID),
		zap.String("device_id", device.DeviceID),
		zap.String("device_type", string(device.DeviceType)),
		zap.Duration("silence", silence),
		zap.String("severity", string(severity)),
	)

	msg := TransitionMessage{
		TenantID:   device.TenantID,
		DeviceID:   device.DeviceID,
		DeviceType: device.DeviceType,
		OldStatus:  oldStatus,
		NewStatus:  domain.StatusSilent,
		Reason:     domain.ReasonSilenceDetected,
		Severity:   severity,
		At:         now,
	}
	if err := d.publisher.PublishTransition(ctx, msg); err != nil {
		d.logger.Error("Failed to publish silence transition",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
	}
	return nil
}

// Thresholds 当前生效的阈值表（供升级引擎复查级别）
func (d *Detector) Thresholds() ThresholdTable {
	return d.thresholds
}
