package ingest

import (
	"context"
	"errors"
	"fmt"

	"storepulse/internal/domain"
	"storepulse/internal/health"
	"storepulse/internal/repository"
	"storepulse/internal/syncer"

	"go.uber.org/zap"
)

// Service 摄入服务（中心侧）
// 接收边缘上传的压缩批次：去重、落库、驱动设备状态机。
// 批次去重标记与读数入库同事务提交，重复的 batch_id 识别为 duplicate
type Service struct {
	batchesRepo  *repository.PostgresBatchesRepository
	readingsRepo *repository.PostgresReadingsRepository
	detector     *health.Detector
	logger       *zap.Logger
}

// NewService 创建摄入服务
func NewService(
	batchesRepo *repository.PostgresBatchesRepository,
	readingsRepo *repository.PostgresReadingsRepository,
	detector *health.Detector,
	logger *zap.Logger,
) *Service {
	return &Service{
		batchesRepo:  batchesRepo,
		readingsRepo: readingsRepo,
		detector:     detector,
		logger:       logger,
	}
}

// ProcessBatch 处理一个上传批次
// authTenantID/authStoreID 来自 API Key 解析；载荷里的租户与 Key 不一致
// 是租户隔离违规，按程序缺陷直接拒绝，绝不悄悄改写作用域
func (s *Service) ProcessBatch(ctx context.Context, authTenantID, authStoreID string, payload syncer.BatchPayload) (string, error) {
	if payload.BatchID == "" {
		return syncer.StatusFailure, fmt.Errorf("%w: batch_id is required", domain.ErrValidation)
	}
	if payload.TenantID != authTenantID {
		return syncer.StatusFailure, fmt.Errorf("%w: batch tenant %s does not match authenticated tenant %s",
			domain.ErrTenantIsolation, payload.TenantID, authTenantID)
	}
	if payload.StoreID != authStoreID {
		return syncer.StatusFailure, fmt.Errorf("%w: batch store %s does not match authenticated store %s",
			domain.ErrTenantIsolation, payload.StoreID, authStoreID)
	}

	readings := make([]*domain.Reading, 0, len(payload.Readings))
	for _, br := range payload.Readings {
		readings = append(readings, &domain.Reading{
			TenantID:  payload.TenantID,
			DeviceID:  br.DeviceID,
			Value:     br.Value,
			Unit:      br.Unit,
			Timestamp: br.Timestamp,
			Metadata:  br.Metadata,
		})
	}

	// 去重标记 + 读数入库，单事务
	tx, err := s.batchesRepo.Begin(ctx)
	if err != nil {
		return syncer.StatusFailure, err
	}
	defer tx.Rollback()

	first, err := s.batchesRepo.TryMarkProcessed(ctx, tx, payload.TenantID, payload.StoreID, payload.BatchID, len(readings))
	if err != nil {
		return syncer.StatusFailure, err
	}
	if !first {
		// 重试带着同一个 batch_id 再来：等价成功，不二次入库
		s.logger.Info("Duplicate batch ignored",
			zap.String("tenant_id", payload.TenantID),
			zap.String("batch_id", payload.BatchID),
		)
		return syncer.StatusDuplicate, nil
	}

	if err := s.readingsRepo.InsertReadingsTx(ctx, tx, payload.TenantID, readings); err != nil {
		return syncer.StatusFailure, err
	}

	if err := tx.Commit(); err != nil {
		return syncer.StatusFailure, fmt.Errorf("failed to commit batch: %w", err)
	}

	// 入库后逐条驱动状态机（恢复转换等）；单条失败只记日志，不影响批次结果
	for _, reading := range readings {
		if err := s.applyReading(ctx, reading); err != nil {
			if errors.Is(err, domain.ErrInvalidStateTransition) || errors.Is(err, domain.ErrNotFound) {
				s.logger.Warn("Reading not applied to device state",
					zap.String("tenant_id", reading.TenantID),
					zap.String("device_id", reading.DeviceID),
					zap.Error(err),
				)
				continue
			}
			s.logger.Error("Failed to apply reading to device state",
				zap.String("tenant_id", reading.TenantID),
				zap.String("device_id", reading.DeviceID),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("Batch ingested",
		zap.String("tenant_id", payload.TenantID),
		zap.String("store_id", payload.StoreID),
		zap.String("batch_id", payload.BatchID),
		zap.Int("records", len(readings)),
	)
	return syncer.StatusSuccess, nil
}

// maxApplyAttempts 读数应用到状态机的最大尝试次数（含首次）
const maxApplyAttempts = 3

// applyReading 把一条读数应用到设备状态机
// 读数和静默巡检抢同一个流时会碰并发冲突：重新加载设备再试，
// 有限次内仍冲突才放弃，绝不悄悄丢掉 last_reading_at 更新
func (s *Service) applyReading(ctx context.Context, reading *domain.Reading) error {
	var err error
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		err = s.detector.RecordReading(ctx, reading)
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return err
		}
		s.logger.Info("Reading raced a concurrent stream write, reloading device",
			zap.String("tenant_id", reading.TenantID),
			zap.String("device_id", reading.DeviceID),
			zap.Int("attempt", attempt),
		)
	}
	return err
}
