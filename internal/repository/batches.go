package repository

import (
	"context"
	"database/sql"
	"fmt"

	"storepulse/internal/domain"

	"go.uber.org/zap"
)

// PostgresBatchesRepository 已处理批次Repository（中心侧去重表）
// 边缘重试会带着同一个 batch_id 再来，processed_batches 上的主键
// (tenant_id, batch_id) 让重复上传被识别为 duplicate 而不是二次入库
type PostgresBatchesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresBatchesRepository 创建批次Repository
func NewPostgresBatchesRepository(db *sql.DB, logger *zap.Logger) *PostgresBatchesRepository {
	return &PostgresBatchesRepository{db: db, logger: logger}
}

// TryMarkProcessed 标记批次已处理
// 返回 true 表示首次处理，false 表示该 batch_id 之前已经入库（重复上传）
func (r *PostgresBatchesRepository) TryMarkProcessed(ctx context.Context, tx *sql.Tx, tenantID, storeID, batchID string, recordCount int) (bool, error) {
	if tenantID == "" || batchID == "" {
		return false, fmt.Errorf("%w: tenant_id and batch_id are required", domain.ErrValidation)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO processed_batches (tenant_id, store_id, batch_id, record_count, processed_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tenant_id, batch_id) DO NOTHING
	`, tenantID, storeID, batchID, recordCount)
	if err != nil {
		return false, fmt.Errorf("failed to mark batch processed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

// Begin 开启事务（批次去重与读数入库必须同事务，保证"标记已处理"和"数据落库"原子）
func (r *PostgresBatchesRepository) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}
