package repository

import (
	"context"
	"database/sql"
	"fmt"

	"storepulse/internal/domain"

	"go.uber.org/zap"
)

// PostgresReadingsRepository 读数Repository（append-only）
type PostgresReadingsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresReadingsRepository 创建读数Repository
func NewPostgresReadingsRepository(db *sql.DB, logger *zap.Logger) *PostgresReadingsRepository {
	return &PostgresReadingsRepository{db: db, logger: logger}
}

// InsertReading 插入单条读数
func (r *PostgresReadingsRepository) InsertReading(ctx context.Context, reading *domain.Reading) error {
	if err := reading.Validate(); err != nil {
		return err
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO readings (tenant_id, device_id, value, unit, timestamp, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING reading_id
	`, reading.TenantID, reading.DeviceID, reading.Value, reading.Unit,
		reading.Timestamp, nullableJSON(reading.Metadata)).Scan(&reading.ReadingID)
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

// InsertReadingsBatch 批量插入读数（单事务，全部成功或全部回滚）
func (r *PostgresReadingsRepository) InsertReadingsBatch(ctx context.Context, tenantID string, readings []*domain.Reading) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", domain.ErrValidation)
	}
	for _, reading := range readings {
		if reading.TenantID != tenantID {
			return fmt.Errorf("%w: reading tenant %s does not match batch tenant %s",
				domain.ErrTenantIsolation, reading.TenantID, tenantID)
		}
		if err := reading.Validate(); err != nil {
			return err
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO readings (tenant_id, device_id, value, unit, timestamp, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, reading := range readings {
		_, err = stmt.ExecContext(ctx, reading.TenantID, reading.DeviceID,
			reading.Value, reading.Unit, reading.Timestamp, nullableJSON(reading.Metadata))
		if err != nil {
			return fmt.Errorf("failed to insert reading for device %s: %w", reading.DeviceID, err)
		}
	}

	return tx.Commit()
}

// InsertReadingsTx 在调用方事务内批量插入读数（供摄入端与批次去重同事务使用）
func (r *PostgresReadingsRepository) InsertReadingsTx(ctx context.Context, tx *sql.Tx, tenantID string, readings []*domain.Reading) error {
	for _, reading := range readings {
		if reading.TenantID != tenantID {
			return fmt.Errorf("%w: reading tenant %s does not match batch tenant %s",
				domain.ErrTenantIsolation, reading.TenantID, tenantID)
		}
		if err := reading.Validate(); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO readings (tenant_id, device_id, value, unit, timestamp, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, reading.TenantID, reading.DeviceID, reading.Value, reading.Unit,
			reading.Timestamp, nullableJSON(reading.Metadata))
		if err != nil {
			return fmt.Errorf("failed to insert reading for device %s: %w", reading.DeviceID, err)
		}
	}
	return nil
}

// CountReadings 统计租户某设备读数条数
func (r *PostgresReadingsRepository) CountReadings(ctx context.Context, tenantID, deviceID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM readings WHERE tenant_id = $1 AND device_id = $2
	`, tenantID, deviceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count readings: %w", err)
	}
	return count, nil
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
