package repository

import (
	"context"
	"database/sql"
	"fmt"

	"storepulse/internal/domain"

	"go.uber.org/zap"
)

// PostgresDevicesRepository 设备快照Repository（读侧）
// 快照由事件库在追加事务中维护，本仓库只提供查询；
// 直接改快照会让快照与事件流分叉，禁止
type PostgresDevicesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresDevicesRepository 创建设备Repository
func NewPostgresDevicesRepository(db *sql.DB, logger *zap.Logger) *PostgresDevicesRepository {
	return &PostgresDevicesRepository{db: db, logger: logger}
}

const deviceColumns = `
	tenant_id, device_id, store_id, device_type, status,
	last_reading_at, battery_level, signal_strength, error_count, version,
	created_at, updated_at
`

func scanDevice(row interface{ Scan(...interface{}) error }) (*domain.Device, error) {
	var d domain.Device
	var lastReading sql.NullTime
	var battery sql.NullFloat64
	err := row.Scan(
		&d.TenantID, &d.DeviceID, &d.StoreID, &d.DeviceType, &d.Status,
		&lastReading, &battery, &d.SignalStrength, &d.ErrorCount, &d.Version,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastReading.Valid {
		t := lastReading.Time
		d.LastReadingAt = &t
	}
	if battery.Valid {
		b := battery.Float64
		d.BatteryLevel = &b
	}
	return &d, nil
}

// GetDevice 获取设备快照
func (r *PostgresDevicesRepository) GetDevice(ctx context.Context, tenantID, deviceID string) (*domain.Device, error) {
	if tenantID == "" || deviceID == "" {
		return nil, fmt.Errorf("%w: tenant_id and device_id are required", domain.ErrValidation)
	}

	row := r.db.QueryRowContext(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE tenant_id = $1 AND device_id = $2
	`, tenantID, deviceID)

	d, err := scanDevice(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: device %s", domain.ErrNotFound, deviceID)
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

// ListDevicesForSweep 列出租户下待评估的设备（排除已经 silent 的，巡检幂等）
func (r *PostgresDevicesRepository) ListDevicesForSweep(ctx context.Context, tenantID string) ([]*domain.Device, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", domain.ErrValidation)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE tenant_id = $1 AND status != $2
		ORDER BY device_id
	`, tenantID, domain.StatusSilent)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices for sweep: %w", err)
	}
	defer rows.Close()

	var devices []*domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// ListDevicesByStore 列出门店下的设备
func (r *PostgresDevicesRepository) ListDevicesByStore(ctx context.Context, tenantID, storeID string) ([]*domain.Device, error) {
	if tenantID == "" || storeID == "" {
		return nil, fmt.Errorf("%w: tenant_id and store_id are required", domain.ErrValidation)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE tenant_id = $1 AND store_id = $2
		ORDER BY device_id
	`, tenantID, storeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
