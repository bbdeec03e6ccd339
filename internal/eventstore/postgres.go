package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storepulse/internal/domain"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresEventStore 事件库的 PostgreSQL 实现
type PostgresEventStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresEventStore 创建事件库
func NewPostgresEventStore(db *sql.DB, logger *zap.Logger) *PostgresEventStore {
	return &PostgresEventStore{
		db:     db,
		logger: logger,
	}
}

// 确保实现了接口
var _ EventStore = (*PostgresEventStore)(nil)

// Append 追加事件并同步更新快照（单事务）
func (s *PostgresEventStore) Append(ctx context.Context, tenantID, streamID string, expectedVersion int64, events []domain.DeviceEvent, snapshot *domain.Device) error {
	if tenantID == "" || streamID == "" {
		return fmt.Errorf("%w: tenant_id and stream_id are required", domain.ErrValidation)
	}
	if len(events) == 0 {
		return fmt.Errorf("%w: no events to append", domain.ErrValidation)
	}
	for i := range events {
		if events[i].TenantID != tenantID {
			return fmt.Errorf("%w: event tenant %s does not match %s",
				domain.ErrTenantIsolation, events[i].TenantID, tenantID)
		}
	}
	if snapshot != nil && snapshot.TenantID != tenantID {
		return fmt.Errorf("%w: snapshot tenant %s does not match %s",
			domain.ErrTenantIsolation, snapshot.TenantID, tenantID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 版本检查：FOR UPDATE 锁住流尾行，阻止同流并发追加
	// 聚合函数不能和 FOR UPDATE 同用，所以取尾行而不是 MAX；空流无行可锁，
	// 并发首次追加靠 (tenant_id, stream_id, version) 主键兜底
	var currentVersion int64
	err = tx.QueryRowContext(ctx, `
		SELECT version
		FROM device_events
		WHERE tenant_id = $1 AND stream_id = $2
		ORDER BY version DESC
		LIMIT 1
		FOR UPDATE
	`, tenantID, streamID).Scan(&currentVersion)
	if err == sql.ErrNoRows {
		currentVersion = 0
	} else if err != nil {
		return fmt.Errorf("failed to read stream version: %w", err)
	}

	if currentVersion != expectedVersion {
		return fmt.Errorf("%w: stream %s expected version %d, got %d",
			domain.ErrConcurrencyConflict, streamID, expectedVersion, currentVersion)
	}

	// 按版本序写入事件
	version := expectedVersion
	for i := range events {
		version++
		events[i].Version = version
		_, err = tx.ExecContext(ctx, `
			INSERT INTO device_events (tenant_id, stream_id, version, event_type, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, tenantID, streamID, version, events[i].EventType, []byte(events[i].Payload), events[i].CreatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return fmt.Errorf("%w: stream %s version %d already written",
					domain.ErrConcurrencyConflict, streamID, version)
			}
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	// 同事务更新快照投影（快照版本等于流尾版本）
	if snapshot != nil {
		snapshot.Version = version
		_, err = tx.ExecContext(ctx, `
			INSERT INTO devices (
				tenant_id, device_id, store_id, device_type, status,
				last_reading_at, battery_level, signal_strength, error_count, version, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
			ON CONFLICT (tenant_id, device_id) DO UPDATE SET
				status = EXCLUDED.status,
				last_reading_at = EXCLUDED.last_reading_at,
				battery_level = EXCLUDED.battery_level,
				signal_strength = EXCLUDED.signal_strength,
				error_count = EXCLUDED.error_count,
				version = EXCLUDED.version,
				updated_at = NOW()
		`, tenantID, snapshot.DeviceID, snapshot.StoreID, snapshot.DeviceType, snapshot.Status,
			snapshot.LastReadingAt, snapshot.BatteryLevel, snapshot.SignalStrength,
			snapshot.ErrorCount, snapshot.Version)
		if err != nil {
			return fmt.Errorf("failed to update device snapshot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event append: %w", err)
	}

	return nil
}

// Read 按版本序读取流事件（租户过滤在 SQL 层）
func (s *PostgresEventStore) Read(ctx context.Context, tenantID, streamID string, fromVersion int64) ([]domain.DeviceEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", domain.ErrValidation)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, stream_id, version, event_type, payload, created_at
		FROM device_events
		WHERE tenant_id = $1 AND stream_id = $2 AND version > $3
		ORDER BY version ASC
	`, tenantID, streamID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	defer rows.Close()

	var events []domain.DeviceEvent
	for rows.Next() {
		var ev domain.DeviceEvent
		if err := rows.Scan(&ev.TenantID, &ev.StreamID, &ev.Version, &ev.EventType, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	return events, nil
}

// Rebuild 从事件流重放重建设备快照（事件流为准）
// 快照与事件流分叉时用于修复，正常路径不调用
func (s *PostgresEventStore) Rebuild(ctx context.Context, tenantID, streamID string) (*domain.Device, error) {
	events, err := s.Read(ctx, tenantID, streamID, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no events for stream %s", domain.ErrNotFound, streamID)
	}
	return domain.ReplayDevice(tenantID, streamID, events)
}
