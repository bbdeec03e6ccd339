package repository

import (
	"context"
	"database/sql"
	"fmt"

	"storepulse/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PostgresAlertsRepository 报警Repository
// alerts 表带部分唯一索引 (tenant_id, entity_id, alert_type) WHERE resolved_at IS NULL，
// 同一目标同一类型任意时刻至多一条未解决报警由数据库兜底
type PostgresAlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresAlertsRepository 创建报警Repository
func NewPostgresAlertsRepository(db *sql.DB, logger *zap.Logger) *PostgresAlertsRepository {
	return &PostgresAlertsRepository{db: db, logger: logger}
}

const alertColumns = `
	alert_id, tenant_id, entity_id, alert_type, severity, message,
	created_at, acknowledged_at, resolved_at, updated_at
`

func scanAlert(row interface{ Scan(...interface{}) error }) (*domain.Alert, error) {
	var a domain.Alert
	var acked, resolved sql.NullTime
	err := row.Scan(
		&a.AlertID, &a.TenantID, &a.EntityID, &a.AlertType, &a.Severity, &a.Message,
		&a.CreatedAt, &acked, &resolved, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if acked.Valid {
		t := acked.Time
		a.AcknowledgedAt = &t
	}
	if resolved.Valid {
		t := resolved.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}

// GetActiveAlert 查询 (tenant, entity, type) 的未解决报警（不存在返回 ErrNotFound）
func (r *PostgresAlertsRepository) GetActiveAlert(ctx context.Context, tenantID, entityID, alertType string) (*domain.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", domain.ErrValidation)
	}

	row := r.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE tenant_id = $1 AND entity_id = $2 AND alert_type = $3 AND resolved_at IS NULL
	`, tenantID, entityID, alertType)

	a, err := scanAlert(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: active alert for %s/%s", domain.ErrNotFound, entityID, alertType)
		}
		return nil, fmt.Errorf("failed to get active alert: %w", err)
	}
	return a, nil
}

// CreateAlert 创建报警
func (r *PostgresAlertsRepository) CreateAlert(ctx context.Context, a *domain.Alert) error {
	if a.TenantID == "" || a.EntityID == "" || a.AlertType == "" {
		return fmt.Errorf("%w: tenant_id, entity_id and alert_type are required", domain.ErrValidation)
	}
	if a.AlertID == "" {
		a.AlertID = uuid.New().String()
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO alerts (alert_id, tenant_id, entity_id, alert_type, severity, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at
	`, a.AlertID, a.TenantID, a.EntityID, a.AlertType, a.Severity, a.Message).
		Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	r.logger.Info("Alert created",
		zap.String("tenant_id", a.TenantID),
		zap.String("entity_id", a.EntityID),
		zap.String("alert_type", a.AlertType),
		zap.String("severity", string(a.Severity)),
	)
	return nil
}

// EscalateSeverity 原地升级报警级别（同时更新消息，不产生新行）
func (r *PostgresAlertsRepository) EscalateSeverity(ctx context.Context, tenantID, alertID string, severity domain.AlertSeverity, message string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE alerts
		SET severity = $3, message = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND alert_id = $2 AND resolved_at IS NULL
	`, tenantID, alertID, severity, message)
	if err != nil {
		return fmt.Errorf("failed to escalate alert: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: active alert %s", domain.ErrNotFound, alertID)
	}
	return nil
}

// ReopenAlert 冷却窗口内重新进入时把已解决的旧行重新打开（不建新行）
// 清掉 resolved_at 后报警回到活跃态，升级巡检和恢复处理照常覆盖它；
// 旧行已被别处重开或不存在时返回 ErrNotFound，调用方退回建新报警
func (r *PostgresAlertsRepository) ReopenAlert(ctx context.Context, tenantID, alertID string, severity domain.AlertSeverity, message string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE alerts
		SET resolved_at = NULL, severity = $3, message = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND alert_id = $2 AND resolved_at IS NOT NULL
	`, tenantID, alertID, severity, message)
	if err != nil {
		return fmt.Errorf("failed to reopen alert: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: resolved alert %s", domain.ErrNotFound, alertID)
	}
	return nil
}

// ResolveAlert 解决报警（打 resolved_at 戳）
func (r *PostgresAlertsRepository) ResolveAlert(ctx context.Context, tenantID, alertID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE alerts
		SET resolved_at = NOW(), updated_at = NOW()
		WHERE tenant_id = $1 AND alert_id = $2 AND resolved_at IS NULL
	`, tenantID, alertID)
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: active alert %s", domain.ErrNotFound, alertID)
	}
	return nil
}

// AcknowledgeAlert 确认报警
func (r *PostgresAlertsRepository) AcknowledgeAlert(ctx context.Context, tenantID, alertID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE alerts
		SET acknowledged_at = NOW(), updated_at = NOW()
		WHERE tenant_id = $1 AND alert_id = $2 AND resolved_at IS NULL
	`, tenantID, alertID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: active alert %s", domain.ErrNotFound, alertID)
	}
	return nil
}

// ListActiveAlertsByType 列出租户下某类型的全部未解决报警（供升级巡检）
func (r *PostgresAlertsRepository) ListActiveAlertsByType(ctx context.Context, tenantID, alertType string) ([]*domain.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", domain.ErrValidation)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE tenant_id = $1 AND alert_type = $2 AND resolved_at IS NULL
		ORDER BY created_at
	`, tenantID, alertType)
	if err != nil {
		return nil, fmt.Errorf("failed to list active alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
