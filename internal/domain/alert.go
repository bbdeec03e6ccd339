package domain

import (
	"time"
)

// AlertSeverity 报警级别
type AlertSeverity string

const (
	SeverityWarning   AlertSeverity = "warning"
	SeverityCritical  AlertSeverity = "critical"
	SeverityEmergency AlertSeverity = "emergency"
)

// severityRank 级别序（用于比较，只升不降）
var severityRank = map[AlertSeverity]int{
	SeverityWarning:   1,
	SeverityCritical:  2,
	SeverityEmergency: 3,
}

// SeverityGreater 判断 a 是否比 b 级别更高
func SeverityGreater(a, b AlertSeverity) bool {
	return severityRank[a] > severityRank[b]
}

// 报警类型
const (
	AlertTypeSilent       = "silent"
	AlertTypeSyncDegraded = "sync_degraded"
	AlertTypeLowBattery   = "low_battery"
)

// Alert 报警领域模型（对应 alerts 表）
// 同一 (tenant_id, entity_id, alert_type) 任意时刻至多一条未解决报警，
// 由 alerts 表上的部分唯一索引（WHERE resolved_at IS NULL）兜底
type Alert struct {
	AlertID  string `db:"alert_id"`  // UUID, PRIMARY KEY
	TenantID string `db:"tenant_id"` // VARCHAR(50), NOT NULL
	EntityID string `db:"entity_id"` // VARCHAR(100), NOT NULL（通常是 device_id）

	AlertType string        `db:"alert_type"` // VARCHAR(50), NOT NULL
	Severity  AlertSeverity `db:"severity"`   // VARCHAR(20), NOT NULL
	Message   string        `db:"message"`    // TEXT

	CreatedAt      time.Time  `db:"created_at"`      // TIMESTAMPTZ, NOT NULL
	AcknowledgedAt *time.Time `db:"acknowledged_at"` // TIMESTAMPTZ, nullable
	ResolvedAt     *time.Time `db:"resolved_at"`     // TIMESTAMPTZ, nullable
	UpdatedAt      time.Time  `db:"updated_at"`      // TIMESTAMPTZ, NOT NULL
}

// IsResolved 是否已解决
func (a *Alert) IsResolved() bool {
	return a.ResolvedAt != nil
}
