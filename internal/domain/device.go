package domain

import (
	"time"
)

// DeviceType 设备类型，决定静默阈值配置
type DeviceType string

const (
	DeviceTypePOS         DeviceType = "pos"
	DeviceTypeTemperature DeviceType = "temperature"
	DeviceTypeDoor        DeviceType = "door"
	DeviceTypeMotion      DeviceType = "motion"
	DeviceTypePower       DeviceType = "power"
)

// ValidDeviceType 检查设备类型是否合法
func ValidDeviceType(t DeviceType) bool {
	switch t {
	case DeviceTypePOS, DeviceTypeTemperature, DeviceTypeDoor, DeviceTypeMotion, DeviceTypePower:
		return true
	}
	return false
}

// DeviceStatus 设备状态
type DeviceStatus string

const (
	StatusActive   DeviceStatus = "active"
	StatusInactive DeviceStatus = "inactive"
	StatusError    DeviceStatus = "error"
	StatusSilent   DeviceStatus = "silent"
)

// allowedTransitions 状态机转换表
// silent 只能回到 active 或 error：静默设备必须先证明自己有响应，
// 才能再被归类为 inactive
var allowedTransitions = map[DeviceStatus][]DeviceStatus{
	StatusActive:   {StatusInactive, StatusError, StatusSilent},
	StatusInactive: {StatusActive, StatusError, StatusSilent},
	StatusError:    {StatusActive, StatusInactive, StatusSilent},
	StatusSilent:   {StatusActive, StatusError},
}

// CanTransition 判断状态转换是否允许（同状态转换不是合法转换）
func CanTransition(from, to DeviceStatus) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Device 设备快照领域模型（对应 devices 表）
// 快照是 device_events 事件流的缓存投影，事件流为准，快照可重放重建
type Device struct {
	// 主键和租户
	DeviceID string `db:"device_id"` // VARCHAR(100), PRIMARY KEY (tenant_id, device_id)
	TenantID string `db:"tenant_id"` // VARCHAR(50), NOT NULL
	StoreID  string `db:"store_id"`  // VARCHAR(50), NOT NULL

	// 类型（决定阈值配置）
	DeviceType DeviceType `db:"device_type"` // VARCHAR(20), NOT NULL

	// 可变状态字段
	Status         DeviceStatus `db:"status"`          // VARCHAR(20), DEFAULT 'active'
	LastReadingAt  *time.Time   `db:"last_reading_at"` // TIMESTAMPTZ, nullable
	BatteryLevel   *float64     `db:"battery_level"`   // NUMERIC, nullable（插电设备为空）
	SignalStrength int          `db:"signal_strength"` // INT
	ErrorCount     int          `db:"error_count"`     // INT, DEFAULT 0

	// 乐观并发版本号（与事件流版本一致，单调递增）
	Version int64 `db:"version"` // BIGINT, NOT NULL

	CreatedAt time.Time `db:"created_at"` // TIMESTAMPTZ
	UpdatedAt time.Time `db:"updated_at"` // TIMESTAMPTZ
}

// SilenceSeconds 计算设备静默秒数（从未上报过返回 -1 表示无限）
func (d *Device) SilenceSeconds(now time.Time) float64 {
	if d.LastReadingAt == nil {
		return -1
	}
	return now.Sub(*d.LastReadingAt).Seconds()
}
