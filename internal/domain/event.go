package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// 设备事件类型（device_events 表的 event_type 字段）
const (
	EventDeviceRegistered        = "device_registered"
	EventStatusChanged           = "status_changed"
	EventReadingRecorded         = "reading_recorded"
	EventCommandResponseReceived = "command_response_received"
)

// 状态转换原因
const (
	ReasonSilenceDetected = "silence_detected"
	ReasonRecovered       = "recovered"
	ReasonErrorReported   = "error_reported"
	ReasonManual          = "manual"
)

// DeviceEvent 设备事件（对应 device_events 表，append-only 事件流）
// 以 (tenant_id, stream_id, version) 为键，stream_id 即 device_id，
// 是设备状态的唯一事实来源；devices 快照由事件重放可重建
type DeviceEvent struct {
	TenantID  string          `db:"tenant_id"`  // VARCHAR(50), NOT NULL
	StreamID  string          `db:"stream_id"`  // VARCHAR(100), NOT NULL
	Version   int64           `db:"version"`    // BIGINT, NOT NULL
	EventType string          `db:"event_type"` // VARCHAR(50), NOT NULL
	Payload   json.RawMessage `db:"payload"`    // JSONB, NOT NULL
	CreatedAt time.Time       `db:"created_at"` // TIMESTAMPTZ, NOT NULL
}

// RegisteredPayload 设备注册事件负载
type RegisteredPayload struct {
	StoreID    string     `json:"store_id"`
	DeviceType DeviceType `json:"device_type"`
}

// StatusChangedPayload 状态转换事件负载
type StatusChangedPayload struct {
	OldStatus DeviceStatus `json:"old_status"`
	NewStatus DeviceStatus `json:"new_status"`
	Reason    string       `json:"reason"`
	// 进入 silent 时检测器计算出的级别（已越过的最高阈值）
	Severity AlertSeverity `json:"severity,omitempty"`
	// 恢复时的停机秒数（now - 进入 silent 的时刻）
	DownSeconds float64   `json:"down_seconds,omitempty"`
	At          time.Time `json:"at"`
}

// ReadingRecordedPayload 读数记录事件负载
type ReadingRecordedPayload struct {
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandResponsePayload 设备指令响应事件负载
type CommandResponsePayload struct {
	RequestID string `json:"request_id"`
	Command   string `json:"command"`
	Result    string `json:"result"`
}

// NewStatusChangedEvent 构造状态转换事件（不做版本分配，版本由事件库追加时落定）
func NewStatusChangedEvent(tenantID, deviceID string, payload StatusChangedPayload) (DeviceEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return DeviceEvent{}, fmt.Errorf("failed to marshal status change payload: %w", err)
	}
	return DeviceEvent{
		TenantID:  tenantID,
		StreamID:  deviceID,
		EventType: EventStatusChanged,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// ReplayDevice 从事件流重放出设备快照状态
// 用于一致性校验和快照重建：重放结果必须等于持久化的快照
func ReplayDevice(tenantID, deviceID string, events []DeviceEvent) (*Device, error) {
	d := &Device{
		DeviceID: deviceID,
		TenantID: tenantID,
		Status:   StatusActive,
	}

	for _, ev := range events {
		if ev.TenantID != tenantID || ev.StreamID != deviceID {
			return nil, fmt.Errorf("%w: event stream %s/%s does not match device %s/%s",
				ErrTenantIsolation, ev.TenantID, ev.StreamID, tenantID, deviceID)
		}

		switch ev.EventType {
		case EventDeviceRegistered:
			var p RegisteredPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("failed to unmarshal registered payload: %w", err)
			}
			d.StoreID = p.StoreID
			d.DeviceType = p.DeviceType
			d.CreatedAt = ev.CreatedAt

		case EventStatusChanged:
			var p StatusChangedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("failed to unmarshal status change payload: %w", err)
			}
			d.Status = p.NewStatus
			if p.NewStatus == StatusError {
				d.ErrorCount++
			}

		case EventReadingRecorded:
			var p ReadingRecordedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("failed to unmarshal reading payload: %w", err)
			}
			ts := p.Timestamp
			d.LastReadingAt = &ts
		}

		d.Version = ev.Version
		d.UpdatedAt = ev.CreatedAt
	}

	return d, nil
}
