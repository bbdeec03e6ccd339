package health

import (
	"fmt"
	"time"

	"storepulse/internal/domain"
)

// Threshold 单一设备类型的静默阈值三元组（warning < critical < emergency）
// 另带电量/信号告警线
type Threshold struct {
	Warning   time.Duration
	Critical  time.Duration
	Emergency time.Duration

	BatteryWarning float64 // 电量百分比告警线
	SignalWarning  int     // 信号强度告警线（dBm）
}

// ThresholdTable 按设备类型索引的阈值表
type ThresholdTable map[domain.DeviceType]Threshold

// minThreshold 阈值下限：低于 60 秒的静默窗口没有业务意义，只会制造噪音
const minThreshold = 60 * time.Second

// DefaultThresholds 默认阈值表
// 业务关键类型（pos/power）用短窗口，环境类型用长窗口
func DefaultThresholds() ThresholdTable {
	return ThresholdTable{
		domain.DeviceTypePOS: {
			Warning: 120 * time.Second, Critical: 300 * time.Second, Emergency: 600 * time.Second,
			BatteryWarning: 20, SignalWarning: -85,
		},
		domain.DeviceTypePower: {
			Warning: 120 * time.Second, Critical: 300 * time.Second, Emergency: 600 * time.Second,
			BatteryWarning: 20, SignalWarning: -85,
		},
		domain.DeviceTypeTemperature: {
			Warning: 300 * time.Second, Critical: 600 * time.Second, Emergency: 1200 * time.Second,
			BatteryWarning: 15, SignalWarning: -90,
		},
		domain.DeviceTypeDoor: {
			Warning: 300 * time.Second, Critical: 900 * time.Second, Emergency: 1800 * time.Second,
			BatteryWarning: 15, SignalWarning: -90,
		},
		domain.DeviceTypeMotion: {
			Warning: 300 * time.Second, Critical: 900 * time.Second, Emergency: 1800 * time.Second,
			BatteryWarning: 15, SignalWarning: -90,
		},
	}
}

// Validate 加载期校验：所有类型齐全、严格升序、不低于下限
func (t ThresholdTable) Validate() error {
	for _, dt := range []domain.DeviceType{
		domain.DeviceTypePOS, domain.DeviceTypeTemperature,
		domain.DeviceTypeDoor, domain.DeviceTypeMotion, domain.DeviceTypePower,
	} {
		th, ok := t[dt]
		if !ok {
			return fmt.Errorf("%w: missing threshold for device type %s", domain.ErrValidation, dt)
		}
		if th.Warning < minThreshold {
			return fmt.Errorf("%w: %s warning threshold %s below %s floor",
				domain.ErrValidation, dt, th.Warning, minThreshold)
		}
		if !(th.Warning < th.Critical && th.Critical < th.Emergency) {
			return fmt.Errorf("%w: %s thresholds must be strictly ascending (warning < critical < emergency)",
				domain.ErrValidation, dt)
		}
	}
	return nil
}

// SeverityFor 计算静默时长对应的级别（已越过的最高阈值）
// silence < 0 表示从未上报，按无限处理；未越过 warning 返回 false
func (t ThresholdTable) SeverityFor(deviceType domain.DeviceType, silence time.Duration, neverReported bool) (domain.AlertSeverity, bool) {
	th, ok := t[deviceType]
	if !ok {
		return "", false
	}
	if neverReported {
		return domain.SeverityEmergency, true
	}
	switch {
	case silence >= th.Emergency:
		return domain.SeverityEmergency, true
	case silence >= th.Critical:
		return domain.SeverityCritical, true
	case silence >= th.Warning:
		return domain.SeverityWarning, true
	}
	return "", false
}
