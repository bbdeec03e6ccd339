package eventstore

import (
	"context"

	"storepulse/internal/domain"
)

// EventStore 租户隔离的 append-only 事件库
// 所有读写以 (tenant_id, stream_id) 为键，租户过滤在存储层 SQL 中强制执行，
// 调用方的 bug 不可能读到别的租户的事件
type EventStore interface {
	// Append 以乐观并发方式追加事件，并在同一事务中更新设备快照。
	// expectedVersion 与当前持久化版本不一致时返回 domain.ErrConcurrencyConflict，
	// 调用方需要重新加载后重试。快照与事件流在事务内同生共死，不会分叉。
	Append(ctx context.Context, tenantID, streamID string, expectedVersion int64, events []domain.DeviceEvent, snapshot *domain.Device) error

	// Read 按版本序读取某个流的事件（fromVersion 之后，含 fromVersion+1）
	Read(ctx context.Context, tenantID, streamID string, fromVersion int64) ([]domain.DeviceEvent, error)
}
