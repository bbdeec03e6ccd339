package domain

import "errors"

// 错误分类（贯穿所有组件的错误语义约定）
var (
	// ErrValidation 输入校验失败（本地拒绝，不落库）
	ErrValidation = errors.New("validation error")

	// ErrInvalidStateTransition 设备状态机不允许的转换（业务规则违反，不改状态）
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrConcurrencyConflict 事件流版本不匹配（调用方需重新加载后重试）
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrConnectivity 网络暂时不可达（带退避重试，不丢数据）
	ErrConnectivity = errors.New("connectivity error")

	// ErrTenantIsolation 租户隔离违规（程序缺陷，直接拒绝并大声报错）
	ErrTenantIsolation = errors.New("tenant isolation violation")

	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("not found")
)
