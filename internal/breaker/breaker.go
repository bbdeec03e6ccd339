package breaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State string

const (
	StateClosed   State = "closed"    // 正常放行
	StateOpen     State = "open"      // 快速失败
	StateHalfOpen State = "half_open" // 试探，只放行一个调用
)

// ErrOpen 熔断器打开期间的快速失败错误（有 fallback 时不会透出）
var ErrOpen = errors.New("circuit breaker is open")

// Transition 状态转换记录（用于诊断）
type Transition struct {
	From State
	To   State
	At   time.Time
}

// CircuitBreaker 熔断器（每个远端端点一个实例）
// closed 连续失败 N 次进 open；open 期间所有调用走 fallback；
// 恢复超时到期进 half_open，只放行一个试探调用：
// 成功回 closed（清零失败计数），失败回 open（重置计时）
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	logger           *zap.Logger

	mu           sync.Mutex
	state        State
	failureCount int
	openedAt     time.Time
	trialActive  bool // half_open 只放行一个试探
	transitions  []Transition
}

// New 创建熔断器
func New(name string, failureThreshold int, recoveryTimeout time.Duration, logger *zap.Logger) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		logger:           logger,
		state:            StateClosed,
	}
}

// errPanic 被守护调用 panic 时记入的失败结果
var errPanic = errors.New("guarded call panicked")

// Call 通过熔断器执行调用
// open 且有 fallback 时执行 fallback 并返回 nil；无 fallback 返回 ErrOpen。
// fn panic 时照常记一次失败再向上传播，half_open 的试探名额不会卡死
func (cb *CircuitBreaker) Call(fn func() error, fallback func()) error {
	if !cb.allow() {
		if fallback != nil {
			fallback()
			return nil
		}
		return ErrOpen
	}

	panicked := true
	var err error
	defer func() {
		if panicked {
			cb.record(errPanic)
		}
	}()
	err = fn()
	panicked = false
	cb.record(err)
	return err
}

// allow 判断调用是否放行（必要时推进 open → half_open）
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(cb.openedAt) >= cb.recoveryTimeout {
			cb.transitionLocked(StateHalfOpen)
			cb.trialActive = true
			return true
		}
		return false

	case StateHalfOpen:
		// 已经有一个试探在途，其余调用照样快速失败
		if cb.trialActive {
			return false
		}
		cb.trialActive = true
		return true
	}
	return false
}

// record 记录调用结果，驱动状态转换
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.trialActive = false
		if err == nil {
			cb.failureCount = 0
			cb.transitionLocked(StateClosed)
		} else {
			cb.openedAt = time.Now()
			cb.transitionLocked(StateOpen)
		}
		return
	}

	if err == nil {
		cb.failureCount = 0
		return
	}

	cb.failureCount++
	if cb.state == StateClosed && cb.failureCount >= cb.failureThreshold {
		cb.openedAt = time.Now()
		cb.transitionLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	cb.state = to
	cb.transitions = append(cb.transitions, Transition{From: from, To: to, At: time.Now()})
	cb.logger.Info("Circuit breaker state changed",
		zap.String("breaker", cb.name),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
}

// State 当前状态
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Transitions 状态转换历史（拷贝，供诊断）
func (cb *CircuitBreaker) Transitions() []Transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make([]Transition, len(cb.transitions))
	copy(out, cb.transitions)
	return out
}
