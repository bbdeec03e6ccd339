package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errRemote = errors.New("remote unavailable")

func failing() error { return errRemote }
func succeeding() error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := New("test", 3, time.Minute, zap.NewNop())

	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, cb.State())
		err := cb.Call(failing, nil)
		assert.ErrorIs(t, err, errRemote)
	}
	assert.Equal(t, StateOpen, cb.State())

	// open 期间无 fallback 快速失败
	err := cb.Call(succeeding, nil)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerFallbackWhileOpen(t *testing.T) {
	cb := New("test", 1, time.Minute, zap.NewNop())
	require.Error(t, cb.Call(failing, nil))
	require.Equal(t, StateOpen, cb.State())

	fallbackRan := false
	called := false
	err := cb.Call(func() error {
		called = true
		return nil
	}, func() {
		fallbackRan = true
	})
	assert.NoError(t, err)
	assert.True(t, fallbackRan)
	assert.False(t, called, "protected call must not run while open")
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := New("test", 3, time.Minute, zap.NewNop())
	require.Error(t, cb.Call(failing, nil))
	require.Error(t, cb.Call(failing, nil))
	require.NoError(t, cb.Call(succeeding, nil))

	// 计数清零，还需要完整的连续 3 次失败才会打开
	require.Error(t, cb.Call(failing, nil))
	require.Error(t, cb.Call(failing, nil))
	assert.Equal(t, StateClosed, cb.State())
	require.Error(t, cb.Call(failing, nil))
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb := New("test", 1, 20*time.Millisecond, zap.NewNop())
	require.Error(t, cb.Call(failing, nil))
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)

	// 恢复超时到期后放行一个试探，成功即回 closed
	err := cb.Call(succeeding, nil)
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := New("test", 1, 20*time.Millisecond, zap.NewNop())
	require.Error(t, cb.Call(failing, nil))

	time.Sleep(30 * time.Millisecond)

	err := cb.Call(failing, nil)
	assert.ErrorIs(t, err, errRemote)
	assert.Equal(t, StateOpen, cb.State())

	// 重新打开后计时重置，立刻的调用仍被拒绝
	err = cb.Call(succeeding, nil)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerPanicCountsAsFailure(t *testing.T) {
	cb := New("test", 3, time.Minute, zap.NewNop())

	panicking := func() error { panic("boom") }
	for i := 0; i < 3; i++ {
		assert.Panics(t, func() { _ = cb.Call(panicking, nil) })
	}
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerHalfOpenPanicReleasesTrial(t *testing.T) {
	cb := New("test", 1, 20*time.Millisecond, zap.NewNop())
	require.Error(t, cb.Call(failing, nil))

	time.Sleep(30 * time.Millisecond)

	// 试探调用 panic：名额释放、回到 open，而不是永远占着试探位
	assert.Panics(t, func() { _ = cb.Call(func() error { panic("boom") }, nil) })
	require.Equal(t, StateOpen, cb.State())

	// 下一轮恢复超时后试探照常放行并能成功闭合
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, cb.Call(succeeding, nil))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerTransitionHistory(t *testing.T) {
	cb := New("test", 1, 20*time.Millisecond, zap.NewNop())
	require.Error(t, cb.Call(failing, nil))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, cb.Call(succeeding, nil))

	transitions := cb.Transitions()
	require.Len(t, transitions, 3)
	assert.Equal(t, StateClosed, transitions[0].From)
	assert.Equal(t, StateOpen, transitions[0].To)
	assert.Equal(t, StateHalfOpen, transitions[1].To)
	assert.Equal(t, StateClosed, transitions[2].To)
}
