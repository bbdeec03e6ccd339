package syncer

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"storepulse/internal/breaker"
	"storepulse/internal/buffer"
	"storepulse/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ingestStub 可编程的摄入端替身
type ingestStub struct {
	mu       sync.Mutex
	statuses []string // 按调用次序返回的 status；耗尽后一直返回最后一个
	httpCode []int
	calls    int
	batchIDs []string
	payloads []BatchPayload
}

func (s *ingestStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/ingest/batches", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		idx := s.calls
		s.calls++
		if idx >= len(s.statuses) {
			idx = len(s.statuses) - 1
		}

		s.batchIDs = append(s.batchIDs, r.Header.Get("X-Batch-ID"))
		gz, err := gzip.NewReader(r.Body)
		if err == nil {
			var payload BatchPayload
			if json.NewDecoder(gz).Decode(&payload) == nil {
				s.payloads = append(s.payloads, payload)
			}
		}

		code := http.StatusOK
		if len(s.httpCode) > 0 {
			c := idx
			if c >= len(s.httpCode) {
				c = len(s.httpCode) - 1
			}
			code = s.httpCode[c]
		}
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(BatchResponse{Status: s.statuses[idx]})
	})
	return mux
}

func (s *ingestStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestManager(t *testing.T, endpoint string) (*Manager, *buffer.LocalBuffer) {
	t.Helper()
	buf, err := buffer.Open("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })

	cb := breaker.New("test", 3, time.Minute, zap.NewNop())
	m := NewManager(Config{
		Endpoint: endpoint,
		APIKey:   "sp_test",
		TenantID: "tenant-a",
		StoreID:  "store-1",
	}, buf, cb, zap.NewNop())
	return m, buf
}

func bufferReadings(t *testing.T, buf *buffer.LocalBuffer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, buf.Append(&buffer.Record{
			TenantID:  "tenant-a",
			DeviceID:  "pos-01",
			Value:     float64(i),
			Unit:      "tx",
			Timestamp: time.Now().UTC(),
		}))
	}
}

func TestSyncOnceEmptyBufferIsNoop(t *testing.T) {
	stub := &ingestStub{statuses: []string{StatusSuccess}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	m, _ := newTestManager(t, srv.URL)
	require.NoError(t, m.SyncOnce(context.Background()))
	assert.Equal(t, 0, stub.callCount())
}

func TestSyncOnceUploadsAndMarksSynced(t *testing.T) {
	stub := &ingestStub{statuses: []string{StatusSuccess}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	m, buf := newTestManager(t, srv.URL)
	bufferReadings(t, buf, 3)

	require.NoError(t, m.SyncOnce(context.Background()))
	assert.Equal(t, 1, stub.callCount())

	pending, err := buf.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	require.Len(t, stub.payloads, 1)
	assert.Equal(t, "tenant-a", stub.payloads[0].TenantID)
	assert.Len(t, stub.payloads[0].Readings, 3)
	assert.Equal(t, stub.payloads[0].BatchID, stub.batchIDs[0])
}

func TestSyncRetryReusesBatchID(t *testing.T) {
	stub := &ingestStub{
		statuses: []string{StatusFailure, StatusSuccess},
		httpCode: []int{http.StatusInternalServerError, http.StatusOK},
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	m, buf := newTestManager(t, srv.URL)
	bufferReadings(t, buf, 2)

	// 第一次失败：记录保持待同步，重试计数 +1
	err := m.SyncOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnectivity)

	pending, err := buf.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	// 重试成功：batch_id 与第一次完全一致
	require.NoError(t, m.SyncOnce(context.Background()))
	require.Len(t, stub.batchIDs, 2)
	assert.Equal(t, stub.batchIDs[0], stub.batchIDs[1])

	pending, err = buf.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestSyncDuplicateResponseMarksSynced(t *testing.T) {
	// 上次上传其实到了但响应丢了：服务端回 duplicate，等价成功
	stub := &ingestStub{statuses: []string{StatusDuplicate}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	m, buf := newTestManager(t, srv.URL)
	bufferReadings(t, buf, 1)

	require.NoError(t, m.SyncOnce(context.Background()))

	pending, err := buf.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestSyncBreakerOpensAndBuffersLocally(t *testing.T) {
	stub := &ingestStub{
		statuses: []string{StatusFailure},
		httpCode: []int{http.StatusInternalServerError},
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	m, buf := newTestManager(t, srv.URL)
	bufferReadings(t, buf, 1)

	for i := 0; i < 3; i++ {
		require.Error(t, m.SyncOnce(context.Background()))
	}
	attempts := stub.callCount()
	assert.Equal(t, 3, attempts)

	// 熔断打开：不再发请求，走 fallback 标记离线
	err := m.SyncOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnectivity)
	assert.Equal(t, attempts, stub.callCount())
	assert.False(t, m.Status().Online)

	// 数据原封不动留在缓冲里
	pending, err := buf.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestDegradedAfterMaxAttempts(t *testing.T) {
	m, _ := newTestManager(t, "http://127.0.0.1:1")
	m.config.MaxAttempts = 3

	for i := 0; i < 3; i++ {
		m.recordFailure()
	}
	status := m.Status()
	assert.True(t, status.Degraded)
	assert.Equal(t, 3, status.ConsecutiveFailures)

	m.recordSuccess()
	status = m.Status()
	assert.False(t, status.Degraded)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.False(t, status.LastSyncAt.IsZero())
}

func TestProbe(t *testing.T) {
	stub := &ingestStub{statuses: []string{StatusSuccess}}
	srv := httptest.NewServer(stub.handler())

	m, _ := newTestManager(t, srv.URL)
	assert.True(t, m.Probe(context.Background()))

	srv.Close()
	assert.False(t, m.Probe(context.Background()))
}
