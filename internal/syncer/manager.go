package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"storepulse/internal/breaker"
	"storepulse/internal/buffer"
	"storepulse/internal/domain"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Config 同步管理器配置
type Config struct {
	Endpoint  string        // 摄入端点基础 URL
	APIKey    string        // 门店 API Key
	TenantID  string
	StoreID   string
	BatchSize int           // 默认 50
	Interval  time.Duration // 同步周期，默认 30s
	// 退避参数
	BackoffBase time.Duration // 默认 2s
	BackoffMax  time.Duration // 默认 5min
	MaxAttempts int           // 连续失败多少次后进入"同步退化"，默认 10
	// 已同步记录的本地保留窗口
	Retention time.Duration // 默认 24h
}

func (c *Config) fillDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
}

// Status 同步器可观测状态
type Status struct {
	Online              bool      `json:"online"`
	Degraded            bool      `json:"degraded"` // 连续失败超限，数据仍在本地保留
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSyncAt          time.Time `json:"last_sync_at,omitempty"`
	PendingRecords      int       `json:"pending_records"`
}

// Manager 同步管理器
// 周期性把本地缓冲的读数压缩成批次上传到中心摄入端。
// 本地健康检测完全不依赖同步成功与否：断网多久，检测照常工作
type Manager struct {
	config     Config
	buf        *buffer.LocalBuffer
	cb         *breaker.CircuitBreaker
	httpClient *resty.Client
	logger     *zap.Logger

	mu          sync.Mutex
	online      bool
	degraded    bool
	failures    int
	lastSyncAt  time.Time
	nextRetryAt time.Time
}

// NewManager 创建同步管理器
func NewManager(cfg Config, buf *buffer.LocalBuffer, cb *breaker.CircuitBreaker, logger *zap.Logger) *Manager {
	cfg.fillDefaults()

	client := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Content-Encoding", "gzip").
		SetAuthToken(cfg.APIKey)

	return &Manager{
		config:     cfg,
		buf:        buf,
		cb:         cb,
		httpClient: client,
		logger:     logger,
		online:     true,
	}
}

// Run 同步主循环（阻塞直到 ctx 取消；退出前不会把批次标记一半）
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.logger.Info("Sync manager started",
		zap.String("endpoint", m.config.Endpoint),
		zap.Duration("interval", m.config.Interval),
		zap.Int("batch_size", m.config.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Sync manager stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick 单个同步周期：探测连通性 → 取批次 → 上传
func (m *Manager) tick(ctx context.Context) {
	// 退避窗口未到，跳过本周期
	m.mu.Lock()
	wait := time.Until(m.nextRetryAt)
	m.mu.Unlock()
	if wait > 0 {
		return
	}

	// 连通性探测失败只翻转 offline 状态，本地检测不受影响
	if !m.Probe(ctx) {
		m.setOnline(false)
		return
	}
	m.setOnline(true)

	if err := m.SyncOnce(ctx); err != nil {
		m.recordFailure()
		m.logger.Error("Sync attempt failed", zap.Error(err))
	} else {
		m.recordSuccess()
	}
}

// SyncOnce 执行一次批次同步（缓冲为空时为空操作）
func (m *Manager) SyncOnce(ctx context.Context) error {
	records, err := m.buf.PendingBatch(m.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to select pending batch: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	// 批次 ID：已分配的复用（重试场景），否则从内容推导并持久化
	batchID := records[0].BatchID
	if batchID == "" {
		batchID = ComputeBatchID(m.config.TenantID, m.config.StoreID, records)
		if err := m.buf.AssignBatch(records, batchID); err != nil {
			return fmt.Errorf("failed to assign batch id: %w", err)
		}
	}

	payload := BuildPayload(m.config.TenantID, m.config.StoreID, batchID, records)
	compressed, err := Compress(payload)
	if err != nil {
		return err
	}

	var uploadErr error
	err = m.cb.Call(func() error {
		uploadErr = m.upload(ctx, batchID, compressed)
		return uploadErr
	}, func() {
		// 熔断打开：标记离线，数据留在缓冲里继续攒
		m.setOnline(false)
		uploadErr = fmt.Errorf("%w: circuit breaker open, buffering locally", domain.ErrConnectivity)
	})
	if err != nil || uploadErr != nil {
		if retryErr := m.buf.IncrementRetry(records); retryErr != nil {
			m.logger.Error("Failed to increment retry count", zap.Error(retryErr))
		}
		if uploadErr != nil {
			return uploadErr
		}
		return err
	}

	// 上传确认成功后才标记，绝不半途标记
	if err := m.buf.MarkSynced(records); err != nil {
		return fmt.Errorf("failed to mark records synced: %w", err)
	}

	m.logger.Info("Batch synced",
		zap.String("batch_id", batchID),
		zap.Int("records", len(records)),
	)
	return nil
}

// upload 上传压缩批次（duplicate 等同 success）
func (m *Manager) upload(ctx context.Context, batchID string, compressed []byte) error {
	resp, err := m.httpClient.R().
		SetContext(ctx).
		SetHeader("X-Batch-ID", batchID).
		SetBody(compressed).
		Post("/v1/ingest/batches")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectivity, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: ingestion returned status %d", domain.ErrConnectivity, resp.StatusCode())
	}

	var result BatchResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return fmt.Errorf("failed to parse ingestion response: %w", err)
	}

	switch result.Status {
	case StatusSuccess:
		return nil
	case StatusDuplicate:
		// 重复即成功：上次上传其实已经到了
		m.logger.Info("Batch was already processed remotely", zap.String("batch_id", batchID))
		return nil
	default:
		return fmt.Errorf("%w: ingestion rejected batch: %s", domain.ErrConnectivity, result.Detail)
	}
}

// Probe 轻量连通性探测（每个同步周期前运行）
func (m *Manager) Probe(ctx context.Context) bool {
	resp, err := m.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Encoding", "").
		Get("/health")
	if err != nil {
		return false
	}
	return !resp.IsError()
}

// PurgeOnce 清理保留窗口外的已同步记录
func (m *Manager) PurgeOnce(now time.Time) {
	purged, err := m.buf.Purge(m.config.Retention, now)
	if err != nil {
		m.logger.Error("Failed to purge synced records", zap.Error(err))
		return
	}
	if purged > 0 {
		m.logger.Info("Purged synced records", zap.Int("count", purged))
	}
}

// Status 同步器当前状态快照
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.buf.PendingCount()
	if err != nil {
		m.logger.Error("Failed to count pending records", zap.Error(err))
	}
	return Status{
		Online:              m.online,
		Degraded:            m.degraded,
		ConsecutiveFailures: m.failures,
		LastSyncAt:          m.lastSyncAt,
		PendingRecords:      pending,
	}
}

func (m *Manager) setOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online != online {
		m.logger.Warn("Connectivity state changed", zap.Bool("online", online))
	}
	m.online = online
}

func (m *Manager) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures++

	// 指数退避：base * 2^(failures-1)，封顶
	backoff := m.config.BackoffBase << (m.failures - 1)
	if backoff > m.config.BackoffMax || backoff <= 0 {
		backoff = m.config.BackoffMax
	}
	m.nextRetryAt = time.Now().Add(backoff)

	// 超过上限进入"同步退化"：本地报警，数据照旧保留
	if m.failures >= m.config.MaxAttempts && !m.degraded {
		m.degraded = true
		m.logger.Error("Sync degraded: persistent upload failures, data retained locally",
			zap.Int("consecutive_failures", m.failures),
		)
	}
}

func (m *Manager) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.degraded {
		m.logger.Info("Sync recovered from degraded state")
	}
	m.failures = 0
	m.degraded = false
	m.nextRetryAt = time.Time{}
	m.lastSyncAt = time.Now()
}
