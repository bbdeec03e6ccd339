package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"storepulse/internal/breaker"
	"storepulse/internal/buffer"
	"storepulse/internal/command"
	"storepulse/internal/config"
	"storepulse/internal/syncer"
	"storepulse/pkg/mqtt"

	"go.uber.org/zap"
)

// AgentService 边缘代理
// 订阅门店本地设备的读数、落入持久化缓冲、周期同步到中心；
// 网络断多久都不影响采集，缓冲里的数据在确认上传前绝不清理
type AgentService struct {
	cfg    *config.AgentConfig
	logger *zap.Logger

	buf        *buffer.LocalBuffer
	manager    *syncer.Manager
	mqttClient *mqtt.Client
	responder  *command.Responder
}

// localReading 门店本地设备发布的读数载荷
type localReading struct {
	DeviceID  string          `json:"device_id"`
	Value     float64         `json:"value"`
	Unit      string          `json:"unit"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// readingsTopic 门店本地读数主题
func readingsTopic(tenantID, storeID string) string {
	return fmt.Sprintf("storepulse/%s/%s/readings", tenantID, storeID)
}

// NewAgentService 创建边缘代理
func NewAgentService(cfg *config.AgentConfig, logger *zap.Logger) (*AgentService, error) {
	// 1. 本地持久化缓冲
	buf, err := buffer.Open(cfg.BufferPath, logger)
	if err != nil {
		return nil, err
	}

	// 2. 熔断器 + 同步管理器
	cb := breaker.New("cloud-ingest", cfg.BreakerThreshold, cfg.BreakerRecovery, logger)
	manager := syncer.NewManager(syncer.Config{
		Endpoint:    cfg.CloudEndpoint,
		APIKey:      cfg.APIKey,
		TenantID:    cfg.TenantID,
		StoreID:     cfg.StoreID,
		BatchSize:   cfg.SyncBatchSize,
		Interval:    cfg.SyncInterval,
		BackoffBase: cfg.SyncBackoffBase,
		BackoffMax:  cfg.SyncBackoffMax,
		MaxAttempts: cfg.SyncMaxAttempts,
		Retention:   cfg.BufferRetention,
	}, buf, cb, logger)

	// 3. MQTT（本地 broker：设备读数订阅 + 指令通道）
	mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		buf.Close()
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}

	svc := &AgentService{
		cfg:        cfg,
		logger:     logger,
		buf:        buf,
		manager:    manager,
		mqttClient: mqttClient,
	}

	// 4. 指令处理器
	responder := command.NewResponder(mqttClient, cfg.TenantID, cfg.StoreID, logger)
	responder.Register("sync_now", svc.execSyncNow)
	responder.Register("status", svc.execStatus)
	responder.Register("purge", svc.execPurge)
	svc.responder = responder

	return svc, nil
}

// Start 启动代理（阻塞直到 ctx 取消）
func (a *AgentService) Start(ctx context.Context) error {
	if err := a.mqttClient.Subscribe(readingsTopic(a.cfg.TenantID, a.cfg.StoreID), a.cfg.MQTT.QoS, a.handleReading); err != nil {
		return err
	}
	if err := a.responder.Start(); err != nil {
		return err
	}

	a.logger.Info("Agent started",
		zap.String("tenant_id", a.cfg.TenantID),
		zap.String("store_id", a.cfg.StoreID),
		zap.String("cloud_endpoint", a.cfg.CloudEndpoint),
		zap.String("buffer_path", a.cfg.BufferPath),
	)

	go a.runPurgeLoop(ctx)

	// 同步主循环（阻塞）
	a.manager.Run(ctx)
	return nil
}

// handleReading 本地设备读数进缓冲
// 落盘即成功：同步是否可用与采集完全解耦
func (a *AgentService) handleReading(_ string, payload []byte) error {
	var in localReading
	if err := json.Unmarshal(payload, &in); err != nil {
		return fmt.Errorf("failed to unmarshal local reading: %w", err)
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}

	rec := &buffer.Record{
		TenantID:  a.cfg.TenantID,
		DeviceID:  in.DeviceID,
		Value:     in.Value,
		Unit:      in.Unit,
		Timestamp: in.Timestamp,
		Metadata:  in.Metadata,
	}
	if err := a.buf.Append(rec); err != nil {
		return fmt.Errorf("failed to buffer reading: %w", err)
	}

	a.logger.Debug("Reading buffered",
		zap.String("device_id", in.DeviceID),
		zap.Uint64("seq", rec.Seq),
	)
	return nil
}

// runPurgeLoop 周期清理保留窗口外的已同步记录
func (a *AgentService) runPurgeLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.manager.PurgeOnce(now.UTC())
		}
	}
}

func (a *AgentService) execSyncNow(_ *command.Command) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := a.manager.SyncOnce(ctx); err != nil {
		return "", err
	}
	return "synced", nil
}

func (a *AgentService) execStatus(_ *command.Command) (string, error) {
	data, err := json.Marshal(a.manager.Status())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (a *AgentService) execPurge(_ *command.Command) (string, error) {
	a.manager.PurgeOnce(time.Now().UTC())
	return "purged", nil
}

// Stop 优雅关闭（缓冲最后关，保证落盘）
func (a *AgentService) Stop() {
	a.mqttClient.Disconnect()
	if err := a.buf.Close(); err != nil {
		a.logger.Error("Failed to close local buffer", zap.Error(err))
	}
	a.logger.Info("Agent stopped")
}
