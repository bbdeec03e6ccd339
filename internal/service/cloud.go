package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"storepulse/internal/command"
	"storepulse/internal/config"
	"storepulse/internal/escalation"
	"storepulse/internal/eventstore"
	"storepulse/internal/health"
	"storepulse/internal/ingest"
	"storepulse/internal/notifier"
	"storepulse/internal/repository"
	"storepulse/pkg/database"
	"storepulse/pkg/mqtt"
	"storepulse/pkg/redisx"

	"go.uber.org/zap"
)

// CloudService 中心服务
// 聚合摄入 HTTP、静默巡检、升级引擎消费者和指令通道
type CloudService struct {
	cfg    *config.CloudConfig
	logger *zap.Logger

	db          *sql.DB
	redisClient *redisx.Client
	mqttClient  *mqtt.Client

	detector   *health.Detector
	engine     *escalation.Engine
	consumer   *escalation.StreamConsumer
	dispatcher *command.Dispatcher
	httpServer *http.Server
}

// NewCloudService 创建中心服务（建立全部外部连接并完成依赖装配）
func NewCloudService(cfg *config.CloudConfig, logger *zap.Logger) (*CloudService, error) {
	// 1. 数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 2. Redis
	redisClient := redisx.NewRedisClient(&cfg.Redis)
	if err := redisx.Ping(context.Background(), redisClient); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 3. Repository 层
	tenantsRepo := repository.NewPostgresTenantsRepository(db, logger)
	devicesRepo := repository.NewPostgresDevicesRepository(db, logger)
	readingsRepo := repository.NewPostgresReadingsRepository(db, logger)
	alertsRepo := repository.NewPostgresAlertsRepository(db, logger)
	batchesRepo := repository.NewPostgresBatchesRepository(db, logger)
	store := eventstore.NewPostgresEventStore(db, logger)

	// 4. 健康检测器
	publisher := health.NewRedisTransitionPublisher(redisClient)
	detector, err := health.NewDetector(store, devicesRepo, tenantsRepo, cfg.Thresholds, publisher, logger)
	if err != nil {
		db.Close()
		redisClient.Close()
		return nil, err
	}

	// 5. 通知通道（Webhook 未配置时只走日志通道）
	channels := []notifier.Notifier{notifier.NewLogNotifier(logger)}
	if cfg.WebhookURL != "" {
		channels = append(channels, notifier.NewWebhookNotifier(cfg.WebhookURL, logger))
	}
	notifyDispatcher := notifier.NewDispatcher(logger, channels...)

	// 6. 升级引擎与消费者
	stateManager := escalation.NewStateManager(redisClient, logger)
	engine := escalation.NewEngine(alertsRepo, devicesRepo, tenantsRepo, stateManager,
		cfg.Thresholds, notifyDispatcher, cfg.AlertCooldown, logger)
	consumerName, _ := os.Hostname()
	if consumerName == "" {
		consumerName = "storepulse-cloud"
	}
	consumer := escalation.NewStreamConsumer(redisClient, engine, consumerName, logger)

	// 7. MQTT 指令通道
	mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		db.Close()
		redisClient.Close()
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	cmdDispatcher := command.NewDispatcher(mqttClient, logger)
	responseConsumer := command.NewResponseConsumer(mqttClient, store, devicesRepo, logger)
	if err := responseConsumer.Start(); err != nil {
		db.Close()
		redisClient.Close()
		mqttClient.Disconnect()
		return nil, err
	}

	// 8. HTTP 摄入与管理面
	ingestService := ingest.NewService(batchesRepo, readingsRepo, detector, logger)
	handler := ingest.NewHandler(ingestService, tenantsRepo, alertsRepo, detector, logger)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return &CloudService{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		mqttClient:  mqttClient,
		detector:    detector,
		engine:      engine,
		consumer:    consumer,
		dispatcher:  cmdDispatcher,
		httpServer:  httpServer,
	}, nil
}

// Start 启动全部后台循环（阻塞直到 ctx 取消或 HTTP 服务出错）
func (s *CloudService) Start(ctx context.Context) error {
	// 升级引擎消费状态转换事件流
	go func() {
		if err := s.consumer.Start(ctx); err != nil {
			s.logger.Error("Escalation consumer stopped", zap.Error(err))
		}
	}()

	// 静默巡检
	go s.runSweep(ctx, "silence", s.cfg.SilenceSweepInterval, s.detector.EvaluateSilence)

	// 级别升级巡检
	go s.runSweep(ctx, "escalation", s.cfg.EscalationSweepInterval, s.engine.SweepEscalations)

	s.logger.Info("Cloud service started",
		zap.Int("http_port", s.cfg.HTTPPort),
		zap.Duration("silence_sweep_interval", s.cfg.SilenceSweepInterval),
		zap.Duration("escalation_sweep_interval", s.cfg.EscalationSweepInterval),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}
}

func (s *CloudService) runSweep(ctx context.Context, name string, interval time.Duration, sweep func(context.Context, time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.logger.Debug("Running sweep", zap.String("sweep", name))
			sweep(ctx, now.UTC())
		}
	}
}

// CommandDispatcher 指令下发器（供管理工具调用）
func (s *CloudService) CommandDispatcher() *command.Dispatcher {
	return s.dispatcher
}

// Stop 优雅关闭
func (s *CloudService) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	s.mqttClient.Disconnect()
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis client", zap.Error(err))
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
	s.logger.Info("Cloud service stopped")
}
