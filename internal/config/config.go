package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"storepulse/internal/domain"
	"storepulse/internal/health"
	pkgconfig "storepulse/pkg/config"
)

// CloudConfig 中心服务配置
type CloudConfig struct {
	ServiceName string
	HTTPPort    int
	LogLevel    string
	LogFormat   string

	Database pkgconfig.DatabaseConfig
	Redis    pkgconfig.RedisConfig
	MQTT     pkgconfig.MQTTConfig

	// 巡检周期
	SilenceSweepInterval    time.Duration
	EscalationSweepInterval time.Duration

	// 报警冷却窗口
	AlertCooldown time.Duration

	// 报警外发 Webhook（为空时只走日志通道）
	WebhookURL string

	Thresholds health.ThresholdTable
}

// AgentConfig 边缘代理配置
type AgentConfig struct {
	ServiceName string
	LogLevel    string
	LogFormat   string

	TenantID string
	StoreID  string
	APIKey   string

	// 中心摄入端点
	CloudEndpoint string

	// 本地缓冲目录（为空时用内存模式，仅测试）
	BufferPath string

	SyncBatchSize   int
	SyncInterval    time.Duration
	SyncBackoffBase time.Duration
	SyncBackoffMax  time.Duration
	SyncMaxAttempts int
	BufferRetention time.Duration
	PurgeInterval   time.Duration

	BreakerThreshold int
	BreakerRecovery  time.Duration

	MQTT pkgconfig.MQTTConfig
}

// LoadCloud 加载中心服务配置
func LoadCloud() (*CloudConfig, error) {
	cfg := &CloudConfig{
		ServiceName: getEnv("SERVICE_NAME", "storepulse-cloud"),
		HTTPPort:    getEnvInt("HTTP_PORT", 8080),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		Database: pkgconfig.DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "storepulse",
			Database: "storepulse",
			SSLMode:  "disable",
			MaxConns: 25,
			MaxIdle:  5,
		},
		Redis: pkgconfig.RedisConfig{
			Addr: "localhost:6379",
		},
		MQTT: pkgconfig.MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "storepulse-cloud",
			QoS:      1,
		},

		SilenceSweepInterval:    getEnvDuration("SILENCE_SWEEP_INTERVAL", 30*time.Second),
		EscalationSweepInterval: getEnvDuration("ESCALATION_SWEEP_INTERVAL", 60*time.Second),
		AlertCooldown:           getEnvDuration("ALERT_COOLDOWN", 5*time.Minute),
		WebhookURL:              getEnv("ALERT_WEBHOOK_URL", ""),
	}

	cfg.Database.LoadFromEnv("DB")
	cfg.Redis.LoadFromEnv("REDIS")
	cfg.MQTT.LoadFromEnv("MQTT")

	thresholds, err := loadThresholds()
	if err != nil {
		return nil, err
	}
	cfg.Thresholds = thresholds

	return cfg, nil
}

// LoadAgent 加载边缘代理配置
// 门店身份（租户/门店/API Key）没有默认值，缺失即启动失败
func LoadAgent() (*AgentConfig, error) {
	cfg := &AgentConfig{
		ServiceName: getEnv("SERVICE_NAME", "storepulse-agent"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		TenantID: os.Getenv("TENANT_ID"),
		StoreID:  os.Getenv("STORE_ID"),
		APIKey:   os.Getenv("STORE_API_KEY"),

		CloudEndpoint: getEnv("CLOUD_ENDPOINT", "http://localhost:8080"),
		BufferPath:    getEnv("BUFFER_PATH", "/var/lib/storepulse/buffer"),

		SyncBatchSize:   getEnvInt("SYNC_BATCH_SIZE", 50),
		SyncInterval:    getEnvDuration("SYNC_INTERVAL", 30*time.Second),
		SyncBackoffBase: getEnvDuration("SYNC_BACKOFF_BASE", 2*time.Second),
		SyncBackoffMax:  getEnvDuration("SYNC_BACKOFF_MAX", 5*time.Minute),
		SyncMaxAttempts: getEnvInt("SYNC_MAX_ATTEMPTS", 10),
		BufferRetention: getEnvDuration("BUFFER_RETENTION", 24*time.Hour),
		PurgeInterval:   getEnvDuration("PURGE_INTERVAL", time.Hour),

		BreakerThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 3),
		BreakerRecovery:  getEnvDuration("BREAKER_RECOVERY_TIMEOUT", 60*time.Second),

		MQTT: pkgconfig.MQTTConfig{
			Broker: "tcp://localhost:1883",
			QoS:    1,
		},
	}
	cfg.MQTT.LoadFromEnv("MQTT")
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = fmt.Sprintf("storepulse-agent-%s-%s", cfg.TenantID, cfg.StoreID)
	}

	if cfg.TenantID == "" || cfg.StoreID == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: TENANT_ID, STORE_ID and STORE_API_KEY are required", domain.ErrValidation)
	}
	return cfg, nil
}

// loadThresholds 默认阈值表 + 环境变量覆盖
// 覆盖格式：THRESHOLD_POS="120s,300s,600s"（warning,critical,emergency）
func loadThresholds() (health.ThresholdTable, error) {
	table := health.DefaultThresholds()

	overrides := map[domain.DeviceType]string{
		domain.DeviceTypePOS:         "THRESHOLD_POS",
		domain.DeviceTypeTemperature: "THRESHOLD_TEMPERATURE",
		domain.DeviceTypeDoor:        "THRESHOLD_DOOR",
		domain.DeviceTypeMotion:      "THRESHOLD_MOTION",
		domain.DeviceTypePower:       "THRESHOLD_POWER",
	}
	for deviceType, envKey := range overrides {
		raw := os.Getenv(envKey)
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: %s must be warning,critical,emergency durations", domain.ErrValidation, envKey)
		}
		th := table[deviceType]
		durations := make([]time.Duration, 3)
		for i, part := range parts {
			d, err := time.ParseDuration(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("%w: invalid duration in %s: %v", domain.ErrValidation, envKey, err)
			}
			durations[i] = d
		}
		th.Warning, th.Critical, th.Emergency = durations[0], durations[1], durations[2]
		table[deviceType] = th
	}

	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
