package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"storepulse/internal/domain"
	"storepulse/internal/eventstore"
	"storepulse/internal/repository"
	"storepulse/pkg/mqtt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher 云端指令下发器
type Dispatcher struct {
	mqttClient *mqtt.Client
	logger     *zap.Logger
}

// NewDispatcher 创建指令下发器
func NewDispatcher(mqttClient *mqtt.Client, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{mqttClient: mqttClient, logger: logger}
}

// Send 下发指令（分配 request_id 并发布到门店下行主题）
func (d *Dispatcher) Send(cmd *Command) (string, error) {
	if cmd.TenantID == "" || cmd.StoreID == "" || cmd.DeviceID == "" || cmd.Command == "" {
		return "", fmt.Errorf("%w: tenant_id, store_id, device_id and command are required", domain.ErrValidation)
	}

	cmd.RequestID = uuid.New().String()
	cmd.IssuedAt = time.Now().UTC()

	data, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("failed to marshal command: %w", err)
	}
	if err := d.mqttClient.Publish(CommandTopic(cmd.TenantID, cmd.StoreID), 1, false, data); err != nil {
		return "", err
	}

	d.logger.Info("Command dispatched",
		zap.String("tenant_id", cmd.TenantID),
		zap.String("store_id", cmd.StoreID),
		zap.String("device_id", cmd.DeviceID),
		zap.String("command", cmd.Command),
		zap.String("request_id", cmd.RequestID),
	)
	return cmd.RequestID, nil
}

// ResponseConsumer 云端指令响应消费者
// 把边缘回报的执行结果追加为设备事件，纳入事件流审计
type ResponseConsumer struct {
	mqttClient  *mqtt.Client
	store       eventstore.EventStore
	devicesRepo *repository.PostgresDevicesRepository
	logger      *zap.Logger
}

// NewResponseConsumer 创建响应消费者
func NewResponseConsumer(
	mqttClient *mqtt.Client,
	store eventstore.EventStore,
	devicesRepo *repository.PostgresDevicesRepository,
	logger *zap.Logger,
) *ResponseConsumer {
	return &ResponseConsumer{
		mqttClient:  mqttClient,
		store:       store,
		devicesRepo: devicesRepo,
		logger:      logger,
	}
}

// Start 订阅全部门店的响应主题
func (c *ResponseConsumer) Start() error {
	return c.mqttClient.Subscribe(ResponseWildcard(), 1, c.handleMessage)
}

func (c *ResponseConsumer) handleMessage(topic string, payload []byte) error {
	tenantID, _, err := ParseResponseTopic(topic)
	if err != nil {
		return err
	}

	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("failed to unmarshal command response: %w", err)
	}
	// 主题里的租户是事实，载荷不一致时拒绝
	if resp.TenantID != tenantID {
		return fmt.Errorf("%w: response tenant %s does not match topic tenant %s",
			domain.ErrTenantIsolation, resp.TenantID, tenantID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	device, err := c.devicesRepo.GetDevice(ctx, resp.TenantID, resp.DeviceID)
	if err != nil {
		return err
	}

	eventPayload, err := json.Marshal(domain.CommandResponsePayload{
		RequestID: resp.RequestID,
		Command:   resp.Command,
		Result:    resp.Result,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal command response payload: %w", err)
	}

	events := []domain.DeviceEvent{{
		TenantID:  resp.TenantID,
		StreamID:  resp.DeviceID,
		EventType: domain.EventCommandResponseReceived,
		Payload:   eventPayload,
		CreatedAt: time.Now().UTC(),
	}}
	if err := c.store.Append(ctx, resp.TenantID, resp.DeviceID, device.Version, events, device); err != nil {
		return err
	}

	c.logger.Info("Command response recorded",
		zap.String("tenant_id", resp.TenantID),
		zap.String("device_id", resp.DeviceID),
		zap.String("request_id", resp.RequestID),
		zap.String("result", resp.Result),
	)
	return nil
}
