package command

import (
	"encoding/json"
	"fmt"
	"time"

	"storepulse/pkg/mqtt"

	"go.uber.org/zap"
)

// Executor 单类指令的执行函数（由边缘侧注册）
type Executor func(cmd *Command) (result string, err error)

// Responder 边缘指令处理器
// 订阅本门店的下行主题，执行指令并把结果回发到响应主题
type Responder struct {
	mqttClient *mqtt.Client
	tenantID   string
	storeID    string
	executors  map[string]Executor
	logger     *zap.Logger
}

// NewResponder 创建边缘指令处理器
func NewResponder(mqttClient *mqtt.Client, tenantID, storeID string, logger *zap.Logger) *Responder {
	return &Responder{
		mqttClient: mqttClient,
		tenantID:   tenantID,
		storeID:    storeID,
		executors:  make(map[string]Executor),
		logger:     logger,
	}
}

// Register 注册指令执行函数（需在 Start 之前完成）
func (r *Responder) Register(command string, exec Executor) {
	r.executors[command] = exec
}

// Start 订阅本门店的指令主题
func (r *Responder) Start() error {
	return r.mqttClient.Subscribe(CommandTopic(r.tenantID, r.storeID), 1, r.handleMessage)
}

func (r *Responder) handleMessage(_ string, payload []byte) error {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}
	// 别的门店的指令不执行（broker 错配时的保护）
	if cmd.TenantID != r.tenantID || cmd.StoreID != r.storeID {
		r.logger.Warn("Ignoring command for another store",
			zap.String("tenant_id", cmd.TenantID),
			zap.String("store_id", cmd.StoreID),
		)
		return nil
	}

	result := "ok"
	exec, ok := r.executors[cmd.Command]
	if !ok {
		result = fmt.Sprintf("unsupported command: %s", cmd.Command)
		r.logger.Warn("Received unsupported command",
			zap.String("command", cmd.Command),
			zap.String("request_id", cmd.RequestID),
		)
	} else if out, err := exec(&cmd); err != nil {
		result = fmt.Sprintf("error: %v", err)
		r.logger.Error("Command execution failed",
			zap.String("command", cmd.Command),
			zap.String("request_id", cmd.RequestID),
			zap.Error(err),
		)
	} else if out != "" {
		result = out
	}

	resp := Response{
		RequestID: cmd.RequestID,
		TenantID:  cmd.TenantID,
		StoreID:   cmd.StoreID,
		DeviceID:  cmd.DeviceID,
		Command:   cmd.Command,
		Result:    result,
		At:        time.Now().UTC(),
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal command response: %w", err)
	}
	return r.mqttClient.Publish(ResponseTopic(r.tenantID, r.storeID), 1, false, data)
}
