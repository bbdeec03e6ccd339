package command

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// 指令通道 MQTT 主题布局
// 下行：storepulse/{tenant_id}/{store_id}/cmd
// 上行：storepulse/{tenant_id}/{store_id}/cmd/response
const (
	topicPrefix     = "storepulse"
	responseSegment = "response"
)

// Command 云端下发给边缘的设备指令
type Command struct {
	RequestID string          `json:"request_id"`
	TenantID  string          `json:"tenant_id"`
	StoreID   string          `json:"store_id"`
	DeviceID  string          `json:"device_id"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	IssuedAt  time.Time       `json:"issued_at"`
}

// Response 边缘对指令的执行结果
type Response struct {
	RequestID string    `json:"request_id"`
	TenantID  string    `json:"tenant_id"`
	StoreID   string    `json:"store_id"`
	DeviceID  string    `json:"device_id"`
	Command   string    `json:"command"`
	Result    string    `json:"result"`
	At        time.Time `json:"at"`
}

// CommandTopic 门店指令下行主题
func CommandTopic(tenantID, storeID string) string {
	return fmt.Sprintf("%s/%s/%s/cmd", topicPrefix, tenantID, storeID)
}

// ResponseTopic 门店指令响应上行主题
func ResponseTopic(tenantID, storeID string) string {
	return fmt.Sprintf("%s/%s/%s/cmd/%s", topicPrefix, tenantID, storeID, responseSegment)
}

// ResponseWildcard 云端订阅全部门店响应的通配主题
func ResponseWildcard() string {
	return fmt.Sprintf("%s/+/+/cmd/%s", topicPrefix, responseSegment)
}

// ParseResponseTopic 从响应主题里还原 (tenant_id, store_id)
func ParseResponseTopic(topic string) (tenantID, storeID string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != topicPrefix || parts[3] != "cmd" || parts[4] != responseSegment {
		return "", "", fmt.Errorf("unexpected response topic: %s", topic)
	}
	return parts[1], parts[2], nil
}
