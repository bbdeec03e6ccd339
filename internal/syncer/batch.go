package syncer

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"storepulse/internal/buffer"
)

// BatchReading 批次内的单条读数（摄入契约）
type BatchReading struct {
	DeviceID  string          `json:"device_id"`
	Value     float64         `json:"value"`
	Unit      string          `json:"unit"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// BatchPayload 上传批次载荷（gzip 压缩后发送）
type BatchPayload struct {
	BatchID  string         `json:"batch_id"`
	TenantID string         `json:"tenant_id"`
	StoreID  string         `json:"store_id"`
	Readings []BatchReading `json:"readings"`
}

// BatchResponse 摄入端响应
// duplicate 与 success 对同步器完全等价：记录照常标记已同步
type BatchResponse struct {
	Status string `json:"status"` // success | duplicate | failure
	Detail string `json:"detail,omitempty"`
}

const (
	StatusSuccess   = "success"
	StatusDuplicate = "duplicate"
	StatusFailure   = "failure"
)

// ComputeBatchID 由批次内容和序号区间确定性地推导批次 ID
// 同一批记录无论重试多少次都得到同一个 ID，中心侧据此去重
func ComputeBatchID(tenantID, storeID string, records []*buffer.Record) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%d", tenantID, storeID, records[0].Seq, records[len(records)-1].Seq)
	for _, rec := range records {
		fmt.Fprintf(h, "|%s:%f:%s:%d", rec.DeviceID, rec.Value, rec.Unit, rec.Timestamp.UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BuildPayload 从缓冲记录构建批次载荷
func BuildPayload(tenantID, storeID, batchID string, records []*buffer.Record) BatchPayload {
	readings := make([]BatchReading, 0, len(records))
	for _, rec := range records {
		readings = append(readings, BatchReading{
			DeviceID:  rec.DeviceID,
			Value:     rec.Value,
			Unit:      rec.Unit,
			Timestamp: rec.Timestamp,
			Metadata:  rec.Metadata,
		})
	}
	return BatchPayload{
		BatchID:  batchID,
		TenantID: tenantID,
		StoreID:  storeID,
		Readings: readings,
	}
}

// Compress 序列化并 gzip 压缩载荷
func Compress(payload BatchPayload) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch payload: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(jsonData); err != nil {
		return nil, fmt.Errorf("failed to compress batch payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish compression: %w", err)
	}
	return buf.Bytes(), nil
}
