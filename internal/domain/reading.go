package domain

import (
	"encoding/json"
	"time"
)

// Reading 读数领域模型（对应 readings 表，append-only 不可变事实）
type Reading struct {
	ReadingID int64           `db:"reading_id"` // BIGSERIAL, PRIMARY KEY
	TenantID  string          `db:"tenant_id"`  // VARCHAR(50), NOT NULL
	DeviceID  string          `db:"device_id"`  // VARCHAR(100), NOT NULL
	Value     float64         `db:"value"`      // NUMERIC, NOT NULL
	Unit      string          `db:"unit"`       // VARCHAR(20), NOT NULL
	Timestamp time.Time       `db:"timestamp"`  // TIMESTAMPTZ, NOT NULL
	Metadata  json.RawMessage `db:"metadata"`   // JSONB, nullable
}

// Validate 本地校验（不合法的读数直接拒绝，不落库）
func (r *Reading) Validate() error {
	if r.TenantID == "" {
		return ErrValidation
	}
	if r.DeviceID == "" {
		return ErrValidation
	}
	if r.Unit == "" {
		return ErrValidation
	}
	if r.Timestamp.IsZero() {
		return ErrValidation
	}
	return nil
}
