package domain

import (
	"encoding/json"
	"time"
)

// Tenant 租户领域模型（对应 tenants 表）
// 租户是计费和数据隔离边界，下线时置 is_active=false，存在历史数据时不做物理删除
type Tenant struct {
	// 主键
	TenantID string `db:"tenant_id"` // VARCHAR(50), PRIMARY KEY

	// 基本信息
	CompanyName  string `db:"company_name"`  // VARCHAR(255), NOT NULL
	PlanType     string `db:"plan_type"`     // VARCHAR(50), DEFAULT 'basic'
	BillingEmail string `db:"billing_email"` // VARCHAR(255), NOT NULL
	AdminContact string `db:"admin_contact"` // VARCHAR(255)

	// 资源限制
	MaxStores      int     `db:"max_stores"`       // INT, DEFAULT 30
	MaxMonthlyCost float64 `db:"max_monthly_cost"` // NUMERIC, DEFAULT 265.00

	// 通知号码列表
	NotifyNumbers []string `db:"whatsapp_numbers"` // JSONB

	// 状态
	IsActive bool `db:"is_active"` // BOOLEAN, DEFAULT TRUE

	// 扩展配置
	Config json.RawMessage `db:"config"` // JSONB

	CreatedAt time.Time `db:"created_at"` // TIMESTAMPTZ
}

// Store 门店领域模型（对应 stores 表）
// 每个门店属于且仅属于一个租户
type Store struct {
	TenantID  string          `db:"tenant_id"`  // VARCHAR(50), NOT NULL
	StoreID   string          `db:"store_id"`   // VARCHAR(50), PRIMARY KEY (tenant_id, store_id)
	StoreName string          `db:"store_name"` // VARCHAR(255), NOT NULL
	Location  string          `db:"location"`   // VARCHAR(255)
	Config    json.RawMessage `db:"config"`     // JSONB
	IsActive  bool            `db:"is_active"`  // BOOLEAN, DEFAULT TRUE
	CreatedAt time.Time       `db:"created_at"` // TIMESTAMPTZ
}

// StoreAPIKey 门店 API Key（对应 store_api_keys 表）
// 边缘 Agent 上传批次时携带，哈希存储，据此解析 (tenant_id, store_id)
type StoreAPIKey struct {
	KeyID     string    `db:"key_id"`     // UUID, PRIMARY KEY
	TenantID  string    `db:"tenant_id"`  // VARCHAR(50), NOT NULL
	StoreID   string    `db:"store_id"`   // VARCHAR(50), NOT NULL
	KeyHash   string    `db:"key_hash"`   // CHAR(64), SHA-256 hex
	IsActive  bool      `db:"is_active"`  // BOOLEAN, DEFAULT TRUE
	CreatedAt time.Time `db:"created_at"` // TIMESTAMPTZ
}
