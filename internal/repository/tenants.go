package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"storepulse/internal/domain"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresTenantsRepository 租户Repository（强类型版本）
// 租户是所有数据的隔离边界，本仓库也负责门店与门店 API Key
type PostgresTenantsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresTenantsRepository 创建租户Repository
func NewPostgresTenantsRepository(db *sql.DB, logger *zap.Logger) *PostgresTenantsRepository {
	return &PostgresTenantsRepository{db: db, logger: logger}
}

// CreateTenant 创建租户（tenant_id 重复时报错）
func (r *PostgresTenantsRepository) CreateTenant(ctx context.Context, t *domain.Tenant) error {
	if t.TenantID == "" || t.CompanyName == "" {
		return fmt.Errorf("%w: tenant_id and company_name are required", domain.ErrValidation)
	}

	var exists string
	err := r.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM tenants WHERE tenant_id = $1`, t.TenantID,
	).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: tenant %s already exists", domain.ErrValidation, t.TenantID)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check tenant existence: %w", err)
	}

	numbers, err := json.Marshal(t.NotifyNumbers)
	if err != nil {
		return fmt.Errorf("failed to marshal notify numbers: %w", err)
	}
	config := t.Config
	if config == nil {
		config = json.RawMessage(`{}`)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tenants (
			tenant_id, company_name, plan_type, max_stores, max_monthly_cost,
			billing_email, admin_contact, whatsapp_numbers, config, is_active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, NOW())
	`, t.TenantID, t.CompanyName, t.PlanType, t.MaxStores, t.MaxMonthlyCost,
		t.BillingEmail, t.AdminContact, numbers, []byte(config))
	if err != nil {
		// 预检查和插入之间有并发窗口，主键冲突兜底
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: tenant %s already exists", domain.ErrValidation, t.TenantID)
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}

	r.logger.Info("Created new tenant",
		zap.String("tenant_id", t.TenantID),
		zap.String("company_name", t.CompanyName),
	)
	return nil
}

// GetTenant 根据tenant_id获取租户信息
func (r *PostgresTenantsRepository) GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", domain.ErrValidation)
	}

	query := `
		SELECT
			tenant_id, company_name, plan_type, max_stores, max_monthly_cost,
			billing_email, COALESCE(admin_contact, '') as admin_contact,
			COALESCE(whatsapp_numbers, '[]'::jsonb) as whatsapp_numbers,
			COALESCE(config, '{}'::jsonb) as config,
			is_active, created_at
		FROM tenants
		WHERE tenant_id = $1
	`

	var t domain.Tenant
	var numbersRaw json.RawMessage
	err := r.db.QueryRowContext(ctx, query, tenantID).Scan(
		&t.TenantID, &t.CompanyName, &t.PlanType, &t.MaxStores, &t.MaxMonthlyCost,
		&t.BillingEmail, &t.AdminContact, &numbersRaw, &t.Config, &t.IsActive, &t.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: tenant %s", domain.ErrNotFound, tenantID)
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}

	if err := json.Unmarshal(numbersRaw, &t.NotifyNumbers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notify numbers: %w", err)
	}
	return &t, nil
}

// ListActiveTenantIDs 列出活跃租户ID（供静默巡检逐租户遍历）
func (r *PostgresTenantsRepository) ListActiveTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tenant_id FROM tenants WHERE is_active = TRUE ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeactivateTenant 下线租户（存在历史数据时不做物理删除）
func (r *PostgresTenantsRepository) DeactivateTenant(ctx context.Context, tenantID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tenants SET is_active = FALSE WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to deactivate tenant: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: tenant %s", domain.ErrNotFound, tenantID)
	}
	return nil
}

// CreateStore 为租户创建门店（检查 max_stores 限制）
func (r *PostgresTenantsRepository) CreateStore(ctx context.Context, s *domain.Store) error {
	if s.TenantID == "" || s.StoreID == "" || s.StoreName == "" {
		return fmt.Errorf("%w: tenant_id, store_id and store_name are required", domain.ErrValidation)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 校验租户存在且未超门店上限
	var maxStores, storeCount int
	err = tx.QueryRowContext(ctx, `
		SELECT t.max_stores, COUNT(s.store_id)
		FROM tenants t
		LEFT JOIN stores s ON s.tenant_id = t.tenant_id AND s.is_active = TRUE
		WHERE t.tenant_id = $1 AND t.is_active = TRUE
		GROUP BY t.max_stores
	`, s.TenantID).Scan(&maxStores, &storeCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: tenant %s", domain.ErrNotFound, s.TenantID)
		}
		return fmt.Errorf("failed to check store limit: %w", err)
	}
	if storeCount >= maxStores {
		return fmt.Errorf("%w: tenant %s reached store limit %d", domain.ErrValidation, s.TenantID, maxStores)
	}

	config := s.Config
	if config == nil {
		config = json.RawMessage(`{}`)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stores (tenant_id, store_id, store_name, location, config, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, NOW())
	`, s.TenantID, s.StoreID, s.StoreName, s.Location, []byte(config))
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	return tx.Commit()
}

// ListStores 查询租户的门店列表
func (r *PostgresTenantsRepository) ListStores(ctx context.Context, tenantID string) ([]*domain.Store, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", domain.ErrValidation)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, store_id, store_name, COALESCE(location, ''), COALESCE(config, '{}'::jsonb), is_active, created_at
		FROM stores
		WHERE tenant_id = $1
		ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}
	defer rows.Close()

	var stores []*domain.Store
	for rows.Next() {
		var s domain.Store
		if err := rows.Scan(&s.TenantID, &s.StoreID, &s.StoreName, &s.Location, &s.Config, &s.IsActive, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan store: %w", err)
		}
		stores = append(stores, &s)
	}
	return stores, rows.Err()
}

// CreateAPIKey 为门店签发 API Key（明文仅在创建时返回一次，库中只存哈希）
func (r *PostgresTenantsRepository) CreateAPIKey(ctx context.Context, tenantID, storeID string) (string, *domain.StoreAPIKey, error) {
	if tenantID == "" || storeID == "" {
		return "", nil, fmt.Errorf("%w: tenant_id and store_id are required", domain.ErrValidation)
	}

	plaintext := "sp_" + uuid.New().String()
	hash := sha256.Sum256([]byte(plaintext))
	key := &domain.StoreAPIKey{
		KeyID:    uuid.New().String(),
		TenantID: tenantID,
		StoreID:  storeID,
		KeyHash:  hex.EncodeToString(hash[:]),
		IsActive: true,
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO store_api_keys (key_id, tenant_id, store_id, key_hash, is_active, created_at)
		VALUES ($1, $2, $3, $4, TRUE, NOW())
		RETURNING created_at
	`, key.KeyID, key.TenantID, key.StoreID, key.KeyHash).Scan(&key.CreatedAt)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create api key: %w", err)
	}

	return plaintext, key, nil
}

// LookupAPIKey 根据 Key 哈希解析 (tenant_id, store_id)
// Key 和租户都必须处于活跃状态
func (r *PostgresTenantsRepository) LookupAPIKey(ctx context.Context, keyHash string) (tenantID, storeID string, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT k.tenant_id, k.store_id
		FROM store_api_keys k
		JOIN tenants t ON k.tenant_id = t.tenant_id
		WHERE k.key_hash = $1
		AND k.is_active = TRUE
		AND t.is_active = TRUE
	`, keyHash).Scan(&tenantID, &storeID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", "", fmt.Errorf("%w: api key", domain.ErrNotFound)
		}
		return "", "", fmt.Errorf("failed to lookup api key: %w", err)
	}
	return tenantID, storeID, nil
}
