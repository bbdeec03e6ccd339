package ingest

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"storepulse/internal/domain"
	"storepulse/internal/health"
	"storepulse/internal/repository"
	"storepulse/internal/syncer"

	"go.uber.org/zap"
)

// Result 统一响应结构
type Result[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Result[struct{}]{Code: status, Message: message})
}

// readBodyJSON 读取并解析请求体（限制大小防滥用）
func readBodyJSON(r *http.Request, maxBytes int64, out interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// cachedKey API Key 解析结果缓存条目
type cachedKey struct {
	tenantID  string
	storeID   string
	expiresAt time.Time
}

const keyCacheTTL = 5 * time.Minute

// Handler 摄入与管理 HTTP 处理器
// 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Handler struct {
	service     *Service
	tenantsRepo *repository.PostgresTenantsRepository
	alertsRepo  *repository.PostgresAlertsRepository
	detector    *health.Detector
	logger      *zap.Logger

	keyMu    sync.Mutex
	keyCache map[string]cachedKey
}

// NewHandler 创建 HTTP 处理器
func NewHandler(
	service *Service,
	tenantsRepo *repository.PostgresTenantsRepository,
	alertsRepo *repository.PostgresAlertsRepository,
	detector *health.Detector,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		service:     service,
		tenantsRepo: tenantsRepo,
		alertsRepo:  alertsRepo,
		detector:    detector,
		logger:      logger,
		keyCache:    make(map[string]cachedKey),
	}
}

// Routes 注册全部路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/v1/ingest/batches", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.IngestBatch(w, req)
	})

	// 管理面路由
	mux.HandleFunc("/admin/v1/tenants", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodPost:
			h.CreateTenant(w, req)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/admin/v1/tenants/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		tenantID := strings.TrimPrefix(req.URL.Path, "/admin/v1/tenants/")
		if tenantID == "" || strings.Contains(tenantID, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.GetTenant(w, req, tenantID)
	})
	mux.HandleFunc("/admin/v1/stores", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.CreateStore(w, req)
	})
	mux.HandleFunc("/admin/v1/api-keys", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.IssueAPIKey(w, req)
	})
	mux.HandleFunc("/admin/v1/devices", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.RegisterDevice(w, req)
	})
	mux.HandleFunc("/admin/v1/alerts/acknowledge", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.AcknowledgeAlert(w, req)
	})

	return mux
}

// authenticate 解析 Bearer API Key 为 (tenant_id, store_id)
// 查库结果按哈希缓存 5 分钟，摄入热路径不反复打数据库
func (h *Handler) authenticate(req *http.Request) (tenantID, storeID string, err error) {
	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", "", errors.New("missing bearer token")
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	sum := sha256.Sum256([]byte(token))
	keyHash := hex.EncodeToString(sum[:])

	h.keyMu.Lock()
	entry, ok := h.keyCache[keyHash]
	h.keyMu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.tenantID, entry.storeID, nil
	}

	tenantID, storeID, err = h.tenantsRepo.LookupAPIKey(req.Context(), keyHash)
	if err != nil {
		return "", "", err
	}

	h.keyMu.Lock()
	h.keyCache[keyHash] = cachedKey{tenantID: tenantID, storeID: storeID, expiresAt: time.Now().Add(keyCacheTTL)}
	h.keyMu.Unlock()
	return tenantID, storeID, nil
}

// IngestBatch 接收边缘上传的 gzip 压缩批次
func (h *Handler) IngestBatch(w http.ResponseWriter, req *http.Request) {
	tenantID, storeID, err := h.authenticate(req)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, syncer.BatchResponse{
			Status: syncer.StatusFailure,
			Detail: "invalid api key",
		})
		return
	}

	var body io.Reader = req.Body
	if strings.Contains(req.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(req.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, syncer.BatchResponse{
				Status: syncer.StatusFailure,
				Detail: "malformed gzip body",
			})
			return
		}
		defer gz.Close()
		body = gz
	}

	var payload syncer.BatchPayload
	if err := json.NewDecoder(io.LimitReader(body, 10<<20)).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, syncer.BatchResponse{
			Status: syncer.StatusFailure,
			Detail: "malformed batch payload",
		})
		return
	}

	status, err := h.service.ProcessBatch(req.Context(), tenantID, storeID, payload)
	if err != nil {
		h.logger.Error("Batch ingestion failed",
			zap.String("tenant_id", tenantID),
			zap.String("batch_id", payload.BatchID),
			zap.Error(err),
		)
		code := http.StatusInternalServerError
		if errors.Is(err, domain.ErrValidation) {
			code = http.StatusBadRequest
		} else if errors.Is(err, domain.ErrTenantIsolation) {
			code = http.StatusForbidden
		}
		writeJSON(w, code, syncer.BatchResponse{Status: status, Detail: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, syncer.BatchResponse{Status: status})
}

// CreateTenant 创建租户
func (h *Handler) CreateTenant(w http.ResponseWriter, req *http.Request) {
	var tenant domain.Tenant
	if err := readBodyJSON(req, 1<<20, &tenant); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := h.tenantsRepo.CreateTenant(req.Context(), &tenant); err != nil {
		h.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, Result[*domain.Tenant]{Code: http.StatusCreated, Message: "created", Data: &tenant})
}

// GetTenant 查询租户
func (h *Handler) GetTenant(w http.ResponseWriter, req *http.Request, tenantID string) {
	tenant, err := h.tenantsRepo.GetTenant(req.Context(), tenantID)
	if err != nil {
		h.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Result[*domain.Tenant]{Code: http.StatusOK, Message: "ok", Data: tenant})
}

// CreateStore 创建门店
func (h *Handler) CreateStore(w http.ResponseWriter, req *http.Request) {
	var store domain.Store
	if err := readBodyJSON(req, 1<<20, &store); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := h.tenantsRepo.CreateStore(req.Context(), &store); err != nil {
		h.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, Result[*domain.Store]{Code: http.StatusCreated, Message: "created", Data: &store})
}

// IssueAPIKey 为门店签发 API Key（明文只在响应里出现一次）
func (h *Handler) IssueAPIKey(w http.ResponseWriter, req *http.Request) {
	var in struct {
		TenantID string `json:"tenant_id"`
		StoreID  string `json:"store_id"`
	}
	if err := readBodyJSON(req, 1<<20, &in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	plaintext, key, err := h.tenantsRepo.CreateAPIKey(req.Context(), in.TenantID, in.StoreID)
	if err != nil {
		h.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, Result[map[string]string]{
		Code:    http.StatusCreated,
		Message: "created",
		Data: map[string]string{
			"key_id":  key.KeyID,
			"api_key": plaintext,
		},
	})
}

// RegisterDevice 注册设备（写入事件流版本 0）
func (h *Handler) RegisterDevice(w http.ResponseWriter, req *http.Request) {
	var in struct {
		TenantID   string            `json:"tenant_id"`
		DeviceID   string            `json:"device_id"`
		StoreID    string            `json:"store_id"`
		DeviceType domain.DeviceType `json:"device_type"`
	}
	if err := readBodyJSON(req, 1<<20, &in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if in.TenantID == "" || in.DeviceID == "" || in.StoreID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id, device_id and store_id are required")
		return
	}
	device, err := h.detector.RegisterDevice(req.Context(), in.TenantID, in.DeviceID, in.StoreID, in.DeviceType)
	if err != nil {
		h.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, Result[*domain.Device]{Code: http.StatusCreated, Message: "created", Data: device})
}

// AcknowledgeAlert 人工确认报警
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, req *http.Request) {
	var in struct {
		TenantID string `json:"tenant_id"`
		AlertID  string `json:"alert_id"`
	}
	if err := readBodyJSON(req, 1<<20, &in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := h.alertsRepo.AcknowledgeAlert(req.Context(), in.TenantID, in.AlertID); err != nil {
		h.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Result[struct{}]{Code: http.StatusOK, Message: "acknowledged"})
}

func (h *Handler) writeRepoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrTenantIsolation):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
