package ingest

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"storepulse/internal/domain"
	"storepulse/internal/health"
	"storepulse/internal/repository"
	"storepulse/internal/syncer"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHandler(t *testing.T) (*Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	store := &fakeEventStore{}
	tenantsRepo := repository.NewPostgresTenantsRepository(db, logger)
	detector, err := health.NewDetector(
		store,
		repository.NewPostgresDevicesRepository(db, logger),
		tenantsRepo,
		health.DefaultThresholds(),
		noopPublisher{},
		logger,
	)
	require.NoError(t, err)

	svc := NewService(
		repository.NewPostgresBatchesRepository(db, logger),
		repository.NewPostgresReadingsRepository(db, logger),
		detector,
		logger,
	)
	handler := NewHandler(svc, tenantsRepo, repository.NewPostgresAlertsRepository(db, logger), detector, logger)
	return handler, mock
}

func keyHashOf(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func expectAPIKeyLookup(mock sqlmock.Sqlmock, token, tenantID, storeID string) {
	mock.ExpectQuery(`SELECT k\.tenant_id, k\.store_id`).
		WithArgs(keyHashOf(token)).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "store_id"}).AddRow(tenantID, storeID))
}

func gzipBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err = gz.Write(raw)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return &buf
}

func postBatch(t *testing.T, srv *httptest.Server, token string, payload syncer.BatchPayload) (*http.Response, syncer.BatchResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/ingest/batches", gzipBody(t, payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var result syncer.BatchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return resp, result
}

func TestHealthEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := httptest.NewServer(handler.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIngestRejectsMissingKey(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := httptest.NewServer(handler.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/ingest/batches", "application/json", bytes.NewBufferString("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIngestGzipBatchSuccess(t *testing.T) {
	handler, mock := newTestHandler(t)
	srv := httptest.NewServer(handler.Routes())
	defer srv.Close()

	expectAPIKeyLookup(mock, "sp_test", "tenant-a", "store-1")
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO processed_batches`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	payload := syncer.BatchPayload{BatchID: "batch-1", TenantID: "tenant-a", StoreID: "store-1"}
	resp, result := postBatch(t, srv, "sp_test", payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, syncer.StatusSuccess, result.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestTenantMismatchForbidden(t *testing.T) {
	handler, mock := newTestHandler(t)
	srv := httptest.NewServer(handler.Routes())
	defer srv.Close()

	// Key 属于 tenant-a，载荷却声称 tenant-b
	expectAPIKeyLookup(mock, "sp_test", "tenant-a", "store-1")

	payload := syncer.BatchPayload{BatchID: "batch-1", TenantID: "tenant-b", StoreID: "store-1"}
	resp, result := postBatch(t, srv, "sp_test", payload)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, syncer.StatusFailure, result.Status)
}

func TestIngestDuplicateBatch(t *testing.T) {
	handler, mock := newTestHandler(t)
	srv := httptest.NewServer(handler.Routes())
	defer srv.Close()

	expectAPIKeyLookup(mock, "sp_test", "tenant-a", "store-1")
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO processed_batches`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	payload := syncer.BatchPayload{BatchID: "batch-1", TenantID: "tenant-a", StoreID: "store-1"}
	resp, result := postBatch(t, srv, "sp_test", payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, syncer.StatusDuplicate, result.Status)
}

func TestAPIKeyLookupIsCached(t *testing.T) {
	handler, mock := newTestHandler(t)
	srv := httptest.NewServer(handler.Routes())
	defer srv.Close()

	// 只预期一次查库：第二个请求命中缓存
	expectAPIKeyLookup(mock, "sp_test", "tenant-a", "store-1")
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO processed_batches`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	for _, batchID := range []string{"batch-1", "batch-2"} {
		payload := syncer.BatchPayload{BatchID: batchID, TenantID: "tenant-a", StoreID: "store-1"}
		resp, result := postBatch(t, srv, "sp_test", payload)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, syncer.StatusSuccess, result.Status)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestMalformedGzip(t *testing.T) {
	handler, mock := newTestHandler(t)
	srv := httptest.NewServer(handler.Routes())
	defer srv.Close()

	expectAPIKeyLookup(mock, "sp_test", "tenant-a", "store-1")

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/ingest/batches", bytes.NewBufferString("not gzip"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sp_test")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterDeviceEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := httptest.NewServer(handler.Routes())
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{
		"tenant_id": "tenant-a", "device_id": "pos-01",
		"store_id": "store-1", "device_type": "pos",
	})
	resp, err := http.Post(srv.URL+"/admin/v1/devices", "application/json", bytes.NewBuffer(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var result Result[*domain.Device]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, domain.StatusActive, result.Data.Status)
}

func TestRegisterDeviceRejectsUnknownType(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := httptest.NewServer(handler.Routes())
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{
		"tenant_id": "tenant-a", "device_id": "x-01",
		"store_id": "store-1", "device_type": "fridge",
	})
	resp, err := http.Post(srv.URL+"/admin/v1/devices", "application/json", bytes.NewBuffer(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
