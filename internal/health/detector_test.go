package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"storepulse/internal/domain"
	"storepulse/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeEventStore 内存事件库替身，记录每次追加
type fakeEventStore struct {
	mu       sync.Mutex
	appends  []appendCall
	failWith error
}

type appendCall struct {
	tenantID        string
	streamID        string
	expectedVersion int64
	events          []domain.DeviceEvent
	snapshot        *domain.Device
}

func (f *fakeEventStore) Append(_ context.Context, tenantID, streamID string, expectedVersion int64, events []domain.DeviceEvent, snapshot *domain.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.appends = append(f.appends, appendCall{
		tenantID: tenantID, streamID: streamID,
		expectedVersion: expectedVersion, events: events, snapshot: snapshot,
	})
	return nil
}

func (f *fakeEventStore) Read(context.Context, string, string, int64) ([]domain.DeviceEvent, error) {
	return nil, nil
}

// fakePublisher 记录发布的转换消息
type fakePublisher struct {
	mu       sync.Mutex
	messages []TransitionMessage
}

func (p *fakePublisher) PublishTransition(_ context.Context, msg TransitionMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func testThresholds() ThresholdTable {
	table := DefaultThresholds()
	table[domain.DeviceTypePOS] = Threshold{
		Warning: 60 * time.Second, Critical: 120 * time.Second, Emergency: 300 * time.Second,
	}
	return table
}

func newTestDetector(t *testing.T) (*Detector, sqlmock.Sqlmock, *fakeEventStore, *fakePublisher) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	store := &fakeEventStore{}
	publisher := &fakePublisher{}
	detector, err := NewDetector(
		store,
		repository.NewPostgresDevicesRepository(db, logger),
		repository.NewPostgresTenantsRepository(db, logger),
		testThresholds(),
		publisher,
		logger,
	)
	require.NoError(t, err)
	return detector, mock, store, publisher
}

var deviceCols = []string{
	"tenant_id", "device_id", "store_id", "device_type", "status",
	"last_reading_at", "battery_level", "signal_strength", "error_count", "version",
	"created_at", "updated_at",
}

func TestNewDetectorRejectsBadThresholds(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	logger := zap.NewNop()
	bad := testThresholds()
	delete(bad, domain.DeviceTypePower)
	_, err = NewDetector(&fakeEventStore{}, repository.NewPostgresDevicesRepository(db, logger),
		repository.NewPostgresTenantsRepository(db, logger), bad, &fakePublisher{}, logger)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRegisterDevice(t *testing.T) {
	detector, _, store, _ := newTestDetector(t)

	device, err := detector.RegisterDevice(context.Background(), "tenant-a", "pos-01", "store-1", domain.DeviceTypePOS)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, device.Status)

	require.Len(t, store.appends, 1)
	call := store.appends[0]
	assert.Equal(t, int64(0), call.expectedVersion)
	require.Len(t, call.events, 1)
	assert.Equal(t, domain.EventDeviceRegistered, call.events[0].EventType)
}

func TestRegisterDeviceUnknownType(t *testing.T) {
	detector, _, store, _ := newTestDetector(t)
	_, err := detector.RegisterDevice(context.Background(), "tenant-a", "x-01", "store-1", "fridge")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, store.appends)
}

func TestRecordReadingActiveDevice(t *testing.T) {
	detector, mock, store, publisher := newTestDetector(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT(.|\n)+FROM devices`).
		WithArgs("tenant-a", "pos-01").
		WillReturnRows(sqlmock.NewRows(deviceCols).
			AddRow("tenant-a", "pos-01", "store-1", "pos", "active",
				now.Add(-10*time.Second), nil, -60, 0, 5, now.Add(-time.Hour), now))

	reading := &domain.Reading{
		TenantID: "tenant-a", DeviceID: "pos-01",
		Value: 1, Unit: "tx", Timestamp: now,
	}
	require.NoError(t, detector.RecordReading(context.Background(), reading))

	require.Len(t, store.appends, 1)
	call := store.appends[0]
	assert.Equal(t, int64(5), call.expectedVersion)
	require.Len(t, call.events, 1)
	assert.Equal(t, domain.EventReadingRecorded, call.events[0].EventType)
	require.NotNil(t, call.snapshot.LastReadingAt)
	assert.Equal(t, now, *call.snapshot.LastReadingAt)

	// 正常读数不发布转换
	assert.Empty(t, publisher.messages)
}

func TestRecordReadingSilentDeviceRecovers(t *testing.T) {
	detector, mock, store, publisher := newTestDetector(t)

	now := time.Now().UTC()
	wentSilentAt := now.Add(-300 * time.Second)
	mock.ExpectQuery(`SELECT(.|\n)+FROM devices`).
		WithArgs("tenant-a", "pos-01").
		WillReturnRows(sqlmock.NewRows(deviceCols).
			AddRow("tenant-a", "pos-01", "store-1", "pos", "silent",
				now.Add(-400*time.Second), nil, -60, 0, 7, now.Add(-time.Hour), wentSilentAt))

	reading := &domain.Reading{
		TenantID: "tenant-a", DeviceID: "pos-01",
		Value: 1, Unit: "tx", Timestamp: now,
	}
	require.NoError(t, detector.RecordReading(context.Background(), reading))

	require.Len(t, store.appends, 1)
	call := store.appends[0]
	require.Len(t, call.events, 2)
	assert.Equal(t, domain.EventStatusChanged, call.events[0].EventType)
	assert.Equal(t, domain.EventReadingRecorded, call.events[1].EventType)
	assert.Equal(t, domain.StatusActive, call.snapshot.Status)

	require.Len(t, publisher.messages, 1)
	msg := publisher.messages[0]
	assert.Equal(t, domain.StatusSilent, msg.OldStatus)
	assert.Equal(t, domain.StatusActive, msg.NewStatus)
	assert.Equal(t, domain.ReasonRecovered, msg.Reason)
	assert.InDelta(t, 300, msg.DownSeconds, 5)
}

func TestRecordReadingRejectedWhileError(t *testing.T) {
	detector, mock, store, _ := newTestDetector(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT(.|\n)+FROM devices`).
		WithArgs("tenant-a", "pos-01").
		WillReturnRows(sqlmock.NewRows(deviceCols).
			AddRow("tenant-a", "pos-01", "store-1", "pos", "error",
				now, nil, -60, 2, 3, now.Add(-time.Hour), now))

	reading := &domain.Reading{
		TenantID: "tenant-a", DeviceID: "pos-01",
		Value: 1, Unit: "tx", Timestamp: now,
	}
	err := detector.RecordReading(context.Background(), reading)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	assert.Empty(t, store.appends)
}

func expectSweepQueries(mock sqlmock.Sqlmock, deviceRows *sqlmock.Rows) {
	mock.ExpectQuery(`SELECT tenant_id FROM tenants`).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("tenant-a"))
	mock.ExpectQuery(`SELECT(.|\n)+FROM devices`).
		WithArgs("tenant-a", string(domain.StatusSilent)).
		WillReturnRows(deviceRows)
}

func TestEvaluateSilenceCrossedThreshold(t *testing.T) {
	detector, mock, store, publisher := newTestDetector(t)

	now := time.Now().UTC()
	// pos 静默 150s，阈值 60/120/300：级别取已越过的最高阈值 critical
	expectSweepQueries(mock, sqlmock.NewRows(deviceCols).
		AddRow("tenant-a", "pos-01", "store-1", "pos", "active",
			now.Add(-150*time.Second), nil, -60, 0, 4, now.Add(-time.Hour), now))

	detector.EvaluateSilence(context.Background(), now)

	require.Len(t, store.appends, 1)
	call := store.appends[0]
	assert.Equal(t, int64(4), call.expectedVersion)
	require.Len(t, call.events, 1)
	assert.Equal(t, domain.EventStatusChanged, call.events[0].EventType)
	assert.Equal(t, domain.StatusSilent, call.snapshot.Status)

	require.Len(t, publisher.messages, 1)
	assert.Equal(t, domain.SeverityCritical, publisher.messages[0].Severity)
	assert.Equal(t, domain.ReasonSilenceDetected, publisher.messages[0].Reason)
}

func TestEvaluateSilenceBelowThreshold(t *testing.T) {
	detector, mock, store, publisher := newTestDetector(t)

	now := time.Now().UTC()
	// temperature 静默 150s，阈值 300/600/1200：不动作
	expectSweepQueries(mock, sqlmock.NewRows(deviceCols).
		AddRow("tenant-a", "temp-01", "store-1", "temperature", "active",
			now.Add(-150*time.Second), nil, -70, 0, 2, now.Add(-time.Hour), now))

	detector.EvaluateSilence(context.Background(), now)

	assert.Empty(t, store.appends)
	assert.Empty(t, publisher.messages)
}

func TestEvaluateSilenceNeverReported(t *testing.T) {
	detector, mock, store, publisher := newTestDetector(t)

	now := time.Now().UTC()
	expectSweepQueries(mock, sqlmock.NewRows(deviceCols).
		AddRow("tenant-a", "door-01", "store-1", "door", "active",
			nil, nil, -70, 0, 1, now.Add(-time.Hour), now))

	detector.EvaluateSilence(context.Background(), now)

	require.Len(t, store.appends, 1)
	require.Len(t, publisher.messages, 1)
	assert.Equal(t, domain.SeverityEmergency, publisher.messages[0].Severity)
}

func TestEvaluateSilenceConcurrencyConflictSkipped(t *testing.T) {
	detector, mock, store, publisher := newTestDetector(t)
	store.failWith = domain.ErrConcurrencyConflict

	now := time.Now().UTC()
	expectSweepQueries(mock, sqlmock.NewRows(deviceCols).
		AddRow("tenant-a", "pos-01", "store-1", "pos", "active",
			now.Add(-150*time.Second), nil, -60, 0, 4, now.Add(-time.Hour), now))

	// 并发冲突吞掉即可，下个巡检周期会重评
	detector.EvaluateSilence(context.Background(), now)
	assert.Empty(t, publisher.messages)
}
