package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestReplayDevice(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	readingTime := base.Add(30 * time.Second)

	events := []DeviceEvent{
		{
			TenantID: "tenant-a", StreamID: "pos-01", Version: 1,
			EventType: EventDeviceRegistered,
			Payload:   mustMarshal(t, RegisteredPayload{StoreID: "store-1", DeviceType: DeviceTypePOS}),
			CreatedAt: base,
		},
		{
			TenantID: "tenant-a", StreamID: "pos-01", Version: 2,
			EventType: EventReadingRecorded,
			Payload:   mustMarshal(t, ReadingRecordedPayload{Value: 1, Unit: "tx", Timestamp: readingTime}),
			CreatedAt: readingTime,
		},
		{
			TenantID: "tenant-a", StreamID: "pos-01", Version: 3,
			EventType: EventStatusChanged,
			Payload: mustMarshal(t, StatusChangedPayload{
				OldStatus: StatusActive, NewStatus: StatusSilent,
				Reason: ReasonSilenceDetected, Severity: SeverityWarning,
				At: base.Add(200 * time.Second),
			}),
			CreatedAt: base.Add(200 * time.Second),
		},
	}

	d, err := ReplayDevice("tenant-a", "pos-01", events)
	require.NoError(t, err)

	assert.Equal(t, "store-1", d.StoreID)
	assert.Equal(t, DeviceTypePOS, d.DeviceType)
	assert.Equal(t, StatusSilent, d.Status)
	assert.Equal(t, int64(3), d.Version)
	require.NotNil(t, d.LastReadingAt)
	assert.Equal(t, readingTime, *d.LastReadingAt)
	assert.Equal(t, 0, d.ErrorCount)
}

func TestReplayDeviceCountsErrors(t *testing.T) {
	base := time.Now().UTC()
	events := []DeviceEvent{
		{
			TenantID: "tenant-a", StreamID: "door-01", Version: 1,
			EventType: EventDeviceRegistered,
			Payload:   mustMarshal(t, RegisteredPayload{StoreID: "store-1", DeviceType: DeviceTypeDoor}),
			CreatedAt: base,
		},
		{
			TenantID: "tenant-a", StreamID: "door-01", Version: 2,
			EventType: EventStatusChanged,
			Payload: mustMarshal(t, StatusChangedPayload{
				OldStatus: StatusActive, NewStatus: StatusError, Reason: ReasonErrorReported, At: base,
			}),
			CreatedAt: base,
		},
		{
			TenantID: "tenant-a", StreamID: "door-01", Version: 3,
			EventType: EventStatusChanged,
			Payload: mustMarshal(t, StatusChangedPayload{
				OldStatus: StatusError, NewStatus: StatusActive, Reason: ReasonManual, At: base,
			}),
			CreatedAt: base,
		},
	}

	d, err := ReplayDevice("tenant-a", "door-01", events)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, d.Status)
	assert.Equal(t, 1, d.ErrorCount)
}

func TestReplayDeviceRejectsForeignStream(t *testing.T) {
	events := []DeviceEvent{
		{
			TenantID: "tenant-b", StreamID: "pos-01", Version: 1,
			EventType: EventDeviceRegistered,
			Payload:   mustMarshal(t, RegisteredPayload{StoreID: "store-1", DeviceType: DeviceTypePOS}),
			CreatedAt: time.Now().UTC(),
		},
	}

	_, err := ReplayDevice("tenant-a", "pos-01", events)
	assert.ErrorIs(t, err, ErrTenantIsolation)
}

func TestReadingValidate(t *testing.T) {
	valid := Reading{
		TenantID: "tenant-a", DeviceID: "pos-01",
		Value: 1, Unit: "tx", Timestamp: time.Now(),
	}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.DeviceID = ""
	assert.ErrorIs(t, missing.Validate(), ErrValidation)

	noTime := valid
	noTime.Timestamp = time.Time{}
	assert.ErrorIs(t, noTime.Validate(), ErrValidation)
}
