package command

import (
	"testing"

	"storepulse/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTopicLayout(t *testing.T) {
	assert.Equal(t, "storepulse/tenant-a/store-1/cmd", CommandTopic("tenant-a", "store-1"))
	assert.Equal(t, "storepulse/tenant-a/store-1/cmd/response", ResponseTopic("tenant-a", "store-1"))
	assert.Equal(t, "storepulse/+/+/cmd/response", ResponseWildcard())
}

func TestParseResponseTopic(t *testing.T) {
	tenantID, storeID, err := ParseResponseTopic("storepulse/tenant-a/store-1/cmd/response")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", tenantID)
	assert.Equal(t, "store-1", storeID)
}

func TestParseResponseTopicRejectsGarbage(t *testing.T) {
	cases := []string{
		"storepulse/tenant-a/store-1/cmd",
		"other/tenant-a/store-1/cmd/response",
		"storepulse/tenant-a/cmd/response",
		"",
	}
	for _, topic := range cases {
		_, _, err := ParseResponseTopic(topic)
		assert.Error(t, err, topic)
	}
}

func TestDispatcherSendValidation(t *testing.T) {
	d := NewDispatcher(nil, zap.NewNop())
	_, err := d.Send(&Command{TenantID: "tenant-a", StoreID: "store-1"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
