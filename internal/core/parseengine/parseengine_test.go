package parseengine

import (
	"testing"

	"telegram-orchestrator/internal/core/broker"
	"telegram-orchestrator/internal/core/model"

	"github.com/stretchr/testify/assert"
)

func TestEstimateVolumeByEntityKind(t *testing.T) {
	assert.Equal(t, 500, estimateVolume(broker.Entity{Kind: broker.EntityBroadcast}))
	assert.Equal(t, 2000, estimateVolume(broker.Entity{Kind: broker.EntityMegagroup}))
	assert.Equal(t, 2000, estimateVolume(broker.Entity{Kind: broker.EntityGroup}))
	assert.Equal(t, 100, estimateVolume(broker.Entity{Kind: broker.EntityUser}))
}

func TestProgressPercentClampsAndHandlesZeroEstimate(t *testing.T) {
	assert.Equal(t, 0.0, progressPercent(model.ParseCounters{EstimatedTotal: 0}))

	half := progressPercent(model.ParseCounters{EstimatedTotal: 100, ProcessedMessages: 50})
	assert.Equal(t, 50.0, half)

	over := progressPercent(model.ParseCounters{EstimatedTotal: 100, ProcessedMessages: 80, ProcessedMedia: 80})
	assert.Equal(t, 100.0, over)
}

func TestSanitizeHexEncodesBinaryPayload(t *testing.T) {
	item := broker.HistoryItem{
		Kind:        model.ResultMedia,
		PlatformKey: "msg-1",
		Payload: map[string]interface{}{
			"raw":  []byte{0xde, 0xad, 0xbe, 0xef},
			"text": "hello",
		},
	}

	result := sanitize("task-1", item)

	assert.Equal(t, "task-1", result.TaskID)
	assert.Equal(t, "deadbeef", result.Payload["raw"])
	assert.Equal(t, "hello", result.Payload["text"])
	assert.NotEmpty(t, result.ResultID)
}
