package event_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbus/flowbus/event"
)

var (
	testQueryID = uuid.MustParse("11111111-2222-3333-4444-555555555555")
	testRunID   = uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
)

func TestDecodeStarted(t *testing.T) {
	frame := fmt.Sprintf(`{
		"type": "event",
		"version": 2,
		"event": "queryStarted",
		"seq": 7,
		"payload": {"id": %q, "runId": %q, "name": "rate-steady", "timestamp": "2026-08-23T10:00:00Z"}
	}`, testQueryID, testRunID)

	ev, err := event.Decode([]byte(frame))
	require.NoError(t, err)

	started, ok := ev.(event.QueryStartedEvent)
	require.True(t, ok, "expected QueryStartedEvent, got %T", ev)
	assert.Equal(t, testQueryID, started.ID)
	assert.Equal(t, testRunID, started.RunID)
	assert.Equal(t, "rate-steady", started.Name)
	assert.Equal(t, event.VariantStarted, ev.Variant())
}

func TestDecodeProgress(t *testing.T) {
	frame := fmt.Sprintf(`{
		"type": "event",
		"version": 2,
		"event": "queryProgress",
		"payload": {
			"progress": {
				"id": %q,
				"runId": %q,
				"name": "rate-steady",
				"timestamp": "2026-08-23T10:00:01Z",
				"batchId": 3,
				"numInputRows": 10,
				"inputRowsPerSecond": 10.0,
				"processedRowsPerSecond": 9.5,
				"durationMs": {"addBatch": 12, "triggerExecution": 15},
				"sources": [{"description": "RateStreamSource[rowsPerSecond=10]", "numInputRows": 10, "inputRowsPerSecond": 10.0, "processedRowsPerSecond": 9.5}],
				"sink": {"description": "NoopSink", "numOutputRows": 10},
				"stateOperators": [{"operatorName": "stateStoreSave", "numRowsTotal": 40, "numRowsUpdated": 10}]
			}
		}
	}`, testQueryID, testRunID)

	ev, err := event.Decode([]byte(frame))
	require.NoError(t, err)

	progress, ok := ev.(event.QueryProgressEvent)
	require.True(t, ok, "expected QueryProgressEvent, got %T", ev)
	assert.Equal(t, testQueryID, progress.Progress.ID)
	assert.Equal(t, int64(3), progress.Progress.BatchID)
	assert.Equal(t, int64(10), progress.Progress.NumInputRows)
	assert.Equal(t, int64(12), progress.Progress.DurationMS["addBatch"])
	require.Len(t, progress.Progress.Sources, 1)
	assert.Equal(t, "NoopSink", progress.Progress.Sink.Description)
	require.Len(t, progress.Progress.StateOperators, 1)
	assert.Equal(t, int64(40), progress.Progress.StateOperators[0].NumRowsTotal)
}

func TestDecodeTerminated(t *testing.T) {
	frame := fmt.Sprintf(`{
		"type": "event",
		"version": 2,
		"event": "queryTerminated",
		"payload": {"id": %q, "runId": %q, "errorMessage": "simulated sink failure"}
	}`, testQueryID, testRunID)

	ev, err := event.Decode([]byte(frame))
	require.NoError(t, err)

	terminated, ok := ev.(event.QueryTerminatedEvent)
	require.True(t, ok, "expected QueryTerminatedEvent, got %T", ev)
	require.NotNil(t, terminated.ErrorMessage)
	assert.Equal(t, "simulated sink failure", *terminated.ErrorMessage)
}

func TestDecodeTerminatedCleanStop(t *testing.T) {
	frame := fmt.Sprintf(`{
		"type": "event",
		"version": 2,
		"event": "queryTerminated",
		"payload": {"id": %q, "runId": %q}
	}`, testQueryID, testRunID)

	ev, err := event.Decode([]byte(frame))
	require.NoError(t, err)
	assert.Nil(t, ev.(event.QueryTerminatedEvent).ErrorMessage)
}

func TestDecodeLegacyFrames(t *testing.T) {
	// Legacy servers mark frames with version 1 and never emit idle.
	started := fmt.Sprintf(`{"type": "event", "version": 1, "event": "queryStarted",
		"payload": {"id": %q, "runId": %q, "name": "old", "timestamp": "2026-08-23T10:00:00Z"}}`,
		testQueryID, testRunID)

	ev, err := event.Decode([]byte(started))
	require.NoError(t, err)
	assert.Equal(t, event.VariantStarted, ev.Variant())

	idle := fmt.Sprintf(`{"type": "event", "version": 1, "event": "queryIdle",
		"payload": {"id": %q, "runId": %q, "timestamp": "2026-08-23T10:00:00Z"}}`,
		testQueryID, testRunID)

	_, err = event.Decode([]byte(idle))
	var decodeErr *event.DecodeError
	require.ErrorAs(t, err, &decodeErr)
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	// Both envelope-level and payload-level extras must be tolerated.
	frame := fmt.Sprintf(`{
		"type": "event",
		"version": 3,
		"event": "queryIdle",
		"futureEnvelopeField": {"nested": true},
		"payload": {"id": %q, "runId": %q, "timestamp": "2026-08-23T10:00:00Z", "futurePayloadField": 42}
	}`, testQueryID, testRunID)

	ev, err := event.Decode([]byte(frame))
	require.NoError(t, err)
	assert.Equal(t, event.VariantIdle, ev.Variant())
	assert.Equal(t, testQueryID, ev.QueryID())
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{{{`},
		{"wrong frame type", `{"type": "ack", "op": "register", "handle": "h1"}`},
		{"invalid version", `{"type": "event", "version": 0, "event": "queryStarted", "payload": {}}`},
		{"missing payload", `{"type": "event", "version": 2, "event": "queryStarted"}`},
		{"unknown variant", fmt.Sprintf(`{"type": "event", "version": 2, "event": "queryRestarted", "payload": {"id": %q}}`, testQueryID)},
		{"payload type mismatch", `{"type": "event", "version": 2, "event": "queryProgress", "payload": {"progress": {"id": "not-a-uuid"}}}`},
		{"missing query id", fmt.Sprintf(`{"type": "event", "version": 2, "event": "queryTerminated", "payload": {"runId": %q}}`, testRunID)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := event.Decode([]byte(tt.frame))
			require.Error(t, err)
			assert.Nil(t, ev)
			var decodeErr *event.DecodeError
			assert.ErrorAs(t, err, &decodeErr)
		})
	}
}

func TestEncodeDecodeProgress(t *testing.T) {
	original := event.QueryProgressEvent{Progress: event.QueryProgress{
		ID:                 testQueryID,
		RunID:              testRunID,
		Name:               "roundtrip",
		Timestamp:          time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC),
		BatchID:            9,
		NumInputRows:       100,
		InputRowsPerSecond: 50,
		DurationMS:         map[string]int64{"addBatch": 8},
		Sink:               event.SinkProgress{Description: "NoopSink", NumOutputRows: 100},
	}}

	frame, err := event.Encode(original, event.SchemaCurrent, 42)
	require.NoError(t, err)

	decoded, err := event.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestEncodeIdleAtLegacyVersionFails(t *testing.T) {
	idle := event.QueryIdleEvent{ID: testQueryID, RunID: testRunID, Timestamp: time.Now()}
	_, err := event.Encode(idle, event.SchemaLegacy, 1)
	require.Error(t, err)
	assert.False(t, errors.As(err, new(*event.DecodeError)), "encode failures are not decode errors")
}
