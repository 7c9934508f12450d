package event

import (
	"time"

	"github.com/google/uuid"
)

// QueryProgress is the per-batch metrics snapshot attached to a
// QueryProgressEvent.
type QueryProgress struct {
	ID                     uuid.UUID               `json:"id"`
	RunID                  uuid.UUID               `json:"runId"`
	Name                   string                  `json:"name,omitempty"`
	Timestamp              time.Time               `json:"timestamp"`
	BatchID                int64                   `json:"batchId"`
	NumInputRows           int64                   `json:"numInputRows"`
	InputRowsPerSecond     float64                 `json:"inputRowsPerSecond"`
	ProcessedRowsPerSecond float64                 `json:"processedRowsPerSecond"`
	DurationMS             map[string]int64        `json:"durationMs,omitempty"`
	Sources                []SourceProgress        `json:"sources,omitempty"`
	Sink                   SinkProgress            `json:"sink"`
	StateOperators         []StateOperatorProgress `json:"stateOperators,omitempty"`
}

// SourceProgress reports per-source throughput and offsets for one batch.
type SourceProgress struct {
	Description            string  `json:"description"`
	StartOffset            string  `json:"startOffset,omitempty"`
	EndOffset              string  `json:"endOffset,omitempty"`
	NumInputRows           int64   `json:"numInputRows"`
	InputRowsPerSecond     float64 `json:"inputRowsPerSecond"`
	ProcessedRowsPerSecond float64 `json:"processedRowsPerSecond"`
}

// SinkProgress reports rows written to the sink for one batch.
type SinkProgress struct {
	Description   string `json:"description"`
	NumOutputRows int64  `json:"numOutputRows"`
}

// StateOperatorProgress reports stateful-operator counters for one batch.
type StateOperatorProgress struct {
	OperatorName   string `json:"operatorName"`
	NumRowsTotal   int64  `json:"numRowsTotal"`
	NumRowsUpdated int64  `json:"numRowsUpdated"`
}
