// Package event defines the lifecycle events emitted by streaming queries
// running on a remote engine, and the listener interfaces user code
// implements to observe them.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Variant identifies one kind of query lifecycle event on the wire.
type Variant string

const (
	VariantStarted    Variant = "queryStarted"
	VariantProgress   Variant = "queryProgress"
	VariantIdle       Variant = "queryIdle"
	VariantTerminated Variant = "queryTerminated"
)

// QueryEvent is the tagged union over the four lifecycle variants. Events
// for a given query arrive in causal order: Started before any Progress,
// Progress before Terminated, at most one Terminated.
type QueryEvent interface {
	// QueryID identifies the query across restarts.
	QueryID() uuid.UUID
	// QueryRunID identifies this particular run of the query.
	QueryRunID() uuid.UUID
	Variant() Variant
}

// QueryStartedEvent is emitted synchronously when a query starts, before
// the start call returns to the caller on the engine side.
type QueryStartedEvent struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"runId"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e QueryStartedEvent) QueryID() uuid.UUID    { return e.ID }
func (e QueryStartedEvent) QueryRunID() uuid.UUID { return e.RunID }
func (e QueryStartedEvent) Variant() Variant      { return VariantStarted }

// QueryProgressEvent carries a metrics snapshot for one processed batch.
type QueryProgressEvent struct {
	Progress QueryProgress `json:"progress"`
}

func (e QueryProgressEvent) QueryID() uuid.UUID    { return e.Progress.ID }
func (e QueryProgressEvent) QueryRunID() uuid.UUID { return e.Progress.RunID }
func (e QueryProgressEvent) Variant() Variant      { return VariantProgress }

// QueryIdleEvent signals a trigger that found no data to process. Only
// schema version 2 servers emit it; listeners registered through the plain
// Listener interface never see it.
type QueryIdleEvent struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
}

func (e QueryIdleEvent) QueryID() uuid.UUID    { return e.ID }
func (e QueryIdleEvent) QueryRunID() uuid.UUID { return e.RunID }
func (e QueryIdleEvent) Variant() Variant      { return VariantIdle }

// QueryTerminatedEvent is the final event for a run. ErrorMessage is nil
// when the query stopped cleanly.
type QueryTerminatedEvent struct {
	ID           uuid.UUID `json:"id"`
	RunID        uuid.UUID `json:"runId"`
	ErrorMessage *string   `json:"errorMessage,omitempty"`
}

func (e QueryTerminatedEvent) QueryID() uuid.UUID    { return e.ID }
func (e QueryTerminatedEvent) QueryRunID() uuid.UUID { return e.RunID }
func (e QueryTerminatedEvent) Variant() Variant      { return VariantTerminated }

// Listener is the callback capability registered with a bus. Callbacks run
// sequentially on the bus's dispatch goroutine; a slow or blocking callback
// delays delivery of subsequent events to every listener.
//
// Listener matches the original (pre-idle) interface so that observers
// written against older servers keep working unchanged.
type Listener interface {
	OnQueryStarted(QueryStartedEvent)
	OnQueryProgress(QueryProgressEvent)
	OnQueryTerminated(QueryTerminatedEvent)
}

// IdleListener extends Listener with the idle callback introduced in schema
// version 2. The bus resolves the capability per listener at dispatch time:
// idle events are silently skipped for listeners that only implement
// Listener.
type IdleListener interface {
	Listener
	OnQueryIdle(QueryIdleEvent)
}
