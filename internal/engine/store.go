// Package engine emulates the server side of the listener event channel:
// it hosts simulated streaming queries, broadcasts their lifecycle events
// to registered subscribers, and acknowledges listener registrations. It
// backs cmd/flowbusd and the integration tests; it is not a query engine.
package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowbus/flowbus/event"
)

type Status string

const (
	StatusRunning    Status = "running"
	StatusTerminated Status = "terminated"
)

// QuerySpec is what a caller submits to start a simulated query.
type QuerySpec struct {
	Name string `json:"name,omitempty"`
	// RowsPerSecond of the simulated rate source. Zero means the query
	// never has data and emits idle events instead of progress.
	RowsPerSecond int `json:"rowsPerSecond"`
	// TriggerMS is the batch trigger interval in milliseconds.
	TriggerMS int64 `json:"triggerMs,omitempty"`
	// Stateful adds a stateful aggregation operator to the progress
	// metrics.
	Stateful bool `json:"stateful,omitempty"`
	// FailAfterBatches, when positive, terminates the query with an error
	// after that many batches.
	FailAfterBatches int64  `json:"failAfterBatches,omitempty"`
	FailureMessage   string `json:"failureMessage,omitempty"`
}

// QueryState is the engine-side view of one query run.
type QueryState struct {
	ID            uuid.UUID            `json:"id"`
	RunID         uuid.UUID            `json:"runId"`
	Name          string               `json:"name,omitempty"`
	Source        string               `json:"source"`
	Sink          string               `json:"sink"`
	RowsPerSecond int                  `json:"rowsPerSecond"`
	TriggerMS     int64                `json:"triggerMs"`
	Stateful      bool                 `json:"stateful,omitempty"`
	Status        Status               `json:"status"`
	StartedAt     time.Time            `json:"startedAt"`
	StoppedAt     *time.Time           `json:"stoppedAt,omitempty"`
	BatchID       int64                `json:"batchId"`
	LastProgress  *event.QueryProgress `json:"lastProgress,omitempty"`
}

// Clone returns a deep copy safe to hand out while the runner keeps
// mutating the stored state.
func (q *QueryState) Clone() *QueryState {
	c := *q
	if q.StoppedAt != nil {
		t := *q.StoppedAt
		c.StoppedAt = &t
	}
	if q.LastProgress != nil {
		p := *q.LastProgress
		c.LastProgress = &p
	}
	return &c
}

func (q *QueryState) IsTerminal() bool {
	return q.Status == StatusTerminated
}

// Store holds query states. Reads return clones so callers never share
// memory with the runner.
type Store struct {
	mu      sync.RWMutex
	queries map[uuid.UUID]*QueryState
	order   []uuid.UUID
}

func NewStore() *Store {
	return &Store{
		queries: make(map[uuid.UUID]*QueryState),
	}
}

func (s *Store) Put(state *QueryState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queries[state.ID]; !ok {
		s.order = append(s.order, state.ID)
	}
	s.queries[state.ID] = state.Clone()
}

func (s *Store) Get(id uuid.UUID) (*QueryState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.queries[id]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// All returns every known query in start order.
func (s *Store) All() []*QueryState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*QueryState, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.queries[id].Clone())
	}
	return result
}

func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, st := range s.queries {
		if !st.IsTerminal() {
			count++
		}
	}
	return count
}

// RecordProgress updates the stored batch counter and last progress for a
// running query.
func (s *Store) RecordProgress(id uuid.UUID, progress event.QueryProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.queries[id]; ok {
		st.BatchID = progress.BatchID
		p := progress
		st.LastProgress = &p
	}
}

// MarkTerminated flips a query to its terminal state.
func (s *Store) MarkTerminated(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.queries[id]; ok && !st.IsTerminal() {
		st.Status = StatusTerminated
		t := at
		st.StoppedAt = &t
	}
}
