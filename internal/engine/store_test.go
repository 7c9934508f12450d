package engine

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbus/flowbus/event"
)

func newTestState(name string) *QueryState {
	return &QueryState{
		ID:            uuid.New(),
		RunID:         uuid.New(),
		Name:          name,
		Source:        "RateStreamSource[rowsPerSecond=10]",
		Sink:          "NoopSink",
		RowsPerSecond: 10,
		Status:        StatusRunning,
		StartedAt:     time.Now(),
	}
}

func TestStorePutGet(t *testing.T) {
	s := NewStore()
	state := newTestState("q1")
	s.Put(state)

	got, ok := s.Get(state.ID)
	require.True(t, ok)
	assert.Equal(t, state.ID, got.ID)
	assert.Equal(t, "q1", got.Name)

	_, ok = s.Get(uuid.New())
	assert.False(t, ok)
}

func TestStoreGetReturnsClone(t *testing.T) {
	s := NewStore()
	state := newTestState("q1")
	s.Put(state)

	got, _ := s.Get(state.ID)
	got.Name = "mutated"
	got.Status = StatusTerminated

	again, _ := s.Get(state.ID)
	assert.Equal(t, "q1", again.Name)
	assert.Equal(t, StatusRunning, again.Status)
}

func TestStoreAllInStartOrder(t *testing.T) {
	s := NewStore()
	first := newTestState("first")
	second := newTestState("second")
	third := newTestState("third")
	s.Put(first)
	s.Put(second)
	s.Put(third)

	all := s.All()
	require.Len(t, all, 3)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Equal(t, second.ID, all[1].ID)
	assert.Equal(t, third.ID, all[2].ID)
}

func TestStoreRecordProgress(t *testing.T) {
	s := NewStore()
	state := newTestState("q1")
	s.Put(state)

	s.RecordProgress(state.ID, event.QueryProgress{
		ID:           state.ID,
		RunID:        state.RunID,
		BatchID:      4,
		NumInputRows: 12,
	})

	got, _ := s.Get(state.ID)
	assert.Equal(t, int64(4), got.BatchID)
	require.NotNil(t, got.LastProgress)
	assert.Equal(t, int64(12), got.LastProgress.NumInputRows)

	// Unknown ids are ignored.
	s.RecordProgress(uuid.New(), event.QueryProgress{BatchID: 99})
}

func TestStoreMarkTerminated(t *testing.T) {
	s := NewStore()
	running := newTestState("running")
	doomed := newTestState("doomed")
	s.Put(running)
	s.Put(doomed)
	assert.Equal(t, 2, s.ActiveCount())

	at := time.Now()
	s.MarkTerminated(doomed.ID, at)

	got, _ := s.Get(doomed.ID)
	assert.Equal(t, StatusTerminated, got.Status)
	require.NotNil(t, got.StoppedAt)
	assert.True(t, got.IsTerminal())
	assert.Equal(t, 1, s.ActiveCount())

	// Terminating twice keeps the first stop time.
	s.MarkTerminated(doomed.ID, at.Add(time.Hour))
	again, _ := s.Get(doomed.ID)
	assert.Equal(t, got.StoppedAt.Unix(), again.StoppedAt.Unix())
}
