package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbus/flowbus/event"
)

// recordPublisher captures published events for assertions.
type recordPublisher struct {
	mu     sync.Mutex
	events []event.QueryEvent
}

func (p *recordPublisher) PublishEvent(ev event.QueryEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordPublisher) snapshot() []event.QueryEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.QueryEvent, len(p.events))
	copy(out, p.events)
	return out
}

func (p *recordPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *recordPublisher) countVariant(id uuid.UUID, v event.Variant) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.QueryID() == id && ev.Variant() == v {
			n++
		}
	}
	return n
}

func newTestRunner() (*Runner, *recordPublisher) {
	pub := &recordPublisher{}
	return NewRunner(NewStore(), pub, 10, 10*time.Millisecond), pub
}

func TestStartQueryPublishesStartedBeforeReturning(t *testing.T) {
	r, pub := newTestRunner()
	defer r.Close()

	state, err := r.StartQuery(QuerySpec{Name: "orders", RowsPerSecond: 10})
	require.NoError(t, err)
	require.NotNil(t, state)

	// No waiting: the Started event must already be out.
	evs := pub.snapshot()
	require.NotEmpty(t, evs)
	started, ok := evs[0].(event.QueryStartedEvent)
	require.True(t, ok, "first event should be Started, got %T", evs[0])
	assert.Equal(t, state.ID, started.ID)
	assert.Equal(t, state.RunID, started.RunID)
	assert.Equal(t, "orders", started.Name)
}

func TestStartQueryRejectsNegativeRate(t *testing.T) {
	r, _ := newTestRunner()
	defer r.Close()

	_, err := r.StartQuery(QuerySpec{RowsPerSecond: -1})
	require.Error(t, err)
}

func TestProgressBatchesIncrease(t *testing.T) {
	r, pub := newTestRunner()
	defer r.Close()

	state, err := r.StartQuery(QuerySpec{Name: "fast", RowsPerSecond: 100, TriggerMS: 10})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return pub.countVariant(state.ID, event.VariantProgress) >= 3
	}, 3*time.Second, 5*time.Millisecond)

	lastBatch := int64(-1)
	for _, ev := range pub.snapshot() {
		p, ok := ev.(event.QueryProgressEvent)
		if !ok {
			continue
		}
		assert.Equal(t, state.ID, p.Progress.ID)
		assert.Greater(t, p.Progress.BatchID, lastBatch)
		lastBatch = p.Progress.BatchID
	}

	// The store follows along.
	stored, ok := r.store.Get(state.ID)
	require.True(t, ok)
	assert.NotNil(t, stored.LastProgress)
}

func TestZeroRateQueryGoesIdle(t *testing.T) {
	r, pub := newTestRunner()
	defer r.Close()

	state, err := r.StartQuery(QuerySpec{Name: "dry", RowsPerSecond: 0, TriggerMS: 10})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return pub.countVariant(state.ID, event.VariantIdle) >= 2
	}, 3*time.Second, 5*time.Millisecond)

	assert.Zero(t, pub.countVariant(state.ID, event.VariantProgress), "idle query must not report progress")
}

func TestStopQueryTerminatesExactlyOnce(t *testing.T) {
	r, pub := newTestRunner()
	defer r.Close()

	state, err := r.StartQuery(QuerySpec{Name: "stoppable", RowsPerSecond: 10, TriggerMS: 10})
	require.NoError(t, err)

	require.True(t, r.StopQuery(state.ID))
	assert.Equal(t, 1, pub.countVariant(state.ID, event.VariantTerminated))

	terminated := false
	for _, ev := range pub.snapshot() {
		if te, ok := ev.(event.QueryTerminatedEvent); ok && te.ID == state.ID {
			assert.Nil(t, te.ErrorMessage, "clean stop carries no error")
			terminated = true
		}
	}
	assert.True(t, terminated)

	// Second stop and unknown ids report false.
	assert.False(t, r.StopQuery(state.ID))
	assert.False(t, r.StopQuery(uuid.New()))

	// The loop is drained: no events trickle in after StopQuery returned.
	n := pub.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, pub.count())

	stored, _ := r.store.Get(state.ID)
	assert.True(t, stored.IsTerminal())
}

func TestQueryFailsAfterBatches(t *testing.T) {
	r, pub := newTestRunner()
	defer r.Close()

	state, err := r.StartQuery(QuerySpec{
		Name:             "doomed",
		RowsPerSecond:    100,
		TriggerMS:        10,
		FailAfterBatches: 2,
		FailureMessage:   "simulated sink failure",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return pub.countVariant(state.ID, event.VariantTerminated) == 1
	}, 3*time.Second, 5*time.Millisecond)

	for _, ev := range pub.snapshot() {
		if te, ok := ev.(event.QueryTerminatedEvent); ok && te.ID == state.ID {
			require.NotNil(t, te.ErrorMessage)
			assert.Equal(t, "simulated sink failure", *te.ErrorMessage)
		}
	}

	assert.LessOrEqual(t, pub.countVariant(state.ID, event.VariantProgress), 2)
	assert.False(t, r.StopQuery(state.ID), "self-terminated query is already gone")
}

func TestStatefulQueryReportsStateOperators(t *testing.T) {
	r, pub := newTestRunner()
	defer r.Close()

	state, err := r.StartQuery(QuerySpec{Name: "agg", RowsPerSecond: 100, TriggerMS: 10, Stateful: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return pub.countVariant(state.ID, event.VariantProgress) >= 1
	}, 3*time.Second, 5*time.Millisecond)

	for _, ev := range pub.snapshot() {
		if p, ok := ev.(event.QueryProgressEvent); ok {
			require.NotEmpty(t, p.Progress.StateOperators)
			assert.Equal(t, "stateStoreSave", p.Progress.StateOperators[0].OperatorName)
		}
	}
}

func TestCloseTerminatesAllQueries(t *testing.T) {
	r, pub := newTestRunner()

	a, err := r.StartQuery(QuerySpec{Name: "a", RowsPerSecond: 10, TriggerMS: 10})
	require.NoError(t, err)
	b, err := r.StartQuery(QuerySpec{Name: "b", RowsPerSecond: 0, TriggerMS: 10})
	require.NoError(t, err)

	r.Close()

	assert.Equal(t, 1, pub.countVariant(a.ID, event.VariantTerminated))
	assert.Equal(t, 1, pub.countVariant(b.ID, event.VariantTerminated))
	assert.Equal(t, 0, r.store.ActiveCount())

	_, err = r.StartQuery(QuerySpec{Name: "late", RowsPerSecond: 10})
	require.Error(t, err, "closed runner rejects new queries")
}
