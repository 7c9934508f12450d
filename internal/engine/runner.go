package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flowbus/flowbus/event"
	"github.com/flowbus/flowbus/internal/log"
	"github.com/flowbus/flowbus/internal/metrics"
)

// Publisher receives every lifecycle event the runner produces. The
// Broadcaster implements it; tests substitute a recorder.
type Publisher interface {
	PublishEvent(ev event.QueryEvent)
}

// Runner drives the simulated queries. Each running query is one goroutine
// ticking at its trigger interval; the runner guarantees the causal event
// order per query: Started first, then Progress/Idle, then exactly one
// Terminated.
type Runner struct {
	store          *Store
	pub            Publisher
	log            zerolog.Logger
	defaultRows    int
	defaultTrigger time.Duration

	mu      sync.Mutex
	running map[uuid.UUID]*queryRun
	closed  bool
	wg      sync.WaitGroup
}

type queryRun struct {
	id     uuid.UUID
	runID  uuid.UUID
	cancel context.CancelFunc
	done   chan struct{}
	finish sync.Once
}

func NewRunner(store *Store, pub Publisher, defaultRows int, defaultTrigger time.Duration) *Runner {
	if defaultRows <= 0 {
		defaultRows = 10
	}
	if defaultTrigger <= 0 {
		defaultTrigger = time.Second
	}
	return &Runner{
		store:          store,
		pub:            pub,
		log:            log.WithComponent("runner"),
		defaultRows:    defaultRows,
		defaultTrigger: defaultTrigger,
		running:        make(map[uuid.UUID]*queryRun),
	}
}

// StartQuery creates a query and publishes its Started event before
// returning, so a subscriber registered beforehand is guaranteed to have
// the event in its delivery queue by the time the caller regains control.
func (r *Runner) StartQuery(spec QuerySpec) (*QueryState, error) {
	trigger := r.defaultTrigger
	if spec.TriggerMS > 0 {
		trigger = time.Duration(spec.TriggerMS) * time.Millisecond
	}
	rows := spec.RowsPerSecond
	if rows < 0 {
		return nil, fmt.Errorf("start query: negative rows per second %d", rows)
	}

	now := time.Now()
	state := &QueryState{
		ID:            uuid.New(),
		RunID:         uuid.New(),
		Name:          spec.Name,
		Source:        fmt.Sprintf("RateStreamSource[rowsPerSecond=%d]", rows),
		Sink:          "NoopSink",
		RowsPerSecond: rows,
		TriggerMS:     trigger.Milliseconds(),
		Stateful:      spec.Stateful,
		Status:        StatusRunning,
		StartedAt:     now,
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &queryRun{
		id:     state.ID,
		runID:  state.RunID,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return nil, errors.New("start query: runner is shut down")
	}
	r.store.Put(state)
	r.running[state.ID] = run
	r.wg.Add(1)
	r.mu.Unlock()

	r.pub.PublishEvent(event.QueryStartedEvent{
		ID:        state.ID,
		RunID:     state.RunID,
		Name:      state.Name,
		Timestamp: now,
	})
	metrics.ActiveQueries.Inc()
	r.log.Info().
		Str(log.FieldQueryID, state.ID.String()).
		Str(log.FieldRunID, state.RunID.String()).
		Msg("query started")

	go r.run(ctx, run, spec, trigger, state.Clone())
	return state.Clone(), nil
}

// StopQuery cancels a running query, waits for its loop to drain, and
// publishes the Terminated event before returning. It reports false when
// the query is unknown or already terminated.
func (r *Runner) StopQuery(id uuid.UUID) bool {
	r.mu.Lock()
	run, ok := r.running[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	<-run.done
	r.finishQuery(run, nil)
	return true
}

// Close stops every running query (publishing their Terminated events) and
// waits for all query goroutines.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	runs := make([]*queryRun, 0, len(r.running))
	for _, run := range r.running {
		runs = append(runs, run)
	}
	r.mu.Unlock()

	for _, run := range runs {
		run.cancel()
		<-run.done
		r.finishQuery(run, nil)
	}
	r.wg.Wait()
}

// StartDemo launches a few self-driving queries so a fresh daemon has
// something to watch: a steady rate query, an idle one, and one that fails
// after a handful of batches.
func (r *Runner) StartDemo() {
	specs := []QuerySpec{
		{Name: "rate-steady", RowsPerSecond: r.defaultRows},
		{Name: "rate-stateful", RowsPerSecond: r.defaultRows * 2, Stateful: true},
		{Name: "rate-idle", RowsPerSecond: 0},
		{Name: "rate-failing", RowsPerSecond: r.defaultRows, FailAfterBatches: 5, FailureMessage: "simulated sink failure"},
	}
	for _, spec := range specs {
		if _, err := r.StartQuery(spec); err != nil {
			r.log.Warn().Err(err).Str("name", spec.Name).Msg("demo query failed to start")
		}
	}
}

func (r *Runner) run(ctx context.Context, run *queryRun, spec QuerySpec, trigger time.Duration, state *QueryState) {
	defer r.wg.Done()
	defer close(run.done)

	ticker := time.NewTicker(trigger)
	defer ticker.Stop()

	var batch int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if state.RowsPerSecond == 0 {
				r.pub.PublishEvent(event.QueryIdleEvent{
					ID:        run.id,
					RunID:     run.runID,
					Timestamp: time.Now(),
				})
				continue
			}

			progress := r.buildProgress(state, batch, trigger)
			batch++
			r.store.RecordProgress(run.id, progress)
			r.pub.PublishEvent(event.QueryProgressEvent{Progress: progress})

			if spec.FailAfterBatches > 0 && batch >= spec.FailAfterBatches {
				msg := spec.FailureMessage
				if msg == "" {
					msg = "query failed"
				}
				r.finishQuery(run, &msg)
				return
			}
		}
	}
}

// finishQuery publishes the single Terminated event for a run and retires
// it. Safe to call from both the query goroutine (self-termination) and
// StopQuery/Close.
func (r *Runner) finishQuery(run *queryRun, errMsg *string) {
	run.finish.Do(func() {
		now := time.Now()
		r.store.MarkTerminated(run.id, now)
		r.pub.PublishEvent(event.QueryTerminatedEvent{
			ID:           run.id,
			RunID:        run.runID,
			ErrorMessage: errMsg,
		})
		metrics.ActiveQueries.Dec()

		r.mu.Lock()
		delete(r.running, run.id)
		r.mu.Unlock()

		r.log.Info().
			Str(log.FieldQueryID, run.id.String()).
			Bool("failed", errMsg != nil).
			Msg("query terminated")
	})
}

func (r *Runner) buildProgress(state *QueryState, batch int64, trigger time.Duration) event.QueryProgress {
	triggerSec := trigger.Seconds()
	rows := int64(float64(state.RowsPerSecond) * triggerSec)
	if rows > 1 {
		rows += int64(rand.Intn(int(rows))) - rows/2
	}
	if rows < 0 {
		rows = 0
	}

	inputRate := float64(rows) / triggerSec
	processedRate := inputRate * (0.9 + 0.2*rand.Float64())

	addBatch := 5 + rand.Int63n(20)
	getBatch := 1 + rand.Int63n(5)

	progress := event.QueryProgress{
		ID:                     state.ID,
		RunID:                  state.RunID,
		Name:                   state.Name,
		Timestamp:              time.Now(),
		BatchID:                batch,
		NumInputRows:           rows,
		InputRowsPerSecond:     inputRate,
		ProcessedRowsPerSecond: processedRate,
		DurationMS: map[string]int64{
			"addBatch":         addBatch,
			"getBatch":         getBatch,
			"triggerExecution": addBatch + getBatch + rand.Int63n(5),
		},
		Sources: []event.SourceProgress{{
			Description:            state.Source,
			StartOffset:            fmt.Sprintf("%d", batch*rows),
			EndOffset:              fmt.Sprintf("%d", (batch+1)*rows),
			NumInputRows:           rows,
			InputRowsPerSecond:     inputRate,
			ProcessedRowsPerSecond: processedRate,
		}},
		Sink: event.SinkProgress{
			Description:   state.Sink,
			NumOutputRows: rows,
		},
	}

	if state.Stateful {
		progress.StateOperators = []event.StateOperatorProgress{{
			OperatorName:   "stateStoreSave",
			NumRowsTotal:   (batch + 1) * rows,
			NumRowsUpdated: rows,
		}}
	}
	return progress
}
