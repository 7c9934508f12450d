// Package bus implements the client-side listener event bus: user code
// registers listeners, and the bus delivers query lifecycle events received
// from a remote engine over a persistent control connection, in arrival
// order, isolating listener failures from each other and from delivery.
package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flowbus/flowbus/event"
	"github.com/flowbus/flowbus/internal/log"
	"github.com/flowbus/flowbus/internal/metrics"
)

// ListenerBus is the public facade. It owns the remote event stream and the
// dispatch loop, both started lazily when the first listener is added and
// stopped by Close.
type ListenerBus struct {
	cfg Config
	log zerolog.Logger
	reg *registry

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	stream *stream
	closed bool

	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once

	errMu sync.Mutex
	err   error
}

// New builds a bus for the engine event channel named by cfg.URL. No
// connection is made until the first AddListener call.
func New(cfg Config) *ListenerBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &ListenerBus{
		cfg:    cfg.withDefaults(),
		log:    log.WithComponent("bus"),
		reg:    newRegistry(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// AddListener registers l and blocks until the server acknowledges the
// registration. Once it returns, any event caused by a subsequent caller
// action is guaranteed to reach l. The first registration dials the stream
// and starts the dispatch loop.
func (b *ListenerBus) AddListener(ctx context.Context, l event.Listener) (Handle, error) {
	if l == nil {
		return "", errors.New("add listener: listener is nil")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrBusClosed
	}
	if b.stream == nil {
		st := newStream(b.cfg)
		if err := st.connect(ctx); err != nil {
			b.mu.Unlock()
			return "", fmt.Errorf("add listener: %w", err)
		}
		b.stream = st
		b.wg.Add(1)
		go b.dispatchLoop(st)
	}
	st := b.stream
	b.mu.Unlock()

	h := Handle(uuid.NewString())

	// Insert before registering so no event arriving between the ack and a
	// later insertion could be missed.
	b.reg.add(h, l)
	if err := st.register(ctx, h); err != nil {
		b.reg.remove(h)
		if errors.Is(err, errAckTimeout) {
			return "", fmt.Errorf("add listener %s: no registration ack within %v", h, b.cfg.AckTimeout)
		}
		return "", fmt.Errorf("add listener %s: %w", h, err)
	}

	b.log.Debug().Str(log.FieldHandle, string(h)).Msg("listener registered")
	return h, nil
}

// RemoveListener deregisters the handle and blocks until the server
// confirms its resources are released. Removing an unknown or already
// removed handle is a no-op. No events are delivered to the listener after
// RemoveListener returns.
func (b *ListenerBus) RemoveListener(ctx context.Context, h Handle) error {
	b.mu.Lock()
	st := b.stream
	b.mu.Unlock()

	if !b.reg.remove(h) {
		return nil
	}
	if st == nil {
		return nil
	}

	if err := st.deregister(ctx, h); err != nil {
		if errors.Is(err, errAckTimeout) {
			return &RemovalTimeoutError{Handle: h, Timeout: b.cfg.RemovalTimeout}
		}
		return fmt.Errorf("remove listener %s: %w", h, err)
	}

	b.log.Debug().Str(log.FieldHandle, string(h)).Msg("listener removed")
	return nil
}

// ListActive returns the handles of all registered listeners in
// registration order.
func (b *ListenerBus) ListActive() []Handle {
	return b.reg.handles()
}

// Done is closed when the dispatch loop has stopped, either by Close or by
// a fatal stream failure. Err reports the cause.
func (b *ListenerBus) Done() <-chan struct{} { return b.done }

// Err returns the fatal stream error that stopped the dispatch loop, or
// nil after a clean shutdown.
func (b *ListenerBus) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

// Close tears the bus down: the stream is closed, the dispatch loop exits
// (an in-flight dispatch pass completes first), and the registry is
// emptied. Repeated Close calls are safe.
func (b *ListenerBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	st := b.stream
	b.stream = nil
	b.mu.Unlock()

	b.cancel()
	if st != nil {
		st.close()
	}
	b.wg.Wait()
	b.reg.clear()
	b.signalDone()
	return nil
}

// dispatchLoop is the single execution context for all callbacks: it pulls
// one event at a time off the stream and fans it out to the registry
// snapshot, so per-listener callback order matches event arrival order and
// concurrency stays bounded.
func (b *ListenerBus) dispatchLoop(st *stream) {
	defer b.wg.Done()
	defer b.signalDone()

	for {
		ev, err := st.next(b.ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				b.log.Debug().Msg("event stream ended")
			case errors.Is(err, context.Canceled):
			default:
				b.log.Error().Err(err).Msg("dispatch loop stopped")
				b.setErr(err)
			}
			return
		}
		b.dispatch(ev)
	}
}

func (b *ListenerBus) dispatch(ev event.QueryEvent) {
	for _, rec := range b.reg.snapshot() {
		b.invoke(rec, ev)
	}
	metrics.EventsDispatched.WithLabelValues(string(ev.Variant())).Inc()
}

// invoke runs one listener callback, isolating its failures: a panic is
// logged with the listener identity and event context and dispatch
// continues with the next listener.
func (b *ListenerBus) invoke(rec record, ev event.QueryEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ListenerFailures.Inc()
			b.log.Error().
				Str(log.FieldHandle, string(rec.handle)).
				Str(log.FieldEvent, string(ev.Variant())).
				Str(log.FieldQueryID, ev.QueryID().String()).
				Interface("panic", r).
				Msg("listener callback failed")
		}
	}()

	switch e := ev.(type) {
	case event.QueryStartedEvent:
		rec.listener.OnQueryStarted(e)
	case event.QueryProgressEvent:
		rec.listener.OnQueryProgress(e)
	case event.QueryIdleEvent:
		if il, ok := rec.listener.(event.IdleListener); ok {
			il.OnQueryIdle(e)
		}
	case event.QueryTerminatedEvent:
		rec.listener.OnQueryTerminated(e)
	}
}

func (b *ListenerBus) setErr(err error) {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	if b.err == nil {
		b.err = err
	}
}

func (b *ListenerBus) signalDone() {
	b.doneOnce.Do(func() { close(b.done) })
}
