package bus

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/flowbus/flowbus/event"
	"github.com/flowbus/flowbus/internal/log"
	"github.com/flowbus/flowbus/internal/metrics"
	"github.com/flowbus/flowbus/internal/wire"
)

type streamItem struct {
	ev  event.QueryEvent
	err error
}

type ackKey struct {
	op     wire.FrameType
	handle Handle
}

// stream maintains the long-lived connection to the engine's event
// channel. A single read goroutine routes acknowledgment frames to pending
// register/deregister waiters and decoded events to the dispatch loop's
// queue, reconnecting with bounded backoff on transient failures.
type stream struct {
	cfg Config
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	handles map[Handle]struct{} // restored on reconnect
	pending map[ackKey]chan struct{}
	closed  bool

	writeMu sync.Mutex // serialises all conn writes (frames, pings)

	events chan streamItem
	wg     sync.WaitGroup
}

func newStream(cfg Config) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &stream{
		cfg:     cfg,
		log:     log.WithComponent("stream"),
		ctx:     ctx,
		cancel:  cancel,
		handles: make(map[Handle]struct{}),
		pending: make(map[ackKey]chan struct{}),
		events:  make(chan streamItem, cfg.EventBuffer),
	}
}

// connect dials the event channel and starts the read and keepalive
// goroutines. It is called once, when the bus gains its first listener.
func (s *stream) connect(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.configureConn(conn)
	s.wg.Add(2)
	go s.pingLoop(conn)
	go s.readLoop(conn)
	return nil
}

func (s *stream) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	var header http.Header
	if s.cfg.Token != "" {
		header = http.Header{"Authorization": {"Bearer " + s.cfg.Token}}
	}
	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// configureConn arms the keepalive read deadline. Pongs (and any data)
// push the deadline forward, so minutes without events are fine as long as
// the transport answers pings.
func (s *stream) configureConn(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})
}

func (s *stream) currentConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// pingLoop keeps one connection alive. It exits when the stream shuts down
// or the connection is replaced.
func (s *stream) pingLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.currentConn() != conn {
				return
			}
			s.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// readLoop is the sole sender on s.events. It reads frames for the life of
// the stream, swapping in fresh connections after transient failures, and
// closes the queue when the stream ends for any reason.
func (s *stream) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if s.isClosed() || s.ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Msg("event stream closed by server")
				return
			}
			next := s.reconnect(err)
			if next == nil {
				return
			}
			conn = next
			continue
		}
		s.route(data)
	}
}

func (s *stream) route(data []byte) {
	switch wire.Peek(data) {
	case wire.FrameEvent:
		ev, err := event.Decode(data)
		if err != nil {
			metrics.DecodeFailures.Inc()
			s.log.Warn().Err(err).Msg("skipping undecodable event frame")
			return
		}
		select {
		case s.events <- streamItem{ev: ev}:
		case <-s.ctx.Done():
		}
	case wire.FrameAck:
		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Warn().Err(err).Msg("malformed ack frame")
			return
		}
		s.resolveAck(f)
	case wire.FrameError:
		var f wire.Frame
		if err := json.Unmarshal(data, &f); err == nil {
			s.log.Warn().Str("server_error", f.Error).Msg("server reported error")
		}
	default:
		s.log.Debug().Msg("ignoring unknown frame type")
	}
}

func (s *stream) resolveAck(f wire.Frame) {
	key := ackKey{op: f.Op, handle: Handle(f.Handle)}
	s.mu.Lock()
	ch, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()
	if ok {
		close(ch)
	} else {
		// Expected for the fire-and-forget re-registrations after a
		// reconnect.
		s.log.Debug().Str(log.FieldHandle, f.Handle).Msg("unmatched ack")
	}
}

// reconnect re-establishes the connection with exponential backoff. On
// success it restores every live registration and returns the new
// connection; after the retry budget it delivers a *FatalStreamError and
// returns nil.
func (s *stream) reconnect(cause error) *websocket.Conn {
	delay := s.cfg.ReconnectBaseDelay
	lastErr := cause
	s.log.Warn().Err(cause).Msg("event stream interrupted")

	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-s.ctx.Done():
			return nil
		case <-time.After(delay):
		}

		conn, err := s.dial(s.ctx)
		if err != nil {
			lastErr = err
			s.log.Warn().Int(log.FieldAttempt, attempt).Err(err).Msg("event stream reconnect failed")
			delay *= 2
			if delay > s.cfg.ReconnectMaxDelay {
				delay = s.cfg.ReconnectMaxDelay
			}
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conn = conn
		handles := make([]Handle, 0, len(s.handles))
		for h := range s.handles {
			handles = append(handles, h)
		}
		s.mu.Unlock()

		s.configureConn(conn)
		s.wg.Add(1)
		go s.pingLoop(conn)

		// Restore server-side registrations. The acks come back through
		// the normal routing and are dropped as unmatched.
		for _, h := range handles {
			if err := s.sendFrame(wire.Frame{Type: wire.FrameRegister, Handle: string(h)}); err != nil {
				s.log.Warn().Str(log.FieldHandle, string(h)).Err(err).Msg("re-register after reconnect failed")
			}
		}

		metrics.StreamReconnects.Inc()
		s.log.Info().Int(log.FieldAttempt, attempt).Msg("event stream reconnected")
		return conn
	}

	s.deliverErr(&FatalStreamError{Attempts: s.cfg.MaxReconnectAttempts, Err: lastErr})
	return nil
}

func (s *stream) deliverErr(err error) {
	select {
	case s.events <- streamItem{err: err}:
	case <-s.ctx.Done():
	}
}

// next blocks until a frame arrives, the stream ends (io.EOF), or a fatal
// stream failure is reported.
func (s *stream) next(ctx context.Context) (event.QueryEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case it, ok := <-s.events:
		if !ok {
			return nil, io.EOF
		}
		if it.err != nil {
			return nil, it.err
		}
		return it.ev, nil
	}
}

// register sends a registration request and blocks until the server
// acknowledges it, so callers can rely on events emitted by their very
// next action being delivered.
func (s *stream) register(ctx context.Context, h Handle) error {
	ch, err := s.addPending(wire.FrameRegister, h)
	if err != nil {
		return err
	}
	defer s.removePending(wire.FrameRegister, h)

	if err := s.sendFrame(wire.Frame{Type: wire.FrameRegister, Handle: string(h)}); err != nil {
		return err
	}

	select {
	case <-ch:
		s.mu.Lock()
		s.handles[h] = struct{}{}
		s.mu.Unlock()
		return nil
	case <-time.After(s.cfg.AckTimeout):
		return errAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrBusClosed
	}
}

// deregister sends a deregistration request and blocks until the server
// confirms the handle's resources are released, bounded by RemovalTimeout.
// The handle is dropped from the reconnect set up front so a racing
// reconnect cannot re-register it.
func (s *stream) deregister(ctx context.Context, h Handle) error {
	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()

	ch, err := s.addPending(wire.FrameDeregister, h)
	if err != nil {
		return err
	}
	defer s.removePending(wire.FrameDeregister, h)

	if err := s.sendFrame(wire.Frame{Type: wire.FrameDeregister, Handle: string(h)}); err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(s.cfg.RemovalTimeout):
		return errAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrBusClosed
	}
}

func (s *stream) addPending(op wire.FrameType, h Handle) (chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrBusClosed
	}
	ch := make(chan struct{})
	s.pending[ackKey{op: op, handle: h}] = ch
	return ch, nil
}

func (s *stream) removePending(op wire.FrameType, h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, ackKey{op: op, handle: h})
}

func (s *stream) sendFrame(f wire.Frame) error {
	conn := s.currentConn()
	if conn == nil {
		return errNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteJSON(f)
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close tears the stream down: the blocked read is interrupted, the read
// and keepalive goroutines exit, and the event queue is closed. Safe to
// call more than once.
func (s *stream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		s.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		conn.Close()
	}
	s.wg.Wait()
}
