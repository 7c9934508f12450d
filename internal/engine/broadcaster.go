package engine

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/flowbus/flowbus/event"
	"github.com/flowbus/flowbus/internal/log"
	"github.com/flowbus/flowbus/internal/metrics"
	"github.com/flowbus/flowbus/internal/wire"
)

const sendBuffer = 64

// subscriber is one connected event-channel client. All frames to it go
// through a single buffered channel drained by its writePump, so
// acknowledgments and events reach the client in enqueue order.
type subscriber struct {
	conn *websocket.Conn

	mu      sync.Mutex
	send    chan []byte
	closed  bool
	handles map[string]struct{}
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	s := &subscriber{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		handles: make(map[string]struct{}),
	}
	go s.writePump()
	return s
}

func (s *subscriber) writePump() {
	defer s.conn.Close()
	for msg := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// enqueue reports false when the subscriber is gone or too slow to keep up.
func (s *subscriber) enqueue(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *subscriber) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

func (s *subscriber) addHandle(h string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h] = struct{}{}
}

func (s *subscriber) removeHandle(h string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, h)
}

// registered reports whether the subscriber holds at least one live
// listener registration; only registered subscribers receive events.
func (s *subscriber) registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles) > 0
}

// Broadcaster fans lifecycle events out to every registered subscriber and
// produces the acks for listener registration and deregistration.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[*subscriber]bool
	seq  atomic.Uint64
	log  zerolog.Logger
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[*subscriber]bool),
		log:  log.WithComponent("broadcaster"),
	}
}

func (b *Broadcaster) AddSubscriber(conn *websocket.Conn) *subscriber {
	s := newSubscriber(conn)
	b.mu.Lock()
	b.subs[s] = true
	b.mu.Unlock()
	metrics.Subscribers.Inc()
	return s
}

func (b *Broadcaster) RemoveSubscriber(s *subscriber) {
	b.mu.Lock()
	present := b.subs[s]
	if present {
		delete(b.subs, s)
	}
	b.mu.Unlock()
	if present {
		s.shutdown()
		metrics.Subscribers.Dec()
	}
}

// Register records the handle on the subscriber and queues the ack. The
// ack travels the same channel as events, so once the client sees it,
// every later event frame on this connection postdates the registration.
func (b *Broadcaster) Register(s *subscriber, handle string) {
	s.addHandle(handle)
	b.sendAck(s, wire.FrameRegister, handle)
}

// Deregister releases the handle and acks. Unknown handles are acked too:
// deregistration is idempotent for the client.
func (b *Broadcaster) Deregister(s *subscriber, handle string) {
	s.removeHandle(handle)
	b.sendAck(s, wire.FrameDeregister, handle)
}

func (b *Broadcaster) sendAck(s *subscriber, op wire.FrameType, handle string) {
	data, err := json.Marshal(wire.Frame{
		Type:   wire.FrameAck,
		Op:     op,
		Handle: handle,
		Seq:    b.seq.Add(1),
	})
	if err != nil {
		b.log.Error().Err(err).Msg("marshal ack frame")
		return
	}
	if !s.enqueue(data) {
		b.log.Warn().Str(log.FieldHandle, handle).Msg("subscriber unreachable for ack, disconnecting")
		b.RemoveSubscriber(s)
		return
	}
	metrics.FramesPublished.WithLabelValues(string(wire.FrameAck)).Inc()
}

// PublishEvent encodes ev once and enqueues it to every registered
// subscriber. Subscribers that cannot keep up are disconnected; they are
// expected to reconnect and re-register.
func (b *Broadcaster) PublishEvent(ev event.QueryEvent) {
	data, err := event.Encode(ev, event.SchemaCurrent, b.seq.Add(1))
	if err != nil {
		b.log.Error().Err(err).Str(log.FieldEvent, string(ev.Variant())).Msg("encode event frame")
		return
	}

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.registered() {
			continue
		}
		if !s.enqueue(data) {
			b.log.Warn().Msg("subscriber too slow, disconnecting")
			b.RemoveSubscriber(s)
		}
	}
	metrics.FramesPublished.WithLabelValues(string(wire.FrameEvent)).Inc()
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
