package bus

import "time"

const (
	defaultDialTimeout        = 10 * time.Second
	defaultAckTimeout         = 30 * time.Second
	defaultRemovalTimeout     = 30 * time.Second
	defaultReconnectBaseDelay = 1 * time.Second
	defaultReconnectMaxDelay  = 30 * time.Second
	defaultMaxReconnects      = 5
	defaultPingInterval       = 30 * time.Second
	defaultPongTimeout        = 60 * time.Second
	defaultWriteTimeout       = 10 * time.Second
	defaultEventBuffer        = 64
)

// Config controls a ListenerBus. Zero fields fall back to the defaults
// above; only URL is required.
type Config struct {
	// URL of the engine's event channel, e.g. "ws://host:8080/ws".
	URL string
	// Token is sent as a bearer token when non-empty.
	Token string

	// DialTimeout bounds the websocket handshake.
	DialTimeout time.Duration
	// AckTimeout bounds the wait for a registration acknowledgment.
	AckTimeout time.Duration
	// RemovalTimeout bounds the wait for a deregistration acknowledgment;
	// on expiry RemoveListener fails with *RemovalTimeoutError.
	RemovalTimeout time.Duration

	// Reconnect backoff: delay starts at ReconnectBaseDelay, doubles up to
	// ReconnectMaxDelay. After MaxReconnectAttempts consecutive failures
	// the stream reports a *FatalStreamError and stops.
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	// Keepalive: pings every PingInterval; the connection is considered
	// dead when no pong (or data) arrives within PongTimeout. Long gaps
	// between events are expected and are not failures.
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration

	// EventBuffer is the capacity of the decoded-event queue between the
	// stream reader and the dispatch loop.
	EventBuffer int
}

// DefaultConfig returns a Config for the given event channel URL with all
// knobs at their defaults.
func DefaultConfig(url string) Config {
	return Config{URL: url}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.RemovalTimeout <= 0 {
		c.RemovalTimeout = defaultRemovalTimeout
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnects
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = defaultPongTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	return c
}
