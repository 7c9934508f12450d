package bus

import (
	"errors"
	"fmt"
	"time"
)

// ErrBusClosed is returned by operations on a bus after Close.
var ErrBusClosed = errors.New("listener bus is closed")

var (
	errNotConnected = errors.New("event stream is not connected")
	errAckTimeout   = errors.New("acknowledgment timeout")
)

// RemovalTimeoutError reports that the server did not acknowledge a
// deregistration within the configured bound. The listener no longer
// receives events locally, but server-side resources may still be held.
type RemovalTimeoutError struct {
	Handle  Handle
	Timeout time.Duration
}

func (e *RemovalTimeoutError) Error() string {
	return fmt.Sprintf("remove listener %s: no deregistration ack within %v", e.Handle, e.Timeout)
}

// FatalStreamError reports that the event stream gave up reconnecting. It
// stops the dispatch loop and is surfaced through ListenerBus.Err.
type FatalStreamError struct {
	Attempts int
	Err      error
}

func (e *FatalStreamError) Error() string {
	return fmt.Sprintf("event stream failed after %d reconnect attempts: %v", e.Attempts, e.Err)
}

func (e *FatalStreamError) Unwrap() error { return e.Err }
