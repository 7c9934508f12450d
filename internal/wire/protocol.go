// Package wire defines the framed control protocol spoken on the listener
// event channel. Event frames are encoded and decoded by the event package;
// wire covers registration, acknowledgment and error frames plus the type
// tag every frame self-describes with.
package wire

import "encoding/json"

type FrameType string

const (
	// client to server
	FrameRegister   FrameType = "register"
	FrameDeregister FrameType = "deregister"

	// server to client
	FrameAck   FrameType = "ack"
	FrameEvent FrameType = "event"
	FrameError FrameType = "error"
)

// Frame is the control-frame layout. Event frames share the "type" tag but
// carry the versioned envelope owned by the event package.
type Frame struct {
	Type   FrameType `json:"type"`
	Handle string    `json:"handle,omitempty"`
	Op     FrameType `json:"op,omitempty"` // ack only: the acknowledged operation
	Seq    uint64    `json:"seq,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Peek returns the frame type tag without decoding the rest of the frame,
// so receivers can route event frames to the event codec untouched.
func Peek(data []byte) FrameType {
	var probe struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.Type
}
