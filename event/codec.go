package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Schema versions carried in every event frame. Legacy servers predate the
// idle variant and mark their frames with SchemaLegacy.
const (
	SchemaLegacy  = 1
	SchemaCurrent = 2
)

// DecodeError reports a frame the codec could not turn into a QueryEvent.
// The stream logs and skips such frames; a single bad frame never ends the
// stream.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode event frame: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode event frame: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// envelope is the self-describing frame layout. Unknown extra fields are
// ignored so newer servers can add fields without breaking older clients.
type envelope struct {
	Type    string          `json:"type"`
	Version int             `json:"version"`
	Event   Variant         `json:"event"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses one event frame. Frames of an unrecognized variant, a
// malformed payload, or an idle frame claiming the legacy schema fail with
// a *DecodeError. Versions newer than SchemaCurrent decode best-effort:
// known fields are read, unknown ones ignored.
func Decode(frame []byte) (QueryEvent, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &DecodeError{Reason: "malformed frame", Err: err}
	}
	if env.Type != "event" {
		return nil, &DecodeError{Reason: fmt.Sprintf("frame type %q is not an event", env.Type)}
	}
	if env.Version < SchemaLegacy {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid schema version %d", env.Version)}
	}
	if len(env.Payload) == 0 {
		return nil, &DecodeError{Reason: "missing payload"}
	}

	switch env.Event {
	case VariantStarted:
		var ev QueryStartedEvent
		if err := unmarshalPayload(env, &ev); err != nil {
			return nil, err
		}
		if err := checkQueryID(env, ev.ID); err != nil {
			return nil, err
		}
		return ev, nil
	case VariantProgress:
		var ev QueryProgressEvent
		if err := unmarshalPayload(env, &ev); err != nil {
			return nil, err
		}
		if err := checkQueryID(env, ev.Progress.ID); err != nil {
			return nil, err
		}
		return ev, nil
	case VariantIdle:
		if env.Version == SchemaLegacy {
			return nil, &DecodeError{Reason: "queryIdle is not part of the legacy schema"}
		}
		var ev QueryIdleEvent
		if err := unmarshalPayload(env, &ev); err != nil {
			return nil, err
		}
		if err := checkQueryID(env, ev.ID); err != nil {
			return nil, err
		}
		return ev, nil
	case VariantTerminated:
		var ev QueryTerminatedEvent
		if err := unmarshalPayload(env, &ev); err != nil {
			return nil, err
		}
		if err := checkQueryID(env, ev.ID); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown event variant %q", env.Event)}
	}
}

func unmarshalPayload(env envelope, ev any) error {
	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return &DecodeError{Reason: fmt.Sprintf("malformed %s payload", env.Event), Err: err}
	}
	return nil
}

func checkQueryID(env envelope, id uuid.UUID) error {
	if id == uuid.Nil {
		return &DecodeError{Reason: fmt.Sprintf("%s payload missing query id", env.Event)}
	}
	return nil
}

// Encode builds a frame for ev at the given schema version with the given
// transport sequence number. Encoding an idle event at the legacy version
// is an error: legacy subscribers have no idle variant.
func Encode(ev QueryEvent, version int, seq uint64) ([]byte, error) {
	if version == SchemaLegacy && ev.Variant() == VariantIdle {
		return nil, fmt.Errorf("encode event frame: %s unsupported at schema version %d", VariantIdle, version)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event frame: %w", err)
	}
	return json.Marshal(envelope{
		Type:    "event",
		Version: version,
		Event:   ev.Variant(),
		Seq:     seq,
		Payload: payload,
	})
}
