package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeek(t *testing.T) {
	tests := []struct {
		name string
		data string
		want FrameType
	}{
		{"register", `{"type": "register", "handle": "h1"}`, FrameRegister},
		{"ack", `{"type": "ack", "op": "register", "handle": "h1", "seq": 3}`, FrameAck},
		{"event", `{"type": "event", "version": 2, "event": "queryStarted", "payload": {}}`, FrameEvent},
		{"error", `{"type": "error", "error": "boom"}`, FrameError},
		{"missing type", `{"handle": "h1"}`, FrameType("")},
		{"not json", `{{{`, FrameType("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Peek([]byte(tt.data)))
		})
	}
}

func TestFrameOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Frame{Type: FrameRegister, Handle: "h1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type": "register", "handle": "h1"}`, string(data))
}
