package hub

import (
	"encoding/json"
	"time"
)

// Position is a canvas coordinate pair carried by cursor updates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AICursorState is the assistant's presence on a board. Volatile: a cold
// hub starts at idle with no position.
type AICursorState struct {
	State    string    `json:"state"`
	Position *Position `json:"position,omitempty"`
}

// Control envelopes. Everything that does not decode into one of these is
// opaque sync traffic and is relayed without interpretation.
type AICursorMessage struct {
	Type     string    `json:"type"`
	State    string    `json:"state"`
	Position *Position `json:"position,omitempty"`
}

type VoiceActivityMessage struct {
	Type     string `json:"type"`
	IsActive bool   `json:"isActive"`
	State    string `json:"state,omitempty"`
	UserName string `json:"userName,omitempty"`
}

type PingMessage struct {
	Type string `json:"type"`
}

type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func newPong() PongMessage {
	return PongMessage{Type: "pong", Timestamp: time.Now().UnixMilli()}
}

// decodeControl classifies one inbound text frame. The bool reports whether
// the frame was a recognized control envelope; false means the caller must
// treat it as opaque. Decoding fails closed: a frame with a known "type" tag
// but a body that does not fit the envelope is still relayed as opaque
// rather than half-interpreted.
func decodeControl(data []byte) (interface{}, bool) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, false
	}
	switch tag.Type {
	case "ai-cursor":
		var msg AICursorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, false
		}
		return &msg, true
	case "ai-voice-activity":
		var msg VoiceActivityMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, false
		}
		return &msg, true
	case "ping":
		return &PingMessage{Type: "ping"}, true
	default:
		return nil, false
	}
}
