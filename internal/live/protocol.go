// Package live owns the realtime voice session with the AI backend: wire
// protocol framing, the session state machine, transcript assembly and
// reconnection.
package live

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedMessage marks inbound frames that decode to no recognized
// envelope. They are logged and dropped, never fatal.
var ErrMalformedMessage = errors.New("malformed message")

// --- client -> service envelopes ---

type SetupMessage struct {
	Setup Setup `json:"setup"`
}

type Setup struct {
	Model             string            `json:"model"`
	GenerationConfig  GenerationConfig  `json:"generationConfig"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []ToolDeclaration `json:"tools,omitempty"`
}

type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

type SpeechConfig struct {
	VoiceName string `json:"voiceName,omitempty"`
}

type ToolDeclaration struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type RealtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtimeInput"`
}

type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"mediaChunks"`
}

type MediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type ClientContentMessage struct {
	ClientContent ClientContent `json:"clientContent"`
}

type ClientContent struct {
	Turns        []Content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type ToolResponseMessage struct {
	ToolResponse ToolResponse `json:"toolResponse"`
}

type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

type FunctionResponse struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Response interface{} `json:"response"`
}

// --- service -> client envelopes ---

type SetupComplete struct{}

type ServerContent struct {
	ModelTurn    *Content `json:"modelTurn,omitempty"`
	TurnComplete bool     `json:"turnComplete,omitempty"`
	Interrupted  bool     `json:"interrupted,omitempty"`
}

type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

type FunctionCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type ToolCallCancellation struct {
	IDs []string `json:"ids"`
}

// serverEnvelope mirrors the one-of shape of service frames. Exactly one
// member is expected to be present.
type serverEnvelope struct {
	SetupComplete        *SetupComplete        `json:"setupComplete"`
	ServerContent        *ServerContent        `json:"serverContent"`
	ToolCall             *ToolCall             `json:"toolCall"`
	ToolCallCancellation *ToolCallCancellation `json:"toolCallCancellation"`
}

// DecodeServerMessage decodes an inbound frame into one of SetupComplete,
// ServerContent, ToolCall or ToolCallCancellation. It fails closed: a frame
// matching none of the known arms is ErrMalformedMessage, not a silent
// match of the wrong one.
func DecodeServerMessage(data []byte) (interface{}, error) {
	var env serverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch {
	case env.SetupComplete != nil:
		return env.SetupComplete, nil
	case env.ServerContent != nil:
		return env.ServerContent, nil
	case env.ToolCall != nil:
		return env.ToolCall, nil
	case env.ToolCallCancellation != nil:
		return env.ToolCallCancellation, nil
	default:
		return nil, fmt.Errorf("%w: unrecognized envelope", ErrMalformedMessage)
	}
}
