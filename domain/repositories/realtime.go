package repositories

import (
	"context"
	"encoding/json"
)

// RealtimeProvider abstracts any hosted speech-to-speech model that can hold
// a live audio conversation and call tools.
type RealtimeProvider interface {
	Name() string
	// Connect opens one session. The caller owns the session and must Close it.
	Connect(ctx context.Context, config SessionConfig) (RealtimeSession, error)
}

// RealtimeSession is one live conversation. Audio crossing this interface is
// always G.711 µ-law at 8 kHz, the telephony format; providers convert
// internally when their model needs something else.
type RealtimeSession interface {
	SendAudio(ctx context.Context, mulaw []byte) error
	SendToolResult(ctx context.Context, call ToolCall, output string) error
	// Events is closed when the session ends for any reason.
	Events() <-chan RealtimeEvent
	Close() error
}

// SessionConfig is what a session is opened with.
type SessionConfig struct {
	Instructions string
	// Voice falls back to the provider default when empty.
	Voice string
	Tools []ToolDefinition
}

// ToolDefinition declares a callable tool. Parameters is a JSON schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// RealtimeEventType defines the kind of event a session emits
type RealtimeEventType string

const (
	EventAudio         RealtimeEventType = "audio"
	EventSpeechStarted RealtimeEventType = "speech_started"
	EventToolCall      RealtimeEventType = "tool_call"
	EventError         RealtimeEventType = "error"
	EventClosed        RealtimeEventType = "closed"
)

// RealtimeEvent is emitted by a session. Audio carries µ-law 8 kHz.
type RealtimeEvent struct {
	Type     RealtimeEventType
	Audio    []byte
	ToolCall *ToolCall
	Err      error
}
