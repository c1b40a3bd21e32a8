package websocket

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// EventType defines the type of a Twilio media stream message
type EventType string

// Supported media stream events
const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventStop      EventType = "stop"
	EventMark      EventType = "mark"
	EventDTMF      EventType = "dtmf"
	EventClear     EventType = "clear"
)

// BaseMessage defines the common structure for all media stream messages
type BaseMessage struct {
	Event          EventType `json:"event" validate:"required"`
	SequenceNumber string    `json:"sequenceNumber,omitempty"`
	StreamSID      string    `json:"streamSid,omitempty"`
}

// ConnectedMessage is the first message on every stream
type ConnectedMessage struct {
	BaseMessage
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
}

// StartMessage carries the stream metadata
type StartMessage struct {
	BaseMessage
	Start StartPayload `json:"start" validate:"required"`
}

// StartPayload describes the stream being started
type StartPayload struct {
	StreamSID        string            `json:"streamSid" validate:"required"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

// MediaFormat describes the stream's audio encoding
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaMessage carries one chunk of audio
type MediaMessage struct {
	BaseMessage
	Media MediaPayload `json:"media" validate:"required"`
}

// MediaPayload holds base64 µ-law audio
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload" validate:"required,base64"`
}

// Audio decodes the payload
func (p MediaPayload) Audio() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.Payload)
}

// StopMessage is sent when the call ends or the stream is stopped
type StopMessage struct {
	BaseMessage
	Stop StopPayload `json:"stop"`
}

// StopPayload identifies the stopped call
type StopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// MarkMessage is echoed back once audio queued before the mark has played
type MarkMessage struct {
	BaseMessage
	Mark MarkPayload `json:"mark"`
}

// MarkPayload names a mark
type MarkPayload struct {
	Name string `json:"name" validate:"required"`
}

// DTMFMessage reports a key press
type DTMFMessage struct {
	BaseMessage
	DTMF DTMFPayload `json:"dtmf"`
}

// DTMFPayload holds the pressed digit
type DTMFPayload struct {
	Track string `json:"track"`
	Digit string `json:"digit" validate:"required"`
}

// ClearMessage asks Twilio to drop buffered outbound audio
type ClearMessage struct {
	BaseMessage
}

// MessageValidator provides validation for media stream messages
type MessageValidator struct {
	validate *validator.Validate
}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// ValidateMessage parses and validates an incoming message
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	// First parse as base message to get the event
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	var msg interface{}
	switch base.Event {
	case EventConnected:
		msg = &ConnectedMessage{}
	case EventStart:
		msg = &StartMessage{}
	case EventMedia:
		msg = &MediaMessage{}
	case EventStop:
		msg = &StopMessage{}
	case EventMark:
		msg = &MarkMessage{}
	case EventDTMF:
		msg = &DTMFMessage{}
	default:
		return nil, fmt.Errorf("unsupported event: %q", base.Event)
	}

	if err := json.Unmarshal(messageBytes, msg); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", base.Event, err)
	}
	if err := v.validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", base.Event, err)
	}

	return msg, nil
}

// CreateMediaMessage creates an outbound audio message
func CreateMediaMessage(streamSID string, mulaw []byte) *MediaMessage {
	return &MediaMessage{
		BaseMessage: BaseMessage{
			Event:     EventMedia,
			StreamSID: streamSID,
		},
		Media: MediaPayload{
			Payload: base64.StdEncoding.EncodeToString(mulaw),
		},
	}
}

// CreateClearMessage creates a message that interrupts playback
func CreateClearMessage(streamSID string) *ClearMessage {
	return &ClearMessage{
		BaseMessage: BaseMessage{
			Event:     EventClear,
			StreamSID: streamSID,
		},
	}
}

// CreateMarkMessage creates a mark message
func CreateMarkMessage(streamSID, name string) *MarkMessage {
	return &MarkMessage{
		BaseMessage: BaseMessage{
			Event:     EventMark,
			StreamSID: streamSID,
		},
		Mark: MarkPayload{Name: name},
	}
}
