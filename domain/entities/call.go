package entities

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// CallStatus represents where a call is in its lifecycle.
type CallStatus string

const (
	CallStatusConnecting CallStatus = "connecting"
	CallStatusStreaming  CallStatus = "streaming"
	CallStatusClosed     CallStatus = "closed"
)

// Call is the record of one media stream between the telephony provider and
// the realtime model. It lives only as long as the stream.
type Call struct {
	ID        string     `json:"id"`
	Shop      string     `json:"shop"`
	StreamSID string     `json:"stream_sid,omitempty"`
	CallSID   string     `json:"call_sid,omitempty"`
	Status    CallStatus `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `json:"end_reason,omitempty"`
}

// NewCall creates a call for a freshly accepted stream.
func NewCall(shop string) *Call {
	return &Call{
		ID:        uuid.New().String(),
		Shop:      shop,
		Status:    CallStatusConnecting,
		StartedAt: time.Now(),
	}
}

// Start records the provider identifiers once the stream has started.
func (c *Call) Start(streamSID, callSID string) {
	if c.IsClosed() {
		return
	}
	c.StreamSID = streamSID
	c.CallSID = callSID
	c.Status = CallStatusStreaming
}

// Close marks the call as ended. Only the first reason is kept.
func (c *Call) Close(reason string) {
	if c.IsClosed() {
		return
	}
	now := time.Now()
	c.Status = CallStatusClosed
	c.EndedAt = &now
	c.EndReason = reason
}

// IsClosed reports whether the call has ended.
func (c *Call) IsClosed() bool {
	return c.Status == CallStatusClosed
}

// Duration is the time since the call started, or its total length once closed.
func (c *Call) Duration() time.Duration {
	if c.EndedAt != nil {
		return c.EndedAt.Sub(c.StartedAt)
	}
	return time.Since(c.StartedAt)
}

// Validate validates the call data
func (c *Call) Validate() error {
	if c.ID == "" {
		return errors.New("call id is required")
	}
	if c.Shop == "" {
		return errors.New("shop is required")
	}
	switch c.Status {
	case CallStatusConnecting, CallStatusStreaming, CallStatusClosed:
		return nil
	default:
		return errors.New("invalid call status")
	}
}
