package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tiendavoz/voicebridge/domain/entities"
	"github.com/tiendavoz/voicebridge/domain/repositories"
	"github.com/tiendavoz/voicebridge/usecase"
)

// Reasons a call ends
const (
	ReasonCallEnded             = "call_ended"
	ReasonTelephonyClosed       = "telephony_disconnected"
	ReasonTelephonyWriteFailed  = "telephony_write_failed"
	ReasonRealtimeClosed        = "realtime_closed"
	ReasonRealtimeConnectFailed = "realtime_connect_failed"
	ReasonRealtimeSendFailed    = "realtime_send_failed"
	ReasonStartNotReceived      = "start_not_received"
	ReasonUnauthorized          = "unauthorized"
	ReasonMaxDuration           = "max_duration_exceeded"
	ReasonShutdown              = "server_shutdown"
	ReasonClosedByOperator      = "closed_by_operator"
)

// StreamTokenParameter is the custom stream parameter carrying the stream token
const StreamTokenParameter = "token"

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Bridge relays one Twilio media stream to one realtime session.
type Bridge struct {
	hub *Hub

	// The telephony websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages. Never closed; writePump stops on
	// ctx cancellation.
	send chan WriteData

	shop *entities.Shop

	// Guarded by mu.
	call    *entities.Call
	session repositories.RealtimeSession
	closed  bool
	mu      sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	validator *MessageValidator
	logger    *zap.Logger
}

func newBridge(hub *Hub, conn *websocket.Conn, shop *entities.Shop) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	call := entities.NewCall(shop.ID)

	return &Bridge{
		hub:       hub,
		conn:      conn,
		send:      make(chan WriteData, sendBufferSize),
		shop:      shop,
		call:      call,
		ctx:       ctx,
		cancel:    cancel,
		validator: NewMessageValidator(),
		logger: hub.logger.With(
			zap.String("callID", call.ID),
			zap.String("shop", shop.ID)),
	}
}

// callID is immutable after construction.
func (b *Bridge) callID() string {
	return b.call.ID
}

func (b *Bridge) summary() CallSummary {
	b.mu.Lock()
	defer b.mu.Unlock()

	return CallSummary{
		ID:              b.call.ID,
		Shop:            b.call.Shop,
		StreamSID:       b.call.StreamSID,
		CallSID:         b.call.CallSID,
		Status:          b.call.Status,
		StartedAt:       b.call.StartedAt,
		DurationSeconds: b.call.Duration().Seconds(),
	}
}

func (b *Bridge) duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.call.Duration()
}

func (b *Bridge) streamSID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.call.StreamSID
}

// serve runs the call: waits for the stream to start, opens the realtime
// session and pumps telephony input until either side ends.
func (b *Bridge) serve() {
	b.conn.SetReadLimit(maxMessageSize)

	start, reason, err := b.awaitStart()
	if err != nil {
		b.logger.Warn("Media stream did not start", zap.String("reason", reason), zap.Error(err))
		b.close(reason)
		return
	}

	b.mu.Lock()
	b.call.Start(start.StreamSID, start.CallSID)
	b.mu.Unlock()
	b.logger.Info("Streaming call",
		zap.String("streamSid", start.StreamSID),
		zap.String("callSid", start.CallSID))

	session, err := b.connectRealtime()
	if err != nil {
		if b.ctx.Err() != nil {
			return
		}
		b.logger.Error("Failed to connect realtime session",
			zap.String("provider", b.hub.provider.Name()),
			zap.Error(err))
		b.close(ReasonRealtimeConnectFailed)
		return
	}
	if !b.attachSession(session) {
		session.Close()
		return
	}
	b.logger.Info("Connected realtime session", zap.String("provider", b.hub.provider.Name()))

	go b.realtimePump(session)
	b.telephonyPump(session)
}

// awaitStart reads until the start event. Twilio sends connected first.
func (b *Bridge) awaitStart() (*StartPayload, string, error) {
	b.conn.SetReadDeadline(time.Now().Add(startWait))
	defer b.conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			return nil, ReasonStartNotReceived, err
		}

		msg, err := b.validator.ValidateMessage(data)
		if err != nil {
			b.logger.Warn("Invalid media stream message", zap.Error(err))
			continue
		}

		switch m := msg.(type) {
		case *ConnectedMessage:
			b.logger.Debug("Media stream connected", zap.String("protocol", m.Protocol))
		case *StartMessage:
			if err := b.authorize(m.Start); err != nil {
				return nil, ReasonUnauthorized, err
			}
			return &m.Start, "", nil
		case *StopMessage:
			return nil, ReasonCallEnded, errors.New("stream stopped before start")
		default:
			b.logger.Debug("Ignoring message before start")
		}
	}
}

func (b *Bridge) authorize(start StartPayload) error {
	if b.hub.tokens == nil {
		return nil
	}
	_, err := b.hub.tokens.Validate(start.CustomParameters[StreamTokenParameter], b.shop.ID)
	return err
}

func (b *Bridge) connectRealtime() (repositories.RealtimeSession, error) {
	ctx, cancel := context.WithTimeout(b.ctx, b.hub.options.ConnectTimeout)
	defer cancel()

	return b.hub.provider.Connect(ctx, repositories.SessionConfig{
		Instructions: b.shop.Instructions,
		Voice:        b.shop.Voice,
		Tools:        b.hub.tools.Definitions(),
	})
}

// attachSession stores the session unless the call already ended.
func (b *Bridge) attachSession(session repositories.RealtimeSession) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.session = session
	return true
}

// telephonyPump pumps inbound Twilio messages to the realtime session.
func (b *Bridge) telephonyPump(session repositories.RealtimeSession) {
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && b.ctx.Err() == nil {
				b.logger.Warn("Telephony connection closed unexpectedly", zap.Error(err))
			}
			b.close(ReasonTelephonyClosed)
			return
		}

		msg, err := b.validator.ValidateMessage(data)
		if err != nil {
			b.logger.Warn("Invalid media stream message", zap.Error(err))
			continue
		}

		switch m := msg.(type) {
		case *MediaMessage:
			audio, err := m.Media.Audio()
			if err != nil {
				b.logger.Warn("Failed to decode media payload", zap.Error(err))
				continue
			}
			if err := session.SendAudio(b.ctx, audio); err != nil {
				if b.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
					b.logger.Error("Failed to forward audio", zap.Error(err))
				}
				b.close(ReasonRealtimeSendFailed)
				return
			}

		case *StopMessage:
			b.logger.Info("Call ended by telephony provider")
			b.close(ReasonCallEnded)
			return

		case *MarkMessage:
			b.logger.Debug("Playback reached mark", zap.String("mark", m.Mark.Name))

		case *DTMFMessage:
			b.logger.Info("Caller pressed key", zap.String("digit", m.DTMF.Digit))

		case *StartMessage:
			b.logger.Warn("Ignoring duplicate start event")
		}
	}
}

// realtimePump pumps realtime events back to the caller.
func (b *Bridge) realtimePump(session repositories.RealtimeSession) {
	defer b.close(ReasonRealtimeClosed)

	streamSID := b.streamSID()
	for event := range session.Events() {
		switch event.Type {
		case repositories.EventAudio:
			b.sendJSON(CreateMediaMessage(streamSID, event.Audio))

		case repositories.EventSpeechStarted:
			b.sendJSON(CreateClearMessage(streamSID))

		case repositories.EventToolCall:
			if event.ToolCall != nil {
				b.handleToolCall(session, *event.ToolCall)
			}

		case repositories.EventError:
			b.logger.Error("Realtime session error", zap.Error(event.Err))

		case repositories.EventClosed:
			if event.Err != nil && b.ctx.Err() == nil {
				b.logger.Warn("Realtime session closed", zap.Error(event.Err))
			}
		}
	}
}

// handleToolCall auto-approves a tool call, runs it under the tool deadline
// and returns the output to the session.
func (b *Bridge) handleToolCall(session repositories.RealtimeSession, call repositories.ToolCall) {
	ctx, cancel := context.WithTimeout(b.ctx, b.hub.options.ToolTimeout)
	defer cancel()

	tc := usecase.ToolContext{Shop: b.shop, CallID: b.callID()}

	result := make(chan string, 1)
	go func() {
		result <- b.hub.tools.Dispatch(ctx, tc, call)
	}()

	var output string
	select {
	case output = <-result:
	case <-ctx.Done():
		if b.ctx.Err() != nil {
			return
		}
		b.logger.Warn("Tool call timed out",
			zap.String("tool", call.Name),
			zap.Duration("timeout", b.hub.options.ToolTimeout))
		output = toolTimeoutOutput(call.Name)
	}

	if err := session.SendToolResult(b.ctx, call, output); err != nil && b.ctx.Err() == nil {
		b.logger.Error("Failed to return tool result",
			zap.String("tool", call.Name),
			zap.Error(err))
	}
}

func toolTimeoutOutput(tool string) string {
	data, _ := json.Marshal(map[string]string{
		"error": fmt.Sprintf("%s timed out, please try again", tool),
	})
	return string(data)
}

// sendJSON queues a message for the telephony socket
func (b *Bridge) sendJSON(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	select {
	case b.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
	case <-b.ctx.Done():
	}
}

// writePump pumps queued messages to the telephony websocket connection.
func (b *Bridge) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		b.conn.Close()
	}()

	for {
		select {
		case message := <-b.send:
			b.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := b.conn.WriteMessage(message.Type, message.Payload); err != nil {
				b.logger.Error("Failed to write message", zap.Error(err))
				b.close(ReasonTelephonyWriteFailed)
				return
			}

		case <-ticker.C:
			b.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := b.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.close(ReasonTelephonyWriteFailed)
				return
			}

		case <-b.ctx.Done():
			b.conn.SetWriteDeadline(time.Now().Add(writeWait))
			b.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// close tears down both sides of the call exactly once.
func (b *Bridge) close(reason string) {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.call.Close(reason)
		session := b.session
		duration := b.call.Duration()
		b.mu.Unlock()

		b.cancel()
		if session != nil {
			if err := session.Close(); err != nil {
				b.logger.Debug("Failed to close realtime session", zap.Error(err))
			}
		}

		b.logger.Info("Call closed",
			zap.String("reason", reason),
			zap.Duration("duration", duration))

		select {
		case b.hub.unregister <- b:
		case <-b.hub.done:
			b.hub.mu.Lock()
			delete(b.hub.bridges, b.callID())
			b.hub.mu.Unlock()
		}
	})
}
