package websocket

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/tiendavoz/voicebridge/domain/entities"
	"github.com/tiendavoz/voicebridge/domain/repositories"
	"github.com/tiendavoz/voicebridge/internal/auth"
	"github.com/tiendavoz/voicebridge/usecase"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second

	// Time allowed between the socket opening and the start event.
	startWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Outbound frames buffered per call.
	sendBufferSize = 256
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultToolTimeout    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	// Twilio does not send an Origin header.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ToolDispatcher runs the tools the realtime model calls
type ToolDispatcher interface {
	Definitions() []repositories.ToolDefinition
	Dispatch(ctx context.Context, tc usecase.ToolContext, call repositories.ToolCall) string
}

// HubOptions tunes the per-call deadlines
type HubOptions struct {
	ConnectTimeout time.Duration
	ToolTimeout    time.Duration
}

// CallSummary describes an active call
type CallSummary struct {
	ID              string              `json:"id"`
	Shop            string              `json:"shop"`
	StreamSID       string              `json:"stream_sid,omitempty"`
	CallSID         string              `json:"call_sid,omitempty"`
	Status          entities.CallStatus `json:"status"`
	StartedAt       time.Time           `json:"started_at"`
	DurationSeconds float64             `json:"duration_seconds"`
}

// Hub maintains the set of active call bridges.
type Hub struct {
	// Registered bridges by call id.
	bridges map[string]*Bridge

	// Register requests from the bridges.
	register chan *Bridge

	// Unregister requests from bridges.
	unregister chan *Bridge

	// Closed when the hub stops.
	done     chan struct{}
	stopOnce sync.Once

	// Mutex for thread-safe access to bridges map
	mu sync.RWMutex

	provider repositories.RealtimeProvider
	tools    ToolDispatcher
	tokens   *auth.StreamTokens
	options  HubOptions

	logger *zap.Logger
}

// NewHub creates a new call hub. tokens may be nil to accept streams without
// a stream token.
func NewHub(
	provider repositories.RealtimeProvider,
	tools ToolDispatcher,
	tokens *auth.StreamTokens,
	options HubOptions,
	logger *zap.Logger,
) *Hub {
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = defaultConnectTimeout
	}
	if options.ToolTimeout <= 0 {
		options.ToolTimeout = defaultToolTimeout
	}

	return &Hub{
		bridges:    make(map[string]*Bridge),
		register:   make(chan *Bridge),
		unregister: make(chan *Bridge),
		done:       make(chan struct{}),
		provider:   provider,
		tools:      tools,
		tokens:     tokens,
		options:    options,
		logger:     logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case bridge := <-h.register:
			h.mu.Lock()
			h.bridges[bridge.callID()] = bridge
			count := len(h.bridges)
			h.mu.Unlock()
			h.logger.Info("Call registered",
				zap.String("callID", bridge.callID()),
				zap.String("shop", bridge.shop.ID),
				zap.Int("activeCalls", count))

		case bridge := <-h.unregister:
			h.mu.Lock()
			delete(h.bridges, bridge.callID())
			count := len(h.bridges)
			h.mu.Unlock()
			h.logger.Info("Call unregistered",
				zap.String("callID", bridge.callID()),
				zap.Int("activeCalls", count))

		case <-h.done:
			return
		}
	}
}

// Stop ends the Run loop
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// HandleMediaStream upgrades a Twilio media stream request and bridges it to a
// realtime session for shop.
func (h *Hub) HandleMediaStream(c echo.Context, shop *entities.Shop) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	bridge := newBridge(h, conn, shop)

	select {
	case h.register <- bridge:
	case <-h.done:
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go bridge.writePump()
	go bridge.serve()

	return nil
}

// ActiveCalls returns the calls currently bridged, oldest first
func (h *Hub) ActiveCalls() []CallSummary {
	bridges := h.snapshot()

	calls := make([]CallSummary, 0, len(bridges))
	for _, b := range bridges {
		calls = append(calls, b.summary())
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].StartedAt.Before(calls[j].StartedAt) })
	return calls
}

// CloseCall ends one call. It reports whether the call was active.
func (h *Hub) CloseCall(callID, reason string) bool {
	h.mu.RLock()
	bridge, ok := h.bridges[callID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	bridge.close(reason)
	return true
}

// Shutdown closes every active call and waits for them to unregister
func (h *Hub) Shutdown(ctx context.Context) error {
	bridges := h.snapshot()
	for _, b := range bridges {
		b.close(ReasonShutdown)
	}

	if len(bridges) > 0 {
		h.logger.Info("Closing active calls", zap.Int("count", len(bridges)))
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		h.mu.RLock()
		remaining := len(h.bridges)
		h.mu.RUnlock()
		if remaining == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Hub) snapshot() []*Bridge {
	h.mu.RLock()
	defer h.mu.RUnlock()

	bridges := make([]*Bridge, 0, len(h.bridges))
	for _, b := range h.bridges {
		bridges = append(bridges, b)
	}
	return bridges
}
