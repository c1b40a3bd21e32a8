package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tiendavoz/voicebridge/domain/repositories"
)

const (
	defaultOpenAIURL     = "wss://api.openai.com/v1/realtime"
	defaultOpenAIModel   = "gpt-realtime"
	defaultOpenAIVoice   = "verse"
	defaultWriteTimeout  = 10 * time.Second
	eventBufferSize      = 64
	openAIAudioFormat    = "audio/pcmu"
	openAIProviderName   = "openai"
	emptyToolArguments   = "{}"
	openAITurnDetection  = "server_vad"
	openAIToolChoiceAuto = "auto"
)

// ErrSessionClosed is returned when sending on a session that has ended
var ErrSessionClosed = errors.New("realtime session closed")

// OpenAIConfig holds configuration for the OpenAI Realtime provider
type OpenAIConfig struct {
	APIKey       string
	Model        string
	Voice        string
	URL          string
	WriteTimeout time.Duration
}

// ValidateOpenAIConfig validates the OpenAIConfig
func ValidateOpenAIConfig(config OpenAIConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("OpenAI API key is required")
	}
	if config.WriteTimeout < 0 {
		return fmt.Errorf("write timeout must be positive, got %s", config.WriteTimeout)
	}
	if config.URL != "" {
		u, err := url.Parse(config.URL)
		if err != nil {
			return fmt.Errorf("invalid realtime url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("realtime url must use ws or wss, got %q", u.Scheme)
		}
	}
	return nil
}

// OpenAIProvider implements RealtimeProvider on the OpenAI Realtime websocket API
type OpenAIProvider struct {
	config OpenAIConfig
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewOpenAIProvider creates a new OpenAI Realtime provider
func NewOpenAIProvider(config OpenAIConfig, logger *zap.Logger) (*OpenAIProvider, error) {
	if err := ValidateOpenAIConfig(config); err != nil {
		return nil, err
	}

	if config.URL == "" {
		config.URL = defaultOpenAIURL
	}
	if config.Model == "" {
		config.Model = defaultOpenAIModel
		logger.Info("Using default realtime model", zap.String("model", config.Model))
	}
	if config.Voice == "" {
		config.Voice = defaultOpenAIVoice
		logger.Info("Using default realtime voice", zap.String("voice", config.Voice))
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaultWriteTimeout
	}

	return &OpenAIProvider{
		config: config,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}, nil
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return openAIProviderName
}

// Connect opens a realtime session and configures it for telephony audio
func (p *OpenAIProvider) Connect(ctx context.Context, config repositories.SessionConfig) (repositories.RealtimeSession, error) {
	endpoint, err := p.endpoint()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.config.APIKey)

	conn, resp, err := p.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to OpenAI realtime (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to OpenAI realtime: %w", err)
	}

	voice := config.Voice
	if voice == "" {
		voice = p.config.Voice
	}

	session := &openAISession{
		conn:         conn,
		events:       make(chan repositories.RealtimeEvent, eventBufferSize),
		done:         make(chan struct{}),
		writeTimeout: p.config.WriteTimeout,
		logger:       p.logger.With(zap.String("provider", openAIProviderName)),
	}

	if err := session.write(ctx, newSessionUpdate(p.config.Model, voice, config)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure OpenAI realtime session: %w", err)
	}

	go session.readLoop()

	p.logger.Info("Connected to OpenAI realtime",
		zap.String("model", p.config.Model),
		zap.String("voice", voice),
		zap.Int("tools", len(config.Tools)))

	return session, nil
}

func (p *OpenAIProvider) endpoint() (string, error) {
	u, err := url.Parse(p.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", p.config.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Client events

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Type             string        `json:"type"`
	Model            string        `json:"model"`
	OutputModalities []string      `json:"output_modalities"`
	Instructions     string        `json:"instructions,omitempty"`
	Audio            sessionAudio  `json:"audio"`
	Tools            []sessionTool `json:"tools,omitempty"`
	ToolChoice       string        `json:"tool_choice,omitempty"`
}

type sessionAudio struct {
	Input  sessionAudioInput  `json:"input"`
	Output sessionAudioOutput `json:"output"`
}

type sessionAudioInput struct {
	Format        audioFormat   `json:"format"`
	TurnDetection turnDetection `json:"turn_detection"`
}

type sessionAudioOutput struct {
	Format audioFormat `json:"format"`
	Voice  string      `json:"voice"`
}

type audioFormat struct {
	Type string `json:"type"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type sessionTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type conversationItemCreateEvent struct {
	Type string           `json:"type"`
	Item functionCallItem `json:"item"`
}

type functionCallItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type responseCreateEvent struct {
	Type string `json:"type"`
}

func newSessionUpdate(model, voice string, config repositories.SessionConfig) sessionUpdateEvent {
	tools := make([]sessionTool, 0, len(config.Tools))
	for _, def := range config.Tools {
		tools = append(tools, sessionTool{
			Type:        "function",
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}

	update := sessionUpdateEvent{
		Type: "session.update",
		Session: sessionConfig{
			Type:             "realtime",
			Model:            model,
			OutputModalities: []string{"audio"},
			Instructions:     config.Instructions,
			Audio: sessionAudio{
				Input: sessionAudioInput{
					Format:        audioFormat{Type: openAIAudioFormat},
					TurnDetection: turnDetection{Type: openAITurnDetection},
				},
				Output: sessionAudioOutput{
					Format: audioFormat{Type: openAIAudioFormat},
					Voice:  voice,
				},
			},
			Tools: tools,
		},
	}
	if len(tools) > 0 {
		update.Session.ToolChoice = openAIToolChoiceAuto
	}
	return update
}

// Server events

type serverEvent struct {
	Type      string       `json:"type"`
	Delta     string       `json:"delta,omitempty"`
	CallID    string       `json:"call_id,omitempty"`
	Name      string       `json:"name,omitempty"`
	Arguments string       `json:"arguments,omitempty"`
	Error     *serverError `json:"error,omitempty"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// openAISession is one live OpenAI realtime websocket
type openAISession struct {
	conn         *websocket.Conn
	events       chan repositories.RealtimeEvent
	done         chan struct{}
	closeOnce    sync.Once
	writeMu      sync.Mutex
	writeTimeout time.Duration
	logger       *zap.Logger

	// responseMu guards the response state. While a response is in flight
	// tool outputs are only queued; one response.create follows its
	// response.done.
	responseMu     sync.Mutex
	responding     bool
	pendingOutputs int
}

// SendAudio appends caller audio to the input buffer
func (s *openAISession) SendAudio(ctx context.Context, mulaw []byte) error {
	if len(mulaw) == 0 {
		return nil
	}
	return s.write(ctx, audioAppendEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(mulaw),
	})
}

// SendToolResult returns a tool output and asks the model to continue. When
// a response is still in flight the request waits for its response.done, so
// outputs from one turn share a single response.create.
func (s *openAISession) SendToolResult(ctx context.Context, call repositories.ToolCall, output string) error {
	if err := s.write(ctx, conversationItemCreateEvent{
		Type: "conversation.item.create",
		Item: functionCallItem{
			Type:   "function_call_output",
			CallID: call.CallID,
			Output: output,
		},
	}); err != nil {
		return err
	}

	s.responseMu.Lock()
	if s.responding {
		s.pendingOutputs++
		s.responseMu.Unlock()
		return nil
	}
	s.responding = true
	s.responseMu.Unlock()

	return s.write(ctx, responseCreateEvent{Type: "response.create"})
}

func (s *openAISession) responseStarted() {
	s.responseMu.Lock()
	s.responding = true
	s.responseMu.Unlock()
}

// responseFinished requests the follow-up response for outputs queued while
// the finished one was in flight.
func (s *openAISession) responseFinished() {
	s.responseMu.Lock()
	pending := s.pendingOutputs
	s.pendingOutputs = 0
	s.responding = pending > 0
	s.responseMu.Unlock()

	if pending == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	if err := s.write(ctx, responseCreateEvent{Type: "response.create"}); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.logger.Warn("Failed to request response for tool outputs",
			zap.Int("outputs", pending),
			zap.Error(err))
	}
}

// Events returns the event stream; it is closed when the session ends
func (s *openAISession) Events() <-chan repositories.RealtimeEvent {
	return s.events
}

// Close ends the session. It is safe to call more than once.
func (s *openAISession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()

		err = s.conn.Close()
	})
	return err
}

func (s *openAISession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *openAISession) write(ctx context.Context, event any) error {
	if s.closed() {
		return ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal realtime event: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if s.closed() {
			return ErrSessionClosed
		}
		return fmt.Errorf("failed to write realtime event: %w", err)
	}
	return nil
}

func (s *openAISession) readLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed() {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Error("Realtime connection closed unexpectedly", zap.Error(err))
				}
				s.emit(repositories.RealtimeEvent{Type: repositories.EventClosed, Err: err})
			}
			return
		}

		var event serverEvent
		if err := json.Unmarshal(data, &event); err != nil {
			s.logger.Warn("Failed to parse realtime event", zap.Error(err))
			continue
		}

		s.handleEvent(event)
	}
}

func (s *openAISession) handleEvent(event serverEvent) {
	switch event.Type {
	case "response.output_audio.delta", "response.audio.delta":
		audio, err := base64.StdEncoding.DecodeString(event.Delta)
		if err != nil {
			s.logger.Warn("Failed to decode audio delta", zap.Error(err))
			return
		}
		s.emit(repositories.RealtimeEvent{Type: repositories.EventAudio, Audio: audio})

	case "input_audio_buffer.speech_started":
		s.emit(repositories.RealtimeEvent{Type: repositories.EventSpeechStarted})

	case "response.function_call_arguments.done":
		args := event.Arguments
		if args == "" {
			args = emptyToolArguments
		}
		s.emit(repositories.RealtimeEvent{
			Type: repositories.EventToolCall,
			ToolCall: &repositories.ToolCall{
				CallID:    event.CallID,
				Name:      event.Name,
				Arguments: json.RawMessage(args),
			},
		})

	case "error":
		msg := "unknown realtime error"
		if event.Error != nil {
			msg = event.Error.Message
		}
		s.emit(repositories.RealtimeEvent{Type: repositories.EventError, Err: errors.New(msg)})

	case "response.created":
		s.responseStarted()

	case "response.done":
		s.responseFinished()

	case "session.created", "session.updated":
		s.logger.Debug("Realtime session event", zap.String("type", event.Type))
	}
}

func (s *openAISession) emit(event repositories.RealtimeEvent) {
	select {
	case s.events <- event:
	case <-s.done:
	}
}
