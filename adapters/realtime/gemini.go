package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/tiendavoz/voicebridge/domain/repositories"
	"github.com/tiendavoz/voicebridge/internal/audio"
)

const (
	defaultGeminiModel   = "gemini-2.0-flash-live-001"
	defaultGeminiVoice   = "Puck"
	geminiProviderName   = "gemini"
	geminiInputRate      = 16000
	geminiOutputRate     = 24000
	geminiInputMIMEType  = "audio/pcm;rate=16000"
	geminiOutputResponse = "output"
)

// GeminiConfig holds configuration for the Gemini Live provider
type GeminiConfig struct {
	APIKey string
	Model  string
	Voice  string
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("Google AI API key is required")
	}
	return nil
}

// GeminiProvider implements RealtimeProvider on the Gemini Live API. Telephony
// audio is transcoded to 16 kHz PCM on the way in and from 24 kHz PCM on the
// way out.
type GeminiProvider struct {
	client *genai.Client
	config GeminiConfig
	logger *zap.Logger
}

// NewGeminiProvider creates a new Gemini Live provider
func NewGeminiProvider(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiProvider, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	if config.Model == "" {
		config.Model = defaultGeminiModel
		logger.Info("Using default live model", zap.String("model", config.Model))
	}
	if config.Voice == "" {
		config.Voice = defaultGeminiVoice
		logger.Info("Using default live voice", zap.String("voice", config.Voice))
	}

	return &GeminiProvider{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return geminiProviderName
}

// Connect opens a Gemini Live session
func (p *GeminiProvider) Connect(ctx context.Context, config repositories.SessionConfig) (repositories.RealtimeSession, error) {
	voice := config.Voice
	if voice == "" {
		voice = p.config.Voice
	}

	liveConfig, err := buildLiveConnectConfig(voice, config)
	if err != nil {
		return nil, err
	}

	live, err := p.client.Live.Connect(ctx, p.config.Model, liveConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Gemini live: %w", err)
	}

	session := &geminiSession{
		live:   live,
		events: make(chan repositories.RealtimeEvent, eventBufferSize),
		done:   make(chan struct{}),
		logger: p.logger.With(zap.String("provider", geminiProviderName)),
	}
	go session.receiveLoop()

	p.logger.Info("Connected to Gemini live",
		zap.String("model", p.config.Model),
		zap.String("voice", voice),
		zap.Int("tools", len(config.Tools)))

	return session, nil
}

func buildLiveConnectConfig(voice string, config repositories.SessionConfig) (*genai.LiveConnectConfig, error) {
	declarations := make([]*genai.FunctionDeclaration, 0, len(config.Tools))
	for _, def := range config.Tools {
		decl := &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
		}
		// Gemini rejects object schemas without properties.
		if props, _ := def.Parameters["properties"].(map[string]any); len(props) > 0 {
			schema, err := toGenaiSchema(def.Parameters)
			if err != nil {
				return nil, fmt.Errorf("invalid parameters for tool %s: %w", def.Name, err)
			}
			decl.Parameters = schema
		}
		declarations = append(declarations, decl)
	}

	liveConfig := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}
	if config.Instructions != "" {
		liveConfig.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: config.Instructions}},
		}
	}
	if len(declarations) > 0 {
		liveConfig.Tools = []*genai.Tool{{FunctionDeclarations: declarations}}
	}
	return liveConfig, nil
}

// toGenaiSchema converts a JSON schema object into Gemini's schema type
func toGenaiSchema(raw map[string]any) (*genai.Schema, error) {
	schema := &genai.Schema{}

	typ, _ := raw["type"].(string)
	switch typ {
	case "object":
		schema.Type = genai.TypeObject
	case "array":
		schema.Type = genai.TypeArray
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	default:
		return nil, fmt.Errorf("unsupported schema type %q", typ)
	}

	if desc, ok := raw["description"].(string); ok {
		schema.Description = desc
	}

	if props, ok := raw["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			propMap, ok := prop.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("property %s is not an object", name)
			}
			child, err := toGenaiSchema(propMap)
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", name, err)
			}
			schema.Properties[name] = child
		}
	}

	if items, ok := raw["items"].(map[string]any); ok {
		child, err := toGenaiSchema(items)
		if err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		schema.Items = child
	}

	schema.Required = toStrings(raw["required"])
	schema.Enum = toStrings(raw["enum"])

	if n, ok := toInt64(raw["minItems"]); ok {
		schema.MinItems = &n
	}
	if f, ok := toFloat64(raw["minimum"]); ok {
		schema.Minimum = &f
	}

	return schema, nil
}

func toStrings(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, val := range vals {
			if s, ok := val.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// geminiSession is one live Gemini session
type geminiSession struct {
	live      *genai.Session
	events    chan repositories.RealtimeEvent
	done      chan struct{}
	closeOnce sync.Once
	sendMu    sync.Mutex
	logger    *zap.Logger
}

// SendAudio forwards caller audio as 16 kHz PCM
func (s *geminiSession) SendAudio(ctx context.Context, mulaw []byte) error {
	if len(mulaw) == 0 {
		return nil
	}
	if err := s.ready(ctx); err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{
			Data:     audio.MulawToPCM(mulaw, geminiInputRate),
			MIMEType: geminiInputMIMEType,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send audio to Gemini: %w", err)
	}
	return nil
}

// SendToolResult answers a function call. Gemini continues the turn on its own.
func (s *geminiSession) SendToolResult(ctx context.Context, call repositories.ToolCall, output string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	err := s.live.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: []*genai.FunctionResponse{
			{
				ID:       call.CallID,
				Name:     call.Name,
				Response: toolResponse(output),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send tool response to Gemini: %w", err)
	}
	return nil
}

// toolResponse wraps a tool output into the object Gemini expects. JSON
// objects are passed through as structured data.
func toolResponse(output string) map[string]any {
	var structured map[string]any
	if err := json.Unmarshal([]byte(output), &structured); err == nil {
		return structured
	}
	return map[string]any{geminiOutputResponse: output}
}

// Events returns the event stream; it is closed when the session ends
func (s *geminiSession) Events() <-chan repositories.RealtimeEvent {
	return s.events
}

// Close ends the session. It is safe to call more than once.
func (s *geminiSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.live.Close()
	})
	return err
}

func (s *geminiSession) ready(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	return ctx.Err()
}

func (s *geminiSession) receiveLoop() {
	defer close(s.events)

	for {
		msg, err := s.live.Receive()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Error("Gemini live session ended", zap.Error(err))
				s.emit(repositories.RealtimeEvent{Type: repositories.EventClosed, Err: err})
			}
			return
		}
		s.handleMessage(msg)
	}
}

func (s *geminiSession) handleMessage(msg *genai.LiveServerMessage) {
	if content := msg.ServerContent; content != nil {
		if content.Interrupted {
			s.emit(repositories.RealtimeEvent{Type: repositories.EventSpeechStarted})
		}
		if content.ModelTurn != nil {
			for _, part := range content.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				s.emit(repositories.RealtimeEvent{
					Type:  repositories.EventAudio,
					Audio: audio.PCMToMulaw(part.InlineData.Data, geminiOutputRate),
				})
			}
		}
	}

	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			args, err := json.Marshal(fc.Args)
			if err != nil || fc.Args == nil {
				args = []byte(emptyToolArguments)
			}
			s.emit(repositories.RealtimeEvent{
				Type: repositories.EventToolCall,
				ToolCall: &repositories.ToolCall{
					CallID:    fc.ID,
					Name:      fc.Name,
					Arguments: args,
				},
			})
		}
	}

	if msg.GoAway != nil {
		s.logger.Warn("Gemini live session is going away")
	}
}

func (s *geminiSession) emit(event repositories.RealtimeEvent) {
	select {
	case s.events <- event:
	case <-s.done:
	}
}
