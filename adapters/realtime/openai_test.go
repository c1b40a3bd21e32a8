package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tiendavoz/voicebridge/domain/repositories"
)

// fakeRealtimeServer records client events and lets a test push server events.
type fakeRealtimeServer struct {
	server   *httptest.Server
	received chan map[string]any
	conns    chan *websocket.Conn
	auth     chan string
}

func newFakeRealtimeServer(t *testing.T) *fakeRealtimeServer {
	t.Helper()

	f := &fakeRealtimeServer{
		received: make(chan map[string]any, 32),
		conns:    make(chan *websocket.Conn, 1),
		auth:     make(chan string, 1),
	}

	upgrader := websocket.Upgrader{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade: %v", err)
			return
		}
		f.conns <- conn

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var event map[string]any
			if err := json.Unmarshal(data, &event); err == nil {
				f.received <- event
			}
		}
	}))
	t.Cleanup(f.server.Close)

	return f
}

func (f *fakeRealtimeServer) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeRealtimeServer) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case event := <-f.received:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for client event")
		return nil
	}
}

func (f *fakeRealtimeServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for connection")
		return nil
	}
}

func nextEvent(t *testing.T, session repositories.RealtimeSession) repositories.RealtimeEvent {
	t.Helper()
	select {
	case event, ok := <-session.Events():
		if !ok {
			t.Fatal("Event channel closed unexpectedly")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for session event")
		return repositories.RealtimeEvent{}
	}
}

func connectTestSession(t *testing.T, f *fakeRealtimeServer) repositories.RealtimeSession {
	t.Helper()

	provider, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", URL: f.url()}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	session, err := provider.Connect(context.Background(), repositories.SessionConfig{
		Instructions: "Eres un asistente",
		Tools: []repositories.ToolDefinition{
			{Name: "get_menu", Description: "Returns the kebab menu.", Parameters: map[string]any{"type": "object"}},
		},
	})
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func TestOpenAIConnectSendsSessionUpdate(t *testing.T) {
	f := newFakeRealtimeServer(t)
	connectTestSession(t, f)

	if auth := <-f.auth; auth != "Bearer sk-test" {
		t.Errorf("Expected bearer auth header, got %q", auth)
	}

	update := f.next(t)
	if update["type"] != "session.update" {
		t.Fatalf("Expected session.update first, got %v", update["type"])
	}

	session := update["session"].(map[string]any)
	if session["model"] != defaultOpenAIModel {
		t.Errorf("Expected model %s, got %v", defaultOpenAIModel, session["model"])
	}
	if session["instructions"] != "Eres un asistente" {
		t.Errorf("Unexpected instructions %v", session["instructions"])
	}
	if session["tool_choice"] != "auto" {
		t.Errorf("Expected tool_choice auto, got %v", session["tool_choice"])
	}

	audio := session["audio"].(map[string]any)
	output := audio["output"].(map[string]any)
	if output["voice"] != defaultOpenAIVoice {
		t.Errorf("Expected voice %s, got %v", defaultOpenAIVoice, output["voice"])
	}
	if format := output["format"].(map[string]any); format["type"] != "audio/pcmu" {
		t.Errorf("Expected pcmu output, got %v", format["type"])
	}
	input := audio["input"].(map[string]any)
	if format := input["format"].(map[string]any); format["type"] != "audio/pcmu" {
		t.Errorf("Expected pcmu input, got %v", format["type"])
	}

	tools := session["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("Expected 1 tool, got %d", len(tools))
	}
	if tool := tools[0].(map[string]any); tool["type"] != "function" || tool["name"] != "get_menu" {
		t.Errorf("Unexpected tool %v", tool)
	}
}

func TestOpenAISendAudioAndToolResult(t *testing.T) {
	f := newFakeRealtimeServer(t)
	session := connectTestSession(t, f)
	f.next(t) // session.update

	ctx := context.Background()
	if err := session.SendAudio(ctx, []byte{0xFF, 0x7F}); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}

	appended := f.next(t)
	if appended["type"] != "input_audio_buffer.append" {
		t.Fatalf("Expected input_audio_buffer.append, got %v", appended["type"])
	}
	if appended["audio"] != base64.StdEncoding.EncodeToString([]byte{0xFF, 0x7F}) {
		t.Errorf("Unexpected audio payload %v", appended["audio"])
	}

	call := repositories.ToolCall{CallID: "call_1", Name: "submit_order"}
	if err := session.SendToolResult(ctx, call, "Order submitted successfully."); err != nil {
		t.Fatalf("SendToolResult failed: %v", err)
	}

	item := f.next(t)
	if item["type"] != "conversation.item.create" {
		t.Fatalf("Expected conversation.item.create, got %v", item["type"])
	}
	output := item["item"].(map[string]any)
	if output["type"] != "function_call_output" || output["call_id"] != "call_1" || output["output"] != "Order submitted successfully." {
		t.Errorf("Unexpected function call output %v", output)
	}

	if resp := f.next(t); resp["type"] != "response.create" {
		t.Errorf("Expected response.create after tool output, got %v", resp["type"])
	}
}

func TestOpenAIToolResultsDuringResponseShareOneResponseCreate(t *testing.T) {
	f := newFakeRealtimeServer(t)
	session := connectTestSession(t, f)
	conn := f.conn(t)
	f.next(t) // session.update

	send := func(event string) {
		t.Helper()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(event)); err != nil {
			t.Fatalf("Failed to write server event: %v", err)
		}
	}

	// speech_started is emitted to the session, so once it arrives the
	// response.created before it has been handled.
	send(`{"type":"response.created"}`)
	send(`{"type":"input_audio_buffer.speech_started"}`)
	if event := nextEvent(t, session); event.Type != repositories.EventSpeechStarted {
		t.Fatalf("Expected speech started, got %s", event.Type)
	}

	ctx := context.Background()
	for _, id := range []string{"call_1", "call_2"} {
		if err := session.SendToolResult(ctx, repositories.ToolCall{CallID: id, Name: "get_menu"}, "{}"); err != nil {
			t.Fatalf("SendToolResult failed: %v", err)
		}
		if item := f.next(t); item["type"] != "conversation.item.create" {
			t.Fatalf("Expected conversation.item.create, got %v", item["type"])
		}
	}

	send(`{"type":"response.done"}`)
	if resp := f.next(t); resp["type"] != "response.create" {
		t.Fatalf("Expected response.create after response.done, got %v", resp["type"])
	}

	select {
	case event := <-f.received:
		t.Errorf("Expected a single response.create, got extra %v", event["type"])
	case <-time.After(200 * time.Millisecond):
	}

	// The requested response is in flight until its own response.done.
	if err := session.SendToolResult(ctx, repositories.ToolCall{CallID: "call_3", Name: "get_menu"}, "{}"); err != nil {
		t.Fatalf("SendToolResult failed: %v", err)
	}
	if item := f.next(t); item["type"] != "conversation.item.create" {
		t.Fatalf("Expected conversation.item.create, got %v", item["type"])
	}
	select {
	case event := <-f.received:
		t.Errorf("Expected output to wait for the active response, got %v", event["type"])
	case <-time.After(200 * time.Millisecond):
	}

	send(`{"type":"response.created"}`)
	send(`{"type":"response.done"}`)
	if resp := f.next(t); resp["type"] != "response.create" {
		t.Errorf("Expected response.create for the queued output, got %v", resp["type"])
	}
}

func TestOpenAIServerEvents(t *testing.T) {
	f := newFakeRealtimeServer(t)
	session := connectTestSession(t, f)
	conn := f.conn(t)

	audio := []byte{0x01, 0x02, 0x03}
	events := []string{
		`{"type":"session.created"}`,
		`{"type":"response.output_audio.delta","delta":"` + base64.StdEncoding.EncodeToString(audio) + `"}`,
		`{"type":"input_audio_buffer.speech_started"}`,
		`{"type":"response.function_call_arguments.done","call_id":"call_9","name":"get_menu","arguments":""}`,
		`{"type":"error","error":{"message":"bad request"}}`,
	}
	for _, e := range events {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(e)); err != nil {
			t.Fatalf("Failed to write server event: %v", err)
		}
	}

	event := nextEvent(t, session)
	if event.Type != repositories.EventAudio || string(event.Audio) != string(audio) {
		t.Errorf("Expected audio event, got %+v", event)
	}

	if event = nextEvent(t, session); event.Type != repositories.EventSpeechStarted {
		t.Errorf("Expected speech started, got %s", event.Type)
	}

	event = nextEvent(t, session)
	if event.Type != repositories.EventToolCall || event.ToolCall == nil {
		t.Fatalf("Expected tool call, got %+v", event)
	}
	if event.ToolCall.CallID != "call_9" || event.ToolCall.Name != "get_menu" || string(event.ToolCall.Arguments) != "{}" {
		t.Errorf("Unexpected tool call %+v", event.ToolCall)
	}

	event = nextEvent(t, session)
	if event.Type != repositories.EventError || event.Err == nil || event.Err.Error() != "bad request" {
		t.Errorf("Expected error event, got %+v", event)
	}

	// Remote hang-up ends the stream.
	conn.Close()
	event = nextEvent(t, session)
	if event.Type != repositories.EventClosed {
		t.Errorf("Expected closed event, got %s", event.Type)
	}
	select {
	case _, ok := <-session.Events():
		if ok {
			t.Error("Expected event channel to be closed")
		}
	case <-time.After(2 * time.Second):
		t.Error("Timed out waiting for event channel to close")
	}
}

func TestOpenAISessionClose(t *testing.T) {
	f := newFakeRealtimeServer(t)
	session := connectTestSession(t, f)

	if err := session.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}

	if err := session.SendAudio(context.Background(), []byte{0xFF}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}

	select {
	case _, ok := <-session.Events():
		for ok {
			_, ok = <-session.Events()
		}
	case <-time.After(2 * time.Second):
		t.Error("Timed out waiting for event channel to close")
	}
}

func TestValidateOpenAIConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  OpenAIConfig
		wantErr bool
	}{
		{"valid", OpenAIConfig{APIKey: "sk"}, false},
		{"missing key", OpenAIConfig{}, true},
		{"http url", OpenAIConfig{APIKey: "sk", URL: "https://api.openai.com"}, true},
		{"ws url", OpenAIConfig{APIKey: "sk", URL: "ws://localhost:9000/v1/realtime"}, false},
		{"negative timeout", OpenAIConfig{APIKey: "sk", WriteTimeout: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOpenAIConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateOpenAIConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpenAIEndpointCarriesModel(t *testing.T) {
	provider, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk", Model: "gpt-realtime-mini"}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	endpoint, err := provider.endpoint()
	if err != nil {
		t.Fatalf("endpoint failed: %v", err)
	}
	if endpoint != "wss://api.openai.com/v1/realtime?model=gpt-realtime-mini" {
		t.Errorf("Unexpected endpoint %s", endpoint)
	}
}
