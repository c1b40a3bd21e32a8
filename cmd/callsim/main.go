// Command callsim plays the telephony provider against a running voice bridge:
// it posts the incoming-call webhook, follows the returned stream URL and
// streams µ-law audio the way Twilio Media Streams does.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tiendavoz/voicebridge/internal/twiml"
	ws "github.com/tiendavoz/voicebridge/internal/websocket"
)

const (
	// 20ms of 8kHz µ-law, the frame size Twilio sends.
	frameSize     = 160
	frameInterval = 20 * time.Millisecond
	mulawSilence  = 0xFF
)

func main() {
	server := flag.String("server", "http://localhost:8080", "voice bridge base URL")
	shop := flag.String("shop", "default", "shop identifier")
	audioFile := flag.String("audio", "", "raw 8kHz µ-law file to stream (silence when empty)")
	seconds := flag.Int("seconds", 5, "seconds of silence to stream when no audio file is given")
	listen := flag.Duration("listen", 10*time.Second, "time to keep receiving after the audio ends")
	insecure := flag.Bool("insecure", true, "dial ws:// instead of the wss:// URL from the TwiML")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	callSID := "CA" + strings.ReplaceAll(uuid.New().String(), "-", "")
	streamSID := "MZ" + strings.ReplaceAll(uuid.New().String(), "-", "")

	stream, err := postWebhook(*server, *shop, callSID)
	if err != nil {
		logger.Fatal("Webhook failed", zap.Error(err))
	}
	logger.Info("Webhook answered", zap.String("streamURL", stream.URL))

	streamURL := stream.URL
	if *insecure {
		streamURL = "ws://" + strings.TrimPrefix(streamURL, "wss://")
	}

	conn, _, err := websocket.DefaultDialer.Dial(streamURL, nil)
	if err != nil {
		logger.Fatal("Failed to open media stream", zap.String("url", streamURL), zap.Error(err))
	}
	defer conn.Close()

	done := make(chan struct{})
	go receive(conn, logger, done)

	params := map[string]string{}
	if token, ok := stream.Param(ws.StreamTokenParameter); ok {
		params[ws.StreamTokenParameter] = token
	}
	if err := sendStart(conn, streamSID, callSID, params); err != nil {
		logger.Fatal("Failed to start stream", zap.Error(err))
	}

	audio, err := loadAudio(*audioFile, *seconds)
	if err != nil {
		logger.Fatal("Failed to load audio", zap.Error(err))
	}
	if err := streamAudio(conn, streamSID, audio); err != nil {
		logger.Error("Streaming stopped", zap.Error(err))
	}
	logger.Info("Audio sent", zap.Int("bytes", len(audio)))

	select {
	case <-done:
		logger.Info("Server closed the stream")
		return
	case <-time.After(*listen):
	}

	if err := conn.WriteJSON(map[string]interface{}{
		"event":     ws.EventStop,
		"streamSid": streamSID,
		"stop":      map[string]string{"callSid": callSID},
	}); err != nil {
		logger.Error("Failed to send stop", zap.Error(err))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	logger.Info("Call finished")
}

func postWebhook(server, shop, callSID string) (*twiml.Stream, error) {
	form := url.Values{
		"CallSid": {callSID},
		"From":    {"+34600000000"},
		"To":      {"+34910000000"},
	}

	endpoint := strings.TrimRight(server, "/") + "/clients/" + url.PathEscape(shop) + "/incoming-call"
	resp, err := http.PostForm(endpoint, form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	var response twiml.Response
	if err := decodeTwiML(resp, &response); err != nil {
		return nil, err
	}
	if response.Connect == nil || response.Connect.Stream.URL == "" {
		return nil, errors.New("webhook response has no stream")
	}
	return &response.Connect.Stream, nil
}

func decodeTwiML(resp *http.Response, out *twiml.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	parsed, err := twiml.Parse(data)
	if err != nil {
		return fmt.Errorf("invalid TwiML: %w", err)
	}
	*out = *parsed
	return nil
}

func sendStart(conn *websocket.Conn, streamSID, callSID string, params map[string]string) error {
	if err := conn.WriteJSON(map[string]interface{}{
		"event":    ws.EventConnected,
		"protocol": "Call",
		"version":  "1.0.0",
	}); err != nil {
		return err
	}

	return conn.WriteJSON(map[string]interface{}{
		"event":          ws.EventStart,
		"sequenceNumber": "1",
		"streamSid":      streamSID,
		"start": map[string]interface{}{
			"streamSid":        streamSID,
			"accountSid":       "ACcallsim",
			"callSid":          callSID,
			"tracks":           []string{"inbound"},
			"customParameters": params,
			"mediaFormat": map[string]interface{}{
				"encoding":   "audio/x-mulaw",
				"sampleRate": 8000,
				"channels":   1,
			},
		},
	})
}

func loadAudio(path string, seconds int) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}

	audio := make([]byte, seconds*8000)
	for i := range audio {
		audio[i] = mulawSilence
	}
	return audio, nil
}

// streamAudio paces frames in real time like the telephony provider.
func streamAudio(conn *websocket.Conn, streamSID string, audio []byte) error {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for offset, chunk := 0, 1; offset < len(audio); offset, chunk = offset+frameSize, chunk+1 {
		end := min(offset+frameSize, len(audio))
		msg := ws.CreateMediaMessage(streamSID, audio[offset:end])
		msg.Media.Track = "inbound"
		msg.Media.Chunk = fmt.Sprint(chunk)
		msg.Media.Timestamp = fmt.Sprint(chunk * int(frameInterval/time.Millisecond))

		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		<-ticker.C
	}
	return nil
}

func receive(conn *websocket.Conn, logger *zap.Logger, done chan<- struct{}) {
	defer close(done)

	media := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Stream closed unexpectedly", zap.Error(err))
			}
			logger.Info("Stream closed", zap.Int("mediaFrames", media))
			return
		}

		var base ws.BaseMessage
		if err := json.Unmarshal(data, &base); err != nil {
			logger.Warn("Received invalid message", zap.Error(err))
			continue
		}

		switch base.Event {
		case ws.EventMedia:
			media++
			if media == 1 || media%50 == 0 {
				logger.Info("Receiving agent audio", zap.Int("mediaFrames", media))
			}
		case ws.EventClear:
			logger.Info("Agent cleared playback")
		default:
			logger.Info("Received event", zap.String("event", string(base.Event)))
		}
	}
}
