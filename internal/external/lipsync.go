package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/relaylabs/voicebridge/internal/reliability"
)

// WSLipsyncClient forks a turn's TTS audio into a lip-sync video frame
// stream over a websocket connection.
type WSLipsyncClient struct {
	endpoint string
}

func NewWSLipsyncClient(endpoint string) *WSLipsyncClient {
	return &WSLipsyncClient{endpoint: strings.TrimSpace(endpoint)}
}

func (c *WSLipsyncClient) StartStream(ctx context.Context, sessionID string) (LipsyncStream, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse lipsync endpoint: %w", err)
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial lipsync websocket: %w", err)
	}

	s := &wsLipsyncStream{conn: conn, events: make(chan LipsyncEvent, 256)}
	go s.readLoop()
	return s, nil
}

type wsLipsyncStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan LipsyncEvent
}

func (s *wsLipsyncStream) SendAudioChunk(_ context.Context, audioBase64 string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(map[string]any{
		"type":  "audio_chunk",
		"audio": audioBase64,
	})
}

func (s *wsLipsyncStream) Events() <-chan LipsyncEvent { return s.events }

func (s *wsLipsyncStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
		close(s.events)
	})
	return retErr
}

func (s *wsLipsyncStream) readLoop() {
	defer s.safeClose()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw struct {
			Type   string `json:"type"`
			Frame  string `json:"frame"`
			Format string `json:"format"`
			Detail string `json:"detail"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		switch raw.Type {
		case "frame":
			s.events <- LipsyncEvent{Type: LipsyncEventFrame, FrameData: raw.Frame, Format: raw.Format}
		case "error":
			s.events <- LipsyncEvent{Type: LipsyncEventError, Detail: raw.Detail, Retryable: reliability.IsRetryableRealtimeMessageType(raw.Detail)}
		}
	}
}

func (s *wsLipsyncStream) safeClose() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		close(s.events)
	})
}
