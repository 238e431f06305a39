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

// WSTTSClient streams sentence text to a websocket TTS endpoint, one
// session per sentence, and decodes its streamed audio chunks.
type WSTTSClient struct {
	endpoint string
}

func NewWSTTSClient(endpoint string) *WSTTSClient {
	return &WSTTSClient{endpoint: strings.TrimSpace(endpoint)}
}

func (c *WSTTSClient) StartStream(ctx context.Context, voiceID string) (TTSStream, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse tts endpoint: %w", err)
	}
	q := u.Query()
	q.Set("voice_id", voiceID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial tts websocket: %w", err)
	}

	s := &wsTTSStream{conn: conn, events: make(chan TTSEvent, 512)}
	go s.readLoop()
	return s, nil
}

type wsTTSStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan TTSEvent
}

func (s *wsTTSStream) SendText(_ context.Context, text string) error {
	return s.writeJSON(map[string]any{"type": "text", "text": text})
}

func (s *wsTTSStream) CloseInput(_ context.Context) error {
	return s.writeJSON(map[string]any{"type": "close_input"})
}

func (s *wsTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *wsTTSStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
		close(s.events)
	})
	return retErr
}

func (s *wsTTSStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *wsTTSStream) readLoop() {
	defer s.safeClose()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw struct {
			Type   string `json:"type"`
			Audio  string `json:"audio"`
			Detail string `json:"detail"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		switch raw.Type {
		case "audio":
			s.events <- TTSEvent{Type: TTSEventAudio, AudioBase64: raw.Audio}
		case "error":
			s.events <- TTSEvent{Type: TTSEventError, Detail: raw.Detail, Retryable: reliability.IsRetryableRealtimeMessageType(raw.Detail)}
		}
	}
}

func (s *wsTTSStream) safeClose() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		close(s.events)
	})
}
