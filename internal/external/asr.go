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

// WSASRClient streams audio to a websocket ASR endpoint and decodes its
// interim/final transcript events.
type WSASRClient struct {
	endpoint string
}

func NewWSASRClient(endpoint string) *WSASRClient {
	return &WSASRClient{endpoint: strings.TrimSpace(endpoint)}
}

func (c *WSASRClient) StartSession(ctx context.Context, sessionID string) (ASRSession, <-chan ASREvent, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("parse asr endpoint: %w", err)
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		return nil, nil, fmt.Errorf("dial asr websocket: %w", err)
	}

	events := make(chan ASREvent, 256)
	s := &wsASRSession{conn: conn, events: events}
	go s.readLoop()
	return s, events, nil
}

type wsASRSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan ASREvent
}

func (s *wsASRSession) SendAudioChunk(_ context.Context, audioBase64 string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(map[string]any{
		"type":  "audio_chunk",
		"audio": audioBase64,
	})
}

func (s *wsASRSession) Finalize(_ context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(map[string]any{"type": "finalize"})
}

func (s *wsASRSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
		close(s.events)
	})
	return retErr
}

func (s *wsASRSession) readLoop() {
	defer s.safeClose()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw struct {
			Type       string  `json:"type"`
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Detail     string  `json:"detail"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		switch raw.Type {
		case "interim":
			s.events <- ASREvent{Type: ASREventInterim, Transcript: raw.Transcript, Confidence: raw.Confidence}
		case "final":
			s.events <- ASREvent{Type: ASREventFinal, Transcript: raw.Transcript, Confidence: raw.Confidence}
		case "error":
			s.events <- ASREvent{Type: ASREventError, Detail: raw.Detail, Retryable: reliability.IsRetryableRealtimeMessageType(raw.Detail)}
		}
	}
}

func (s *wsASRSession) safeClose() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		close(s.events)
	})
}
