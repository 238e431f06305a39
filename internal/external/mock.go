package external

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
)

// MockASRClient simulates ASR by emitting a placeholder "..." interim
// result for each non-empty received chunk, then one final transcript on
// Finalize.
type MockASRClient struct{}

func NewMockASRClient() *MockASRClient { return &MockASRClient{} }

func (c *MockASRClient) StartSession(_ context.Context, _ string) (ASRSession, <-chan ASREvent, error) {
	events := make(chan ASREvent, 64)
	return &mockASRSession{events: events}, events, nil
}

type mockASRSession struct {
	mu     sync.Mutex
	events chan ASREvent
	chunks int
	closed bool
}

func (s *mockASRSession) SendAudioChunk(_ context.Context, audioBase64 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.chunks++
	if audioBase64 != "" {
		s.events <- ASREvent{Type: ASREventInterim, Transcript: "...", Confidence: 0.5}
	}
	return nil
}

func (s *mockASRSession) Finalize(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	text := "simulated voice input"
	if s.chunks == 0 {
		text = ""
	}
	s.events <- ASREvent{Type: ASREventFinal, Transcript: text, Confidence: 0.85}
	return nil
}

func (s *mockASRSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// MockRAGClient returns a fixed set of synthetic chunks, capped at topK.
type MockRAGClient struct{}

func NewMockRAGClient() *MockRAGClient { return &MockRAGClient{} }

func (c *MockRAGClient) Search(_ context.Context, query string, _ []string, topK int, _ float64) ([]RAGChunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	chunks := []RAGChunk{
		{Content: fmt.Sprintf("context relevant to %q, fragment 1", query)},
		{Content: fmt.Sprintf("context relevant to %q, fragment 2", query)},
		{Content: fmt.Sprintf("context relevant to %q, fragment 3", query)},
	}
	if topK > 0 && topK < len(chunks) {
		chunks = chunks[:topK]
	}
	return chunks, nil
}

// MockLLMClient streams the input transcript back word by word, prefixed
// to make clear it is a canned reply.
type MockLLMClient struct{}

func NewMockLLMClient() *MockLLMClient { return &MockLLMClient{} }

func (c *MockLLMClient) StreamResponse(ctx context.Context, req LLMRequest, onToken LLMDeltaHandler) (string, error) {
	words := strings.Fields("Here's what I understood: " + req.Transcript + ".")
	var sb strings.Builder
	for i, w := range words {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		default:
		}
		token := w
		if i < len(words)-1 {
			token += " "
		}
		sb.WriteString(token)
		if err := onToken(token); err != nil {
			return sb.String(), err
		}
	}
	return sb.String(), nil
}

// MockTTSClient turns each sentence of text into one base64-encoded audio
// chunk by encoding the text itself, standing in for a provider that needs
// no real network round trip.
type MockTTSClient struct{}

func NewMockTTSClient() *MockTTSClient { return &MockTTSClient{} }

func (c *MockTTSClient) StartStream(_ context.Context, _ string) (TTSStream, error) {
	return &mockTTSStream{events: make(chan TTSEvent, 128)}, nil
}

type mockTTSStream struct {
	mu     sync.Mutex
	events chan TTSEvent
	closed bool
}

func (s *mockTTSStream) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || strings.TrimSpace(text) == "" {
		return nil
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(text))
	s.events <- TTSEvent{Type: TTSEventAudio, AudioBase64: encoded}
	return nil
}

func (s *mockTTSStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// MockLipsyncClient forks each audio chunk into one jpeg "frame" encoding
// the chunk's length, cheap enough to exercise the fork without any real
// video generation.
type MockLipsyncClient struct{}

func NewMockLipsyncClient() *MockLipsyncClient { return &MockLipsyncClient{} }

func (c *MockLipsyncClient) StartStream(_ context.Context, _ string) (LipsyncStream, error) {
	return &mockLipsyncStream{events: make(chan LipsyncEvent, 128)}, nil
}

type mockLipsyncStream struct {
	mu     sync.Mutex
	events chan LipsyncEvent
	closed bool
}

func (s *mockLipsyncStream) SendAudioChunk(_ context.Context, audioBase64 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || audioBase64 == "" {
		return nil
	}
	frame := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("frame:%d", len(audioBase64))))
	s.events <- LipsyncEvent{Type: LipsyncEventFrame, FrameData: frame, Format: "jpeg"}
	return nil
}

func (s *mockLipsyncStream) Events() <-chan LipsyncEvent { return s.events }

func (s *mockLipsyncStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
