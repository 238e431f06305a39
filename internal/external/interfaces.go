// Package external defines the calling convention for the five remote
// services the Turn Orchestrator consumes: ASR, RAG, LLM, TTS, and
// LIPSYNC. Only the shapes of the messages flowing through the core are
// normative; this package provides interfaces, a mock implementation of
// each, and a thin real client per service.
package external

import "context"

// ASREventType discriminates a streamed ASR result.
type ASREventType string

const (
	ASREventInterim ASREventType = "interim"
	ASREventFinal   ASREventType = "final"
	ASREventError   ASREventType = "error"
)

// ASREvent is one message from a streaming ASR session.
type ASREvent struct {
	Type       ASREventType
	Transcript string
	Confidence float64
	Detail     string
	Retryable  bool
}

// ASRSession is one live transcription stream bound to a turn.
type ASRSession interface {
	// SendAudioChunk forwards one upstream audio_chunk payload, in order.
	SendAudioChunk(ctx context.Context, audioBase64 string) error
	// Finalize signals that the user has stopped speaking (end_utterance);
	// the provider should emit its last ASREventFinal shortly after.
	Finalize(ctx context.Context) error
	Close() error
}

// ASRClient starts a new streaming transcription session.
type ASRClient interface {
	StartSession(ctx context.Context, sessionID string) (ASRSession, <-chan ASREvent, error)
}

// RAGChunk is one retrieved context fragment.
type RAGChunk struct {
	Content string
}

// RAGClient performs a single retrieval query per turn.
type RAGClient interface {
	Search(ctx context.Context, query string, history []string, topK int, similarityThreshold float64) ([]RAGChunk, error)
}

// LLMDeltaHandler receives one streamed token as it is parsed from the
// upstream server-sent-events response.
type LLMDeltaHandler func(token string) error

// LLMRequest is the normalized input to a streaming LLM call.
type LLMRequest struct {
	UserID          string
	SessionID       string
	TurnID          string
	Transcript      string
	RetrievedChunks []string
}

// LLMClient streams a generated response token by token, invoking onToken
// for each one, and returns the full text once the stream completes.
type LLMClient interface {
	StreamResponse(ctx context.Context, req LLMRequest, onToken LLMDeltaHandler) (string, error)
}

// TTSEventType discriminates a streamed TTS result.
type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventError TTSEventType = "error"
)

// TTSEvent is one message from a streaming TTS session.
type TTSEvent struct {
	Type        TTSEventType
	AudioBase64 string
	Detail      string
	Retryable   bool
}

// TTSStream is one live synthesis stream for a single sentence.
type TTSStream interface {
	SendText(ctx context.Context, text string) error
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Close() error
}

// TTSClient starts a new streaming synthesis session.
type TTSClient interface {
	StartStream(ctx context.Context, voiceID string) (TTSStream, error)
}

// LipsyncEventType discriminates a streamed lip-sync result.
type LipsyncEventType string

const (
	LipsyncEventFrame LipsyncEventType = "frame"
	LipsyncEventError LipsyncEventType = "error"
)

// LipsyncEvent is one message from a streaming lip-sync session.
type LipsyncEvent struct {
	Type      LipsyncEventType
	FrameData string
	Format    string
	Detail    string
	Retryable bool
}

// LipsyncStream is one live video-generation stream forked from the TTS
// audio output of a single turn.
type LipsyncStream interface {
	SendAudioChunk(ctx context.Context, audioBase64 string) error
	Events() <-chan LipsyncEvent
	Close() error
}

// LipsyncClient starts a new streaming lip-sync session.
type LipsyncClient interface {
	StartStream(ctx context.Context, sessionID string) (LipsyncStream, error)
}
