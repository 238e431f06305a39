package turn

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Context is the live state of one turn: the accumulating transcript, the
// LLM token/sentence buffers, the per-kind sequence counters, and the stage
// timestamps completeTurn uses to compute latencies.
//
// A Context is owned by exactly one turn goroutine group; the sequence
// counters are also touched by the lipsync forwarder goroutine, so those
// two fields are guarded by mu.
type Context struct {
	ID        string
	SessionID string
	UserID    string

	ctx    context.Context
	cancel context.CancelFunc

	CreatedAt time.Time

	AsrStartTime      time.Time
	AsrEndTime        time.Time
	UserSpeechEndTime time.Time

	RagStartTime time.Time
	RagEndTime   time.Time

	LlmStartTime      time.Time
	LlmFirstTokenTime time.Time
	LlmEndTime        time.Time

	TtsStartTime        time.Time
	TtsFirstChunkTime   time.Time
	FirstAudioChunkTime time.Time

	Transcript           string
	TranscriptConfidence float64
	RetrievedChunks      []string

	llmTokens      strings.Builder
	sentenceBuffer strings.Builder

	mu       sync.Mutex
	audioSeq int
	videoSeq int
}

func newContext(parent context.Context, id, sessionID, userID string) *Context {
	ctx, cancel := context.WithCancel(parent)
	return &Context{
		ID:        id,
		SessionID: sessionID,
		UserID:    userID,
		ctx:       ctx,
		cancel:    cancel,
		CreatedAt: time.Now().UTC(),
	}
}

// Done reports whether the turn has been cancelled.
func (c *Context) Done() <-chan struct{} {
	return c.ctx.Done()
}

// cancelled is a non-blocking check, used at await points that don't
// otherwise select on c.ctx.Done().
func (c *Context) cancelled() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// nextAudioSeq returns the next strictly-increasing audio sequence number
// for this turn, starting at 0.
func (c *Context) nextAudioSeq() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.audioSeq
	c.audioSeq++
	return n
}

// nextVideoSeq returns the next strictly-increasing video sequence number
// for this turn, starting at 0, in its own namespace separate from audio.
func (c *Context) nextVideoSeq() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.videoSeq
	c.videoSeq++
	return n
}

// pushToken appends one LLM token to both the full-response accumulator and
// the rolling sentence buffer, and reports a completed sentence whenever the
// buffer now ends on a sentence boundary.
func (c *Context) pushToken(token string) (sentence string, complete bool) {
	c.llmTokens.WriteString(token)
	c.sentenceBuffer.WriteString(token)
	if endsWithSentenceBoundary(c.sentenceBuffer.String()) {
		return c.flushSentence()
	}
	return "", false
}

// flushSentence drains whatever remains in the sentence buffer, trimmed.
// Used both on an in-stream boundary and to flush a trailing partial
// sentence when the LLM stream ends.
func (c *Context) flushSentence() (string, bool) {
	s := strings.TrimSpace(c.sentenceBuffer.String())
	c.sentenceBuffer.Reset()
	if s == "" {
		return "", false
	}
	return s, true
}

// fullResponse returns every token emitted by the LLM so far, joined.
func (c *Context) fullResponse() string {
	return c.llmTokens.String()
}
