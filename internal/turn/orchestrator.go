// Package turn implements the Turn Orchestrator: the five-stage
// ASR -> RAG -> LLM -> TTS -> LIPSYNC pipeline that turns one user
// utterance into a streamed response, plus turn completion and
// cancellation.
package turn

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaylabs/voicebridge/internal/archive"
	"github.com/relaylabs/voicebridge/internal/conversation"
	"github.com/relaylabs/voicebridge/internal/external"
	"github.com/relaylabs/voicebridge/internal/observability"
	"github.com/relaylabs/voicebridge/internal/policy"
	"github.com/relaylabs/voicebridge/internal/protocol"
	"github.com/relaylabs/voicebridge/internal/session"
)

// Sender delivers an envelope to whatever connection is currently bound to
// sessionId; *registry.Registry satisfies this.
type Sender interface {
	SendToSession(sessionID string, v any) error
}

// Config bounds the per-stage RPC deadlines and the RAG/voice defaults.
type Config struct {
	ASRDeadline     time.Duration
	RAGDeadline     time.Duration
	LLMDeadline     time.Duration
	TTSDeadline     time.Duration
	LipsyncDeadline time.Duration

	RAGHistoryTurns int
	RAGTopK         int
	RAGSimilarity   float64
	VoiceID         string

	InterruptSettleWindow time.Duration
}

// DefaultConfig returns the orchestrator's default per-stage deadlines and
// RAG/voice settings.
func DefaultConfig() Config {
	return Config{
		ASRDeadline:           30 * time.Second,
		RAGDeadline:           10 * time.Second,
		LLMDeadline:           60 * time.Second,
		TTSDeadline:           30 * time.Second,
		LipsyncDeadline:       30 * time.Second,
		RAGHistoryTurns:       5,
		RAGTopK:               5,
		RAGSimilarity:         0.7,
		VoiceID:               "default",
		InterruptSettleWindow: 200 * time.Millisecond,
	}
}

// activeTurn is the orchestrator's bookkeeping for one in-flight turn: its
// Context, the live ASR session it owns, and a WaitGroup that every goroutine
// spawned for the turn joins, so CancelTurn can block until the pipeline has
// genuinely stopped emitting.
type activeTurn struct {
	tc         *Context
	asrSession external.ASRSession
	wg         sync.WaitGroup
}

// Orchestrator runs the Turn Orchestrator for every session with an active
// turn. One Orchestrator serves every connection in the process.
type Orchestrator struct {
	cfg      Config
	sessions *session.Store
	sender   Sender
	archive  archive.Store
	metrics  *observability.Metrics

	asr     external.ASRClient
	rag     external.RAGClient
	llm     external.LLMClient
	tts     external.TTSClient
	lipsync external.LipsyncClient

	mu    sync.Mutex
	turns map[string]*activeTurn
}

// New constructs an Orchestrator wired to its collaborators.
func New(cfg Config, sessions *session.Store, sender Sender, archiveStore archive.Store, metrics *observability.Metrics,
	asr external.ASRClient, rag external.RAGClient, llm external.LLMClient, tts external.TTSClient, lipsync external.LipsyncClient) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		sessions: sessions,
		sender:   sender,
		archive:  archiveStore,
		metrics:  metrics,
		asr:      asr,
		rag:      rag,
		llm:      llm,
		tts:      tts,
		lipsync:  lipsync,
		turns:    make(map[string]*activeTurn),
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

func (o *Orchestrator) send(sessionID string, kind protocol.Kind, data any) {
	env, err := protocol.New(kind, sessionID, data, nowMs())
	if err != nil {
		log.Printf("turn: build envelope kind=%s session=%s: %v", kind, sessionID, err)
		return
	}
	if err := o.sender.SendToSession(sessionID, env); err != nil {
		log.Printf("turn: send kind=%s session=%s: %v", kind, sessionID, err)
	}
}

func (o *Orchestrator) sendError(sessionID, errorCode, message string, recoverable bool) {
	o.send(sessionID, protocol.KindError, map[string]any{
		"errorCode":    errorCode,
		"errorMessage": message,
		"recoverable":  recoverable,
	})
}

// HasActiveTurn reports whether sessionID currently has an in-flight turn.
func (o *Orchestrator) HasActiveTurn(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.turns[sessionID]
	return ok
}

// HandleAudioChunk forwards one inbound audio_chunk to the session's ASR
// stream, allocating a new Context and ASR session on the first chunk of a
// turn.
func (o *Orchestrator) HandleAudioChunk(connCtx context.Context, sessionID, audioBase64 string) error {
	at, err := o.getOrStartTurn(connCtx, sessionID)
	if err != nil {
		return err
	}
	asrCtx, cancel := context.WithTimeout(connCtx, o.cfg.ASRDeadline)
	defer cancel()
	return at.asrSession.SendAudioChunk(asrCtx, audioBase64)
}

func (o *Orchestrator) getOrStartTurn(connCtx context.Context, sessionID string) (*activeTurn, error) {
	o.mu.Lock()
	if at, ok := o.turns[sessionID]; ok {
		o.mu.Unlock()
		return at, nil
	}
	o.mu.Unlock()

	var userID string
	if sess, err := o.sessions.FindByID(sessionID); err == nil {
		userID = sess.UserID
	}

	tc := newContext(connCtx, uuid.NewString(), sessionID, userID)
	tc.AsrStartTime = time.Now().UTC()

	// The ASR session spans the whole utterance, not a single RPC, so it is
	// bound to the turn's own cancellation rather than the ASR stage
	// deadline; the deadline still bounds each SendAudioChunk/Finalize call.
	asrSession, events, err := o.asr.StartSession(tc.ctx, sessionID)
	if err != nil {
		tc.cancel()
		return nil, fmt.Errorf("start asr session: %w", err)
	}

	at := &activeTurn{tc: tc, asrSession: asrSession}

	o.mu.Lock()
	o.turns[sessionID] = at
	o.mu.Unlock()

	at.wg.Add(1)
	go o.runASR(at, events)

	return at, nil
}

// HandleEndUtterance signals the active turn's ASR session to finalize.
func (o *Orchestrator) HandleEndUtterance(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	at, ok := o.turns[sessionID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	at.tc.UserSpeechEndTime = time.Now().UTC()
	asrCtx, cancel := context.WithTimeout(ctx, o.cfg.ASRDeadline)
	defer cancel()
	return at.asrSession.Finalize(asrCtx)
}

// CancelTurn stops the active turn for sessionID, if any, and waits up to 2s
// for its pipeline goroutines to exit; if they have not joined by then it
// logs and returns anyway. Once the join completes, no further envelope
// tagged with that turn's id is emitted, including no response_end.
func (o *Orchestrator) CancelTurn(sessionID string) {
	o.mu.Lock()
	at, ok := o.turns[sessionID]
	if ok {
		delete(o.turns, sessionID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	at.tc.cancel()
	_ = at.asrSession.Close()

	done := make(chan struct{})
	go func() {
		at.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		log.Printf("turn: cancel session=%s turn=%s: pipeline did not join within 2s", sessionID, at.tc.ID)
	}
}

func (o *Orchestrator) removeTurn(sessionID string, tc *Context) {
	o.mu.Lock()
	if cur, ok := o.turns[sessionID]; ok && cur.tc == tc {
		delete(o.turns, sessionID)
	}
	o.mu.Unlock()
}

// runASR drains one ASR session's event channel for the lifetime of a
// turn: interim results are forwarded immediately, the final result stamps
// the transcript and launches the rest of the pipeline.
func (o *Orchestrator) runASR(at *activeTurn, events <-chan external.ASREvent) {
	defer at.wg.Done()
	tc := at.tc

	for {
		select {
		case <-tc.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case external.ASREventInterim:
				o.send(tc.SessionID, protocol.KindTranscript, map[string]any{
					"transcript": ev.Transcript,
					"isFinal":    false,
					"confidence": ev.Confidence,
				})
			case external.ASREventFinal:
				tc.AsrEndTime = time.Now().UTC()
				tc.Transcript = ev.Transcript
				tc.TranscriptConfidence = ev.Confidence
				o.send(tc.SessionID, protocol.KindTranscript, map[string]any{
					"transcript": ev.Transcript,
					"isFinal":    true,
					"confidence": ev.Confidence,
				})
				o.metrics.ObserveTurnStage("asr", tc.AsrEndTime.Sub(tc.AsrStartTime))
				at.wg.Add(1)
				go o.runRest(at)
				return
			case external.ASREventError:
				o.sendError(tc.SessionID, "error:asr", ev.Detail, true)
				o.removeTurn(tc.SessionID, tc)
				tc.cancel()
				return
			}
		}
	}
}

// runRest drives stages B through E after the final transcript has arrived:
// RAG retrieval, LLM token streaming with sentence segmentation, per-sentence
// TTS synthesis, and the LIPSYNC fork, finishing with completeTurn.
func (o *Orchestrator) runRest(at *activeTurn) {
	defer at.wg.Done()
	tc := at.tc

	if tc.cancelled() {
		return
	}

	chunks := o.runRAG(tc)
	if tc.cancelled() {
		return
	}

	var lip external.LipsyncStream
	var lipEvents <-chan external.LipsyncEvent
	if o.lipsync != nil {
		var err error
		lip, err = o.lipsync.StartStream(tc.ctx, tc.SessionID)
		if err != nil {
			log.Printf("turn: lipsync start session=%s turn=%s: %v", tc.SessionID, tc.ID, err)
		} else {
			lipEvents = lip.Events()
			at.wg.Add(1)
			go o.runLipsync(at, lip, lipEvents)
		}
	}

	o.send(tc.SessionID, protocol.KindResponseStart, map[string]any{"turnId": tc.ID})
	if _, err := o.sessions.TransitionState(tc.SessionID, conversation.Speaking); err != nil {
		log.Printf("turn: transition SPEAKING session=%s: %v", tc.SessionID, err)
	}

	tc.LlmStartTime = time.Now().UTC()
	llmCtx, cancel := context.WithTimeout(tc.ctx, o.cfg.LLMDeadline)
	defer cancel()

	firstToken := false
	full, llmErr := o.llm.StreamResponse(llmCtx, external.LLMRequest{
		UserID:          tc.UserID,
		SessionID:       tc.SessionID,
		TurnID:          tc.ID,
		Transcript:      tc.Transcript,
		RetrievedChunks: chunks,
	}, func(token string) error {
		if tc.cancelled() {
			return context.Canceled
		}
		if !firstToken {
			firstToken = true
			tc.LlmFirstTokenTime = time.Now().UTC()
		}
		if sentence, complete := tc.pushToken(token); complete {
			o.speakSentence(at, lip, sentence)
		}
		return nil
	})
	tc.LlmEndTime = time.Now().UTC()
	o.metrics.ObserveTurnStage("llm", tc.LlmEndTime.Sub(tc.LlmStartTime))

	if tc.cancelled() {
		if lip != nil {
			_ = lip.Close()
		}
		o.removeTurn(tc.SessionID, tc)
		return
	}

	if llmErr != nil {
		o.sendError(tc.SessionID, "error:llm", llmErr.Error(), true)
		o.removeTurn(tc.SessionID, tc)
		if lip != nil {
			_ = lip.Close()
		}
		tc.cancel()
		return
	}
	_ = full

	if trailing, complete := tc.flushSentence(); complete {
		o.speakSentence(at, lip, trailing)
	}

	if lip != nil {
		_ = lip.Close()
	}

	o.completeTurn(at, chunks)
}

// runRAG fetches the most recent history turns and performs the single RAG
// query for this turn. A retrieval failure is logged and the turn proceeds
// with no retrieved context; it is never surfaced to the client.
func (o *Orchestrator) runRAG(tc *Context) []string {
	tc.RagStartTime = time.Now().UTC()
	defer func() {
		tc.RagEndTime = time.Now().UTC()
		o.metrics.ObserveTurnStage("rag", tc.RagEndTime.Sub(tc.RagStartTime))
	}()

	sess, err := o.sessions.FindByID(tc.SessionID)
	var history []string
	if err == nil {
		n := o.cfg.RAGHistoryTurns
		hist := sess.ConversationHist
		if n > 0 && len(hist) > n {
			hist = hist[len(hist)-n:]
		}
		for _, t := range hist {
			history = append(history, t.UserTranscript)
		}
	}

	ragCtx, cancel := context.WithTimeout(tc.ctx, o.cfg.RAGDeadline)
	defer cancel()

	results, err := o.rag.Search(ragCtx, tc.Transcript, history, o.cfg.RAGTopK, o.cfg.RAGSimilarity)
	if err != nil {
		log.Printf("turn: rag search failed session=%s turn=%s: %v (proceeding with no context)", tc.SessionID, tc.ID, err)
		tc.RetrievedChunks = nil
		return nil
	}

	chunks := make([]string, 0, len(results))
	for _, r := range results {
		chunks = append(chunks, r.Content)
	}
	tc.RetrievedChunks = chunks
	return chunks
}

// speakSentence issues one streaming TTS call for a completed sentence,
// forwarding every audio chunk as response_audio and, when a LIPSYNC stream
// is active, forking the same bytes to it.
func (o *Orchestrator) speakSentence(at *activeTurn, lip external.LipsyncStream, sentence string) {
	tc := at.tc
	if tc.cancelled() {
		return
	}
	if tc.TtsStartTime.IsZero() {
		tc.TtsStartTime = time.Now().UTC()
	}

	ttsCtx, cancel := context.WithTimeout(tc.ctx, o.cfg.TTSDeadline)
	defer cancel()

	stream, err := o.tts.StartStream(ttsCtx, o.cfg.VoiceID)
	if err != nil {
		o.sendError(tc.SessionID, "error:tts", err.Error(), true)
		o.removeTurn(tc.SessionID, tc)
		tc.cancel()
		return
	}
	defer stream.Close()

	if err := stream.SendText(ttsCtx, sentence); err != nil {
		o.sendError(tc.SessionID, "error:tts", err.Error(), true)
		o.removeTurn(tc.SessionID, tc)
		tc.cancel()
		return
	}
	if err := stream.CloseInput(ttsCtx); err != nil {
		log.Printf("turn: tts close input session=%s turn=%s: %v", tc.SessionID, tc.ID, err)
	}

	for {
		select {
		case <-tc.Done():
			return
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case external.TTSEventAudio:
				if tc.TtsFirstChunkTime.IsZero() {
					tc.TtsFirstChunkTime = time.Now().UTC()
				}
				if tc.FirstAudioChunkTime.IsZero() {
					tc.FirstAudioChunkTime = time.Now().UTC()
				}
				seq := tc.nextAudioSeq()
				o.send(tc.SessionID, protocol.KindResponseAudio, map[string]any{
					"turnId":         tc.ID,
					"audioData":      ev.AudioBase64,
					"sequenceNumber": seq,
				})
				if lip != nil {
					if err := lip.SendAudioChunk(tc.ctx, ev.AudioBase64); err != nil {
						log.Printf("turn: lipsync forward session=%s turn=%s: %v", tc.SessionID, tc.ID, err)
					}
				}
			case external.TTSEventError:
				o.sendError(tc.SessionID, "error:tts", ev.Detail, true)
				o.removeTurn(tc.SessionID, tc)
				tc.cancel()
				return
			}
		}
	}
}

// runLipsync drains one turn's LIPSYNC event stream, forwarding each frame
// as response_video. LIPSYNC is non-critical: failures are logged and the
// turn continues audio-only.
func (o *Orchestrator) runLipsync(at *activeTurn, stream external.LipsyncStream, events <-chan external.LipsyncEvent) {
	defer at.wg.Done()
	tc := at.tc
	for {
		select {
		case <-tc.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case external.LipsyncEventFrame:
				seq := tc.nextVideoSeq()
				o.send(tc.SessionID, protocol.KindResponseVideo, map[string]any{
					"turnId":         tc.ID,
					"frameData":      ev.FrameData,
					"sequenceNumber": seq,
					"format":         ev.Format,
				})
			case external.LipsyncEventError:
				log.Printf("turn: lipsync error session=%s turn=%s: %s", tc.SessionID, tc.ID, ev.Detail)
			}
		}
	}
}

// completeTurn computes stage latencies, emits response_end, appends the
// Turn to session history, persists it to the archive, and releases the
// turn.
func (o *Orchestrator) completeTurn(at *activeTurn, retrievedChunks []string) {
	tc := at.tc
	if tc.cancelled() {
		return
	}
	o.removeTurn(tc.SessionID, tc)
	defer tc.cancel()

	now := time.Now().UTC()
	if tc.FirstAudioChunkTime.IsZero() {
		tc.FirstAudioChunkTime = now
	}

	latencies := session.StageLatencies{
		ASRMs:   tc.AsrEndTime.Sub(tc.AsrStartTime).Milliseconds(),
		RAGMs:   tc.RagEndTime.Sub(tc.RagStartTime).Milliseconds(),
		LLMMs:   tc.LlmEndTime.Sub(tc.LlmStartTime).Milliseconds(),
		TTSMs:   tc.FirstAudioChunkTime.Sub(tc.TtsStartTime).Milliseconds(),
		TotalMs: tc.FirstAudioChunkTime.Sub(tc.UserSpeechEndTime).Milliseconds(),
	}
	o.metrics.ObserveTurnStage("tts", time.Duration(latencies.TTSMs)*time.Millisecond)
	o.metrics.ObserveFirstAudioLatency(time.Duration(latencies.TotalMs) * time.Millisecond)

	o.send(tc.SessionID, protocol.KindResponseEnd, map[string]any{
		"turnId": tc.ID,
		"metrics": map[string]any{
			"totalLatencyMs": latencies.TotalMs,
			"asrLatencyMs":   latencies.ASRMs,
			"ragLatencyMs":   latencies.RAGMs,
			"llmLatencyMs":   latencies.LLMMs,
			"ttsLatencyMs":   latencies.TTSMs,
		},
	})

	redactedTranscript, _ := policy.RedactPII(tc.Transcript)
	redactedResponse, _ := policy.RedactPII(tc.fullResponse())

	t := session.Turn{
		ID:               tc.ID,
		SessionID:        tc.SessionID,
		Timestamp:        now,
		UserTranscript:   redactedTranscript,
		TranscriptConfid: tc.TranscriptConfidence,
		RetrievedChunks:  retrievedChunks,
		LLMResponse:      redactedResponse,
		Latencies:        latencies,
	}
	if err := o.sessions.AppendTurn(tc.SessionID, t); err != nil {
		log.Printf("turn: append turn history session=%s turn=%s: %v", tc.SessionID, tc.ID, err)
	}
	if _, err := o.sessions.TransitionState(tc.SessionID, conversation.Idle); err != nil {
		log.Printf("turn: transition IDLE session=%s: %v", tc.SessionID, err)
	}

	if o.archive != nil {
		rec := archive.Record{
			ID:               tc.ID,
			SessionID:        tc.SessionID,
			UserID:           tc.UserID,
			Timestamp:        now,
			UserTranscript:   redactedTranscript,
			TranscriptConfid: tc.TranscriptConfidence,
			RetrievedChunks:  retrievedChunks,
			LLMResponse:      redactedResponse,
			ASRMs:            latencies.ASRMs,
			RAGMs:            latencies.RAGMs,
			LLMMs:            latencies.LLMMs,
			TTSMs:            latencies.TTSMs,
			TotalMs:          latencies.TotalMs,
		}
		archiveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.archive.SaveTurn(archiveCtx, rec); err != nil {
			log.Printf("turn: archive save session=%s turn=%s: %v", tc.SessionID, tc.ID, err)
		}
	}
}
