// Package router implements the Message Router: it interprets inbound
// client envelopes, drives session-state transitions, and hands audio and
// control signals to the Turn Orchestrator.
package router

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/relaylabs/voicebridge/internal/conversation"
	"github.com/relaylabs/voicebridge/internal/protocol"
	"github.com/relaylabs/voicebridge/internal/session"
)

// Sender delivers an envelope to whatever connection is currently bound to
// sessionId.
type Sender interface {
	SendToSession(sessionID string, v any) error
}

// Orchestrator is the subset of the Turn Orchestrator the router drives.
type Orchestrator interface {
	HandleAudioChunk(ctx context.Context, sessionID, audioBase64 string) error
	HandleEndUtterance(ctx context.Context, sessionID string) error
	CancelTurn(sessionID string)
}

// Router dispatches one connection's inbound client envelopes. Dispatch is
// synchronous per message: each envelope is fully handled before the next
// is read off the connection.
type Router struct {
	sessions     *session.Store
	turns        Orchestrator
	sender       Sender
	settleWindow time.Duration
}

// New constructs a Router. settleWindow bounds how long an interruption is
// allowed to hold the session in INTERRUPTED before returning to LISTENING;
// <= 0 uses the default of 200ms.
func New(sessions *session.Store, turns Orchestrator, sender Sender, settleWindow time.Duration) *Router {
	if settleWindow <= 0 {
		settleWindow = 200 * time.Millisecond
	}
	return &Router{sessions: sessions, turns: turns, sender: sender, settleWindow: settleWindow}
}

func nowMs() int64 { return time.Now().UnixMilli() }

func (r *Router) send(sessionID string, kind protocol.Kind, data any) {
	env, err := protocol.New(kind, sessionID, data, nowMs())
	if err != nil {
		log.Printf("router: build envelope kind=%s session=%s: %v", kind, sessionID, err)
		return
	}
	if err := r.sender.SendToSession(sessionID, env); err != nil {
		log.Printf("router: send kind=%s session=%s: %v", kind, sessionID, err)
	}
}

func (r *Router) sendInternalError(sessionID string, cause error) {
	r.send(sessionID, protocol.KindError, map[string]any{
		"errorCode":    "INTERNAL_ERROR",
		"errorMessage": cause.Error(),
		"recoverable":  true,
	})
}

func (r *Router) sendStateError(sessionID string, from, to conversation.State, cause error) {
	r.send(sessionID, protocol.KindStateError, map[string]any{
		"attemptedTransition": map[string]any{"from": from, "to": to},
		"errorMessage":        cause.Error(),
		"timestamp":           nowMs(),
	})
}

// Dispatch handles one inbound client envelope for sessionID. It never
// panics out to the caller and the session is left in place. A panic, and
// any handler error without a more specific code, is reported as an `error`
// envelope with errorCode INTERNAL_ERROR, recoverable=true; an illegal state
// transition is reported as `state:error`, and malformed audio_chunk data as
// an `error` envelope with errorCode INVALID_MESSAGE.
func (r *Router) Dispatch(ctx context.Context, sessionID string, env protocol.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.sendInternalError(sessionID, fmt.Errorf("panic handling %s: %v", env.Type, rec))
		}
	}()

	switch env.Type {
	case protocol.KindAudioChunk:
		r.handleAudioChunk(ctx, sessionID, env)
	case protocol.KindEndUtterance:
		r.handleEndUtterance(ctx, sessionID)
	case protocol.KindInterruption:
		r.handleInterruption(ctx, sessionID, env)
	case protocol.KindRetryASR:
		r.handleRetryASR(sessionID)
	default:
		log.Printf("router: dropping unknown kind %q for session %s", env.Type, sessionID)
	}
}

type audioChunkData struct {
	SequenceNumber int    `json:"sequenceNumber"`
	AudioData      string `json:"audioData"`
}

// handleAudioChunk transitions IDLE -> LISTENING on the first chunk of an
// utterance, then always forwards the chunk to the orchestrator.
func (r *Router) handleAudioChunk(ctx context.Context, sessionID string, env protocol.Envelope) {
	var data audioChunkData
	if err := env.DecodeData(&data); err != nil {
		r.send(sessionID, protocol.KindError, map[string]any{
			"errorCode":    "INVALID_MESSAGE",
			"errorMessage": err.Error(),
			"recoverable":  true,
		})
		return
	}

	sess, err := r.sessions.FindByID(sessionID)
	if err != nil {
		r.sendInternalError(sessionID, err)
		return
	}
	if sess.State == conversation.Idle {
		if _, err := r.sessions.TransitionState(sessionID, conversation.Listening); err != nil {
			r.sendStateError(sessionID, sess.State, conversation.Listening, err)
			return
		}
	}

	if err := r.turns.HandleAudioChunk(ctx, sessionID, data.AudioData); err != nil {
		r.sendInternalError(sessionID, fmt.Errorf("handle audio chunk: %w", err))
	}
}

// handleEndUtterance transitions LISTENING -> PROCESSING and signals the
// orchestrator to finalize ASR.
func (r *Router) handleEndUtterance(ctx context.Context, sessionID string) {
	sess, err := r.sessions.FindByID(sessionID)
	if err != nil {
		r.sendInternalError(sessionID, err)
		return
	}
	if _, err := r.sessions.TransitionState(sessionID, conversation.Processing); err != nil {
		r.sendStateError(sessionID, sess.State, conversation.Processing, err)
		return
	}
	if err := r.turns.HandleEndUtterance(ctx, sessionID); err != nil {
		r.sendInternalError(sessionID, fmt.Errorf("handle end utterance: %w", err))
	}
}

type interruptionData struct {
	TurnIndex *int `json:"turnIndex,omitempty"`
}

// handleInterruption transitions to INTERRUPTED, records the event,
// cancels the active turn, notifies the client, and returns the session to
// LISTENING within the settle window.
func (r *Router) handleInterruption(ctx context.Context, sessionID string, env protocol.Envelope) {
	var data interruptionData
	_ = env.DecodeData(&data) // turnIndex is optional; absence is not an error

	sess, err := r.sessions.FindByID(sessionID)
	if err != nil {
		r.sendInternalError(sessionID, err)
		return
	}
	if _, err := r.sessions.TransitionState(sessionID, conversation.Interrupted); err != nil {
		r.sendStateError(sessionID, sess.State, conversation.Interrupted, err)
		return
	}

	if err := r.sessions.SetMetadata(sessionID, "lastInterruption", map[string]any{
		"turnIndex": data.TurnIndex,
		"at":        time.Now().UTC(),
	}); err != nil {
		log.Printf("router: record interruption metadata session=%s: %v", sessionID, err)
	}

	r.turns.CancelTurn(sessionID)

	r.send(sessionID, protocol.KindConversationInterrupt, map[string]any{
		"turnIndex": data.TurnIndex,
		"timestamp": nowMs(),
	})

	time.Sleep(r.settleWindow)

	if _, err := r.sessions.TransitionState(sessionID, conversation.Listening); err != nil {
		log.Printf("router: settle to LISTENING session=%s: %v", sessionID, err)
	}
}

// handleRetryASR acknowledges a client's request to retry ASR without
// mutating session state.
func (r *Router) handleRetryASR(sessionID string) {
	r.send(sessionID, protocol.KindASRRetryAcknowledged, map[string]any{
		"message": "Retrying speech recognition, please continue speaking.",
	})
}
