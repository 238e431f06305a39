package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaylabs/voicebridge/internal/conversation"
	"github.com/relaylabs/voicebridge/internal/protocol"
	"github.com/relaylabs/voicebridge/internal/session"
)

type fakeSender struct {
	mu  sync.Mutex
	env []protocol.Envelope
}

func (f *fakeSender) SendToSession(sessionID string, v any) error {
	env, ok := v.(protocol.Envelope)
	if !ok {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.env = append(f.env, env)
	return nil
}

func (f *fakeSender) kinds() []protocol.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Kind, len(f.env))
	for i, e := range f.env {
		out[i] = e.Type
	}
	return out
}

func (f *fakeSender) last() protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.env[len(f.env)-1]
}

type fakeOrchestrator struct {
	mu            sync.Mutex
	audioChunks   []string
	endUtterances int
	cancelled     []string
	audioErr      error
	endErr        error
}

func (f *fakeOrchestrator) HandleAudioChunk(_ context.Context, _ string, audioBase64 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioChunks = append(f.audioChunks, audioBase64)
	return f.audioErr
}

func (f *fakeOrchestrator) HandleEndUtterance(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endUtterances++
	return f.endErr
}

func (f *fakeOrchestrator) CancelTurn(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sessionID)
}

func mustEnvelope(t *testing.T, kind protocol.Kind, sessionID string, data any) protocol.Envelope {
	t.Helper()
	env, err := protocol.New(kind, sessionID, data, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("protocol.New: %v", err)
	}
	return env
}

func TestAudioChunkTransitionsIdleToListeningAndForwards(t *testing.T) {
	store := session.NewStore(time.Hour)
	sess := store.Create(context.Background(), "user-1", "conn-1")
	orch := &fakeOrchestrator{}
	sender := &fakeSender{}
	r := New(store, orch, sender, 10*time.Millisecond)

	env := mustEnvelope(t, protocol.KindAudioChunk, sess.ID, map[string]any{"sequenceNumber": 0, "audioData": "abc"})
	r.Dispatch(context.Background(), sess.ID, env)

	updated, _ := store.FindByID(sess.ID)
	if updated.State != conversation.Listening {
		t.Fatalf("state = %v, want LISTENING", updated.State)
	}
	if len(orch.audioChunks) != 1 || orch.audioChunks[0] != "abc" {
		t.Fatalf("audioChunks = %v, want [abc]", orch.audioChunks)
	}
}

func TestAudioChunkSecondChunkDoesNotRetransition(t *testing.T) {
	store := session.NewStore(time.Hour)
	sess := store.Create(context.Background(), "user-1", "conn-1")
	store.TransitionState(sess.ID, conversation.Listening)
	orch := &fakeOrchestrator{}
	sender := &fakeSender{}
	r := New(store, orch, sender, 10*time.Millisecond)

	env := mustEnvelope(t, protocol.KindAudioChunk, sess.ID, map[string]any{"sequenceNumber": 1, "audioData": "def"})
	r.Dispatch(context.Background(), sess.ID, env)

	for _, k := range sender.kinds() {
		if k == protocol.KindStateError {
			t.Fatalf("unexpected state:error when already LISTENING")
		}
	}
}

func TestEndUtteranceTransitionsToProcessing(t *testing.T) {
	store := session.NewStore(time.Hour)
	sess := store.Create(context.Background(), "user-1", "conn-1")
	store.TransitionState(sess.ID, conversation.Listening)
	orch := &fakeOrchestrator{}
	sender := &fakeSender{}
	r := New(store, orch, sender, 10*time.Millisecond)

	env := mustEnvelope(t, protocol.KindEndUtterance, sess.ID, map[string]any{})
	r.Dispatch(context.Background(), sess.ID, env)

	updated, _ := store.FindByID(sess.ID)
	if updated.State != conversation.Processing {
		t.Fatalf("state = %v, want PROCESSING", updated.State)
	}
	if orch.endUtterances != 1 {
		t.Fatalf("endUtterances = %d, want 1", orch.endUtterances)
	}
}

func TestEndUtteranceFromIdleProducesStateErrorNotMutation(t *testing.T) {
	store := session.NewStore(time.Hour)
	sess := store.Create(context.Background(), "user-1", "conn-1")
	orch := &fakeOrchestrator{}
	sender := &fakeSender{}
	r := New(store, orch, sender, 10*time.Millisecond)

	env := mustEnvelope(t, protocol.KindEndUtterance, sess.ID, map[string]any{})
	r.Dispatch(context.Background(), sess.ID, env)

	updated, _ := store.FindByID(sess.ID)
	if updated.State != conversation.Idle {
		t.Fatalf("state = %v, want IDLE (unchanged)", updated.State)
	}
	last := sender.last()
	if last.Type != protocol.KindStateError {
		t.Fatalf("last envelope kind = %v, want state:error", last.Type)
	}
	if orch.endUtterances != 0 {
		t.Fatalf("endUtterances = %d, want 0", orch.endUtterances)
	}
}

func TestInterruptionCancelsTurnAndSettlesToListening(t *testing.T) {
	store := session.NewStore(time.Hour)
	sess := store.Create(context.Background(), "user-1", "conn-1")
	store.TransitionState(sess.ID, conversation.Listening)
	store.TransitionState(sess.ID, conversation.Processing)
	orch := &fakeOrchestrator{}
	sender := &fakeSender{}
	r := New(store, orch, sender, 20*time.Millisecond)

	turnIdx := 3
	env := mustEnvelope(t, protocol.KindInterruption, sess.ID, map[string]any{"turnIndex": turnIdx})

	start := time.Now()
	r.Dispatch(context.Background(), sess.ID, env)
	elapsed := time.Since(start)

	if elapsed < 20*time.Millisecond {
		t.Fatalf("interruption handling returned before settle window elapsed: %s", elapsed)
	}

	updated, _ := store.FindByID(sess.ID)
	if updated.State != conversation.Listening {
		t.Fatalf("state = %v, want LISTENING after settle window", updated.State)
	}

	if len(orch.cancelled) != 1 || orch.cancelled[0] != sess.ID {
		t.Fatalf("cancelled = %v, want [%s]", orch.cancelled, sess.ID)
	}

	var sawInterrupted bool
	for _, env := range sender.env {
		if env.Type == protocol.KindConversationInterrupt {
			sawInterrupted = true
			var data struct {
				TurnIndex int `json:"turnIndex"`
			}
			if err := json.Unmarshal(env.Data, &data); err != nil {
				t.Fatalf("decode conversation:interrupted: %v", err)
			}
			if data.TurnIndex != turnIdx {
				t.Fatalf("turnIndex = %d, want %d", data.TurnIndex, turnIdx)
			}
		}
	}
	if !sawInterrupted {
		t.Fatalf("expected a conversation:interrupted envelope")
	}

	if updated.Metadata["lastInterruption"] == nil {
		t.Fatalf("expected lastInterruption recorded in session metadata")
	}
}

func TestRetryASRAcknowledgesWithoutChangingState(t *testing.T) {
	store := session.NewStore(time.Hour)
	sess := store.Create(context.Background(), "user-1", "conn-1")
	store.TransitionState(sess.ID, conversation.Listening)
	orch := &fakeOrchestrator{}
	sender := &fakeSender{}
	r := New(store, orch, sender, 10*time.Millisecond)

	env := mustEnvelope(t, protocol.KindRetryASR, sess.ID, map[string]any{})
	r.Dispatch(context.Background(), sess.ID, env)

	updated, _ := store.FindByID(sess.ID)
	if updated.State != conversation.Listening {
		t.Fatalf("state = %v, want unchanged LISTENING", updated.State)
	}
	last := sender.last()
	if last.Type != protocol.KindASRRetryAcknowledged {
		t.Fatalf("last envelope kind = %v, want asr_retry_acknowledged", last.Type)
	}
}

func TestUnknownKindIsDroppedSilently(t *testing.T) {
	store := session.NewStore(time.Hour)
	sess := store.Create(context.Background(), "user-1", "conn-1")
	orch := &fakeOrchestrator{}
	sender := &fakeSender{}
	r := New(store, orch, sender, 10*time.Millisecond)

	env := mustEnvelope(t, protocol.Kind("mystery"), sess.ID, map[string]any{})
	r.Dispatch(context.Background(), sess.ID, env)

	if len(sender.kinds()) != 0 {
		t.Fatalf("expected no envelopes for an unknown kind, got %v", sender.kinds())
	}
}

func TestOrchestratorErrorProducesInternalErrorEnvelope(t *testing.T) {
	store := session.NewStore(time.Hour)
	sess := store.Create(context.Background(), "user-1", "conn-1")
	orch := &fakeOrchestrator{audioErr: errors.New("boom")}
	sender := &fakeSender{}
	r := New(store, orch, sender, 10*time.Millisecond)

	env := mustEnvelope(t, protocol.KindAudioChunk, sess.ID, map[string]any{"sequenceNumber": 0, "audioData": "abc"})
	r.Dispatch(context.Background(), sess.ID, env)

	last := sender.last()
	if last.Type != protocol.KindError {
		t.Fatalf("last envelope kind = %v, want error", last.Type)
	}
	var data struct {
		ErrorCode   string `json:"errorCode"`
		Recoverable bool   `json:"recoverable"`
	}
	if err := json.Unmarshal(last.Data, &data); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if data.ErrorCode != "INTERNAL_ERROR" || !data.Recoverable {
		t.Fatalf("error data = %+v, want INTERNAL_ERROR/recoverable", data)
	}
}
