package external

import (
	"context"
	"testing"
	"time"
)

func drainASR(t *testing.T, events <-chan ASREvent, n int) []ASREvent {
	t.Helper()
	var got []ASREvent
	for i := 0; i < n; i++ {
		select {
		case e := <-events:
			got = append(got, e)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for ASR event %d", i)
		}
	}
	return got
}

func TestMockASRSessionFinalizeWithoutChunksYieldsEmptyTranscript(t *testing.T) {
	ctx := context.Background()
	c := NewMockASRClient()
	sess, events, err := c.StartSession(ctx, "s1")
	if err != nil {
		t.Fatalf("StartSession error = %v", err)
	}
	if err := sess.Finalize(ctx); err != nil {
		t.Fatalf("Finalize error = %v", err)
	}
	got := drainASR(t, events, 1)
	if got[0].Type != ASREventFinal || got[0].Transcript != "" {
		t.Fatalf("got %+v, want empty final transcript", got[0])
	}
}

func TestMockASRSessionSendThenFinalize(t *testing.T) {
	ctx := context.Background()
	c := NewMockASRClient()
	sess, events, err := c.StartSession(ctx, "s1")
	if err != nil {
		t.Fatalf("StartSession error = %v", err)
	}
	if err := sess.SendAudioChunk(ctx, "abc"); err != nil {
		t.Fatalf("SendAudioChunk error = %v", err)
	}
	if err := sess.Finalize(ctx); err != nil {
		t.Fatalf("Finalize error = %v", err)
	}
	got := drainASR(t, events, 2)
	if got[0].Type != ASREventInterim {
		t.Fatalf("first event type = %v, want interim", got[0].Type)
	}
	if got[1].Type != ASREventFinal || got[1].Transcript == "" {
		t.Fatalf("second event = %+v, want non-empty final", got[1])
	}
	sess.Close()
}

func TestMockRAGClientCapsAtTopK(t *testing.T) {
	c := NewMockRAGClient()
	chunks, err := c.Search(context.Background(), "hello", nil, 2, 0.75)
	if err != nil {
		t.Fatalf("Search error = %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(chunks))
	}
}

func TestMockRAGClientEmptyQueryReturnsNoChunks(t *testing.T) {
	c := NewMockRAGClient()
	chunks, err := c.Search(context.Background(), "  ", nil, 5, 0.75)
	if err != nil {
		t.Fatalf("Search error = %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("len(chunks) = %d, want 0", len(chunks))
	}
}

func TestMockLLMClientStreamsTokens(t *testing.T) {
	c := NewMockLLMClient()
	var tokens []string
	full, err := c.StreamResponse(context.Background(), LLMRequest{Transcript: "turn the lights on"}, func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamResponse error = %v", err)
	}
	if len(tokens) == 0 {
		t.Fatalf("got no tokens")
	}
	if full == "" {
		t.Fatalf("got empty full response")
	}
}

func TestMockLLMClientRespectsCancellation(t *testing.T) {
	c := NewMockLLMClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.StreamResponse(ctx, LLMRequest{Transcript: "a fairly long sentence to stream"}, func(string) error {
		return nil
	})
	if err == nil {
		t.Fatalf("StreamResponse error = nil, want context.Canceled")
	}
}

func TestMockTTSStreamEmitsAudioThenCloses(t *testing.T) {
	c := NewMockTTSClient()
	ctx := context.Background()
	stream, err := c.StartStream(ctx, "voice-1")
	if err != nil {
		t.Fatalf("StartStream error = %v", err)
	}
	if err := stream.SendText(ctx, "hello there"); err != nil {
		t.Fatalf("SendText error = %v", err)
	}
	select {
	case e := <-stream.Events():
		if e.Type != TTSEventAudio || e.AudioBase64 == "" {
			t.Fatalf("got %+v, want audio event with payload", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for audio event")
	}
	if err := stream.CloseInput(ctx); err != nil {
		t.Fatalf("CloseInput error = %v", err)
	}
	if _, ok := <-stream.Events(); ok {
		t.Fatalf("events channel still open after CloseInput")
	}
}

func TestMockLipsyncStreamForksFrames(t *testing.T) {
	c := NewMockLipsyncClient()
	ctx := context.Background()
	stream, err := c.StartStream(ctx, "s1")
	if err != nil {
		t.Fatalf("StartStream error = %v", err)
	}
	if err := stream.SendAudioChunk(ctx, "YWJj"); err != nil {
		t.Fatalf("SendAudioChunk error = %v", err)
	}
	select {
	case e := <-stream.Events():
		if e.Type != LipsyncEventFrame || e.FrameData == "" {
			t.Fatalf("got %+v, want frame event with payload", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for frame event")
	}
	stream.Close()
}
