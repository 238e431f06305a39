package external

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPLLMClientStreamsTokensUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatalf("ResponseWriter does not support flushing")
		}
		frames := []string{
			`data: {"token":"Hel"}`,
			"",
			`data: {"token":"lo"}`,
			"",
			"data: [DONE]",
			"",
		}
		for _, line := range frames {
			w.Write([]byte(line + "\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := NewHTTPLLMClient(srv.URL)
	var tokens []string
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	full, err := c.StreamResponse(ctx, LLMRequest{Transcript: "hi"}, func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamResponse error = %v", err)
	}
	if full != "Hello" {
		t.Fatalf("full = %q, want %q", full, "Hello")
	}
	if strings.Join(tokens, "") != "Hello" {
		t.Fatalf("tokens joined = %q, want %q", strings.Join(tokens, ""), "Hello")
	}
}

func TestParseLLMTokenFallsBackToRawOnNonJSON(t *testing.T) {
	if got := parseLLMToken("plain text delta"); got != "plain text delta" {
		t.Fatalf("parseLLMToken = %q, want raw passthrough", got)
	}
}

func TestParseLLMTokenPrefersTokenField(t *testing.T) {
	if got := parseLLMToken(`{"token":"a","text":"b"}`); got != "a" {
		t.Fatalf("parseLLMToken = %q, want %q", got, "a")
	}
}
