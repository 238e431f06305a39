package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/r3labs/sse/v2"
)

// HTTPLLMClient streams a response from an OpenAI-style server-sent-events
// endpoint: one POST per turn, one `data: {...}` frame per token, and a
// literal `data: [DONE]` terminator.
type HTTPLLMClient struct {
	endpoint string
	client   *http.Client
}

func NewHTTPLLMClient(endpoint string) *HTTPLLMClient {
	return &HTTPLLMClient{
		endpoint: strings.TrimSpace(endpoint),
		client:   &http.Client{Timeout: 0},
	}
}

type llmRequestPayload struct {
	UserID          string   `json:"user_id"`
	SessionID       string   `json:"session_id"`
	TurnID          string   `json:"turn_id"`
	Transcript      string   `json:"transcript"`
	RetrievedChunks []string `json:"retrieved_chunks,omitempty"`
}

type llmTokenFrame struct {
	Token string `json:"token"`
	Text  string `json:"text"`
	Delta string `json:"delta"`
}

func (c *HTTPLLMClient) StreamResponse(ctx context.Context, req LLMRequest, onToken LLMDeltaHandler) (string, error) {
	payload, err := json.Marshal(llmRequestPayload{
		UserID:          req.UserID,
		SessionID:       req.SessionID,
		TurnID:          req.TurnID,
		Transcript:      req.Transcript,
		RetrievedChunks: req.RetrievedChunks,
	})
	if err != nil {
		return "", fmt.Errorf("marshal llm request: %w", err)
	}

	client := sse.NewClient(c.endpoint)
	client.Method = http.MethodPost
	client.Body = bytes.NewReader(payload)
	client.Headers["Content-Type"] = "application/json"
	client.Connection = c.client

	var (
		sb   strings.Builder
		done bool
	)
	subErr := client.SubscribeWithContext(ctx, "message", func(msg *sse.Event) {
		if done {
			return
		}
		data := strings.TrimSpace(string(msg.Data))
		if data == "" {
			return
		}
		if data == "[DONE]" {
			done = true
			return
		}
		token := parseLLMToken(data)
		if token == "" {
			return
		}
		sb.WriteString(token)
		if onToken != nil {
			if err := onToken(token); err != nil {
				done = true
			}
		}
	})
	if subErr != nil && !done {
		return sb.String(), fmt.Errorf("llm stream: %w", subErr)
	}
	return sb.String(), nil
}

func parseLLMToken(data string) string {
	var frame llmTokenFrame
	if err := json.Unmarshal([]byte(data), &frame); err == nil {
		switch {
		case frame.Token != "":
			return frame.Token
		case frame.Delta != "":
			return frame.Delta
		case frame.Text != "":
			return frame.Text
		}
		return ""
	}
	return data
}
