package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaylabs/voicebridge/internal/reliability"
)

// RAGError wraps a failed retrieval call with whether the caller should
// retry it. A RAG failure falls back to empty chunks rather than failing
// the turn outright, but the orchestrator still benefits from knowing
// whether the failure was transient.
type RAGError struct {
	StatusCode int
	Retryable  bool
	err        error
}

func (e *RAGError) Error() string { return e.err.Error() }
func (e *RAGError) Unwrap() error { return e.err }

// HTTPRAGClient performs one blocking retrieval query per turn against a
// JSON HTTP endpoint.
type HTTPRAGClient struct {
	endpoint string
	client   *http.Client
}

func NewHTTPRAGClient(endpoint string) *HTTPRAGClient {
	return &HTTPRAGClient{
		endpoint: strings.TrimSpace(endpoint),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type ragSearchRequest struct {
	Query               string   `json:"query"`
	History             []string `json:"history,omitempty"`
	TopK                int      `json:"top_k"`
	SimilarityThreshold float64  `json:"similarity_threshold"`
}

type ragSearchResponse struct {
	Chunks []struct {
		Content string `json:"content"`
	} `json:"chunks"`
}

func (c *HTTPRAGClient) Search(ctx context.Context, query string, history []string, topK int, similarityThreshold float64) ([]RAGChunk, error) {
	payload, err := json.Marshal(ragSearchRequest{
		Query:               query,
		History:             history,
		TopK:                topK,
		SimilarityThreshold: similarityThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rag request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create rag request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send rag request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, &RAGError{
			StatusCode: res.StatusCode,
			Retryable:  reliability.IsRetryableHTTPStatus(res.StatusCode),
			err:        fmt.Errorf("rag http status %d: %s", res.StatusCode, string(body)),
		}
	}

	var parsed ragSearchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode rag response: %w", err)
	}

	chunks := make([]RAGChunk, 0, len(parsed.Chunks))
	for _, c := range parsed.Chunks {
		chunks = append(chunks, RAGChunk{Content: c.Content})
	}
	return chunks, nil
}
