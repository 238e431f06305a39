// Package archive persists a durable projection of completed Turns. It is a
// write-only collaborator: the orchestrator writes to it and never reads it
// back, but a real in-memory and Postgres-backed implementation are
// provided so the write path has something concrete to call.
package archive

import (
	"context"
	"strings"
	"time"
)

// Record is the durable projection of a session.Turn written after
// completeTurn: the Turn's fields with its stage latencies flattened into
// per-stage millisecond columns, plus the session's UserID and a
// PersistedAt timestamp.
type Record struct {
	ID               string
	SessionID        string
	UserID           string
	Timestamp        time.Time
	UserTranscript   string
	TranscriptConfid float64
	RetrievedChunks  []string
	LLMResponse      string
	ASRMs            int64
	RAGMs            int64
	LLMMs            int64
	TTSMs            int64
	TotalMs          int64
	PersistedAt      time.Time
}

// Store writes completed turns to durable storage. Turns are write-only
// from the orchestrator's perspective; RecentTurns exists for operational
// tooling and future context-window reconstruction, not the hot path.
type Store interface {
	SaveTurn(ctx context.Context, record Record) error
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]Record, error)
	Close() error
}

// NewStore returns a Postgres-backed store when dsn is non-empty,
// otherwise an in-memory store suitable for local development and tests.
func NewStore(ctx context.Context, dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, dsn)
}
