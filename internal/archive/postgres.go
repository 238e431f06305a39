package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the turn archive in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turn_archive (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			user_transcript TEXT NOT NULL,
			transcript_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			retrieved_chunks TEXT[] NOT NULL DEFAULT '{}',
			llm_response TEXT NOT NULL,
			asr_ms BIGINT NOT NULL DEFAULT 0,
			rag_ms BIGINT NOT NULL DEFAULT 0,
			llm_ms BIGINT NOT NULL DEFAULT 0,
			tts_ms BIGINT NOT NULL DEFAULT 0,
			total_ms BIGINT NOT NULL DEFAULT 0,
			persisted_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turn_archive_session_ts ON turn_archive (session_id, ts);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.PersistedAt.IsZero() {
		record.PersistedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO turn_archive
			(id, session_id, user_id, ts, user_transcript, transcript_confidence,
			 retrieved_chunks, llm_response, asr_ms, rag_ms, llm_ms, tts_ms, total_ms, persisted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		record.ID,
		record.SessionID,
		record.UserID,
		record.Timestamp,
		record.UserTranscript,
		record.TranscriptConfid,
		record.RetrievedChunks,
		record.LLMResponse,
		record.ASRMs,
		record.RAGMs,
		record.LLMMs,
		record.TTSMs,
		record.TotalMs,
		record.PersistedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, user_id, ts, user_transcript, transcript_confidence,
		        retrieved_chunks, llm_response, asr_ms, rag_ms, llm_ms, tts_ms, total_ms, persisted_at
		 FROM turn_archive WHERE session_id=$1 ORDER BY ts DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.SessionID, &r.UserID, &r.Timestamp, &r.UserTranscript,
			&r.TranscriptConfid, &r.RetrievedChunks, &r.LLMResponse, &r.ASRMs, &r.RAGMs,
			&r.LLMMs, &r.TTSMs, &r.TotalMs, &r.PersistedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
