package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/relaylabs/voicebridge/internal/archive"
	"github.com/relaylabs/voicebridge/internal/auth"
	"github.com/relaylabs/voicebridge/internal/config"
	"github.com/relaylabs/voicebridge/internal/external"
	"github.com/relaylabs/voicebridge/internal/gateway"
	"github.com/relaylabs/voicebridge/internal/observability"
	"github.com/relaylabs/voicebridge/internal/registry"
	"github.com/relaylabs/voicebridge/internal/router"
	"github.com/relaylabs/voicebridge/internal/session"
	"github.com/relaylabs/voicebridge/internal/turn"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	archiveStore, err := archive.NewStore(ctx, cfg.ArchiveDSN)
	if err != nil {
		log.Fatalf("archive store init failed: %v", err)
	}
	defer archiveStore.Close()

	asr := resolveASRClient(cfg)
	rag := resolveRAGClient(cfg)
	llm := resolveLLMClient(cfg)
	tts := resolveTTSClient(cfg)
	lipsync := resolveLipsyncClient(cfg)

	sessions := session.NewStore(cfg.SessionTTL)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SetActive(int64(sessions.Count()))
	})

	reg := registry.New()

	turnCfg := turn.DefaultConfig()
	turnCfg.ASRDeadline = cfg.ASRDeadline
	turnCfg.RAGDeadline = cfg.RAGDeadline
	turnCfg.LLMDeadline = cfg.LLMDeadline
	turnCfg.TTSDeadline = cfg.TTSDeadline
	turnCfg.LipsyncDeadline = cfg.LipsyncDeadline
	turnCfg.RAGHistoryTurns = cfg.RAGHistoryTurns
	turnCfg.RAGTopK = cfg.RAGTopK
	turnCfg.RAGSimilarity = cfg.RAGSimilarity
	turnCfg.InterruptSettleWindow = time.Duration(cfg.InterruptionGraceMS) * time.Millisecond

	orchestrator := turn.New(turnCfg, sessions, reg, archiveStore, metrics, asr, rag, llm, tts, lipsync)

	msgRouter := router.New(sessions, orchestrator, reg, turnCfg.InterruptSettleWindow)

	verifier := &auth.Verifier{Secret: []byte(cfg.JWTSecret), GuestTTL: cfg.GuestTTL}

	gw := gateway.New(cfg, sessions, reg, verifier, msgRouter, metrics)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Routes(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartSweep(runCtx, cfg.SessionSweepInterval)

	go func() {
		log.Printf("voicebridge gateway listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Printf("gateway shutdown failed: %v", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// resolveASRClient picks the WebSocket ASR client when an endpoint is
// configured, falling back to the in-process mock so local development
// never requires a live ASR vendor account.
func resolveASRClient(cfg config.Config) external.ASRClient {
	if endpoint := strings.TrimSpace(cfg.ASREndpoint); endpoint != "" {
		return external.NewWSASRClient(endpoint)
	}
	log.Printf("APP_ASR_ENDPOINT unset, using mock ASR client")
	return external.NewMockASRClient()
}

func resolveRAGClient(cfg config.Config) external.RAGClient {
	if endpoint := strings.TrimSpace(cfg.RAGEndpoint); endpoint != "" {
		return external.NewHTTPRAGClient(endpoint)
	}
	log.Printf("APP_RAG_ENDPOINT unset, using mock RAG client")
	return external.NewMockRAGClient()
}

func resolveLLMClient(cfg config.Config) external.LLMClient {
	if endpoint := strings.TrimSpace(cfg.LLMEndpoint); endpoint != "" {
		return external.NewHTTPLLMClient(endpoint)
	}
	log.Printf("APP_LLM_ENDPOINT unset, using mock LLM client")
	return external.NewMockLLMClient()
}

func resolveTTSClient(cfg config.Config) external.TTSClient {
	if endpoint := strings.TrimSpace(cfg.TTSEndpoint); endpoint != "" {
		return external.NewWSTTSClient(endpoint)
	}
	log.Printf("APP_TTS_ENDPOINT unset, using mock TTS client")
	return external.NewMockTTSClient()
}

func resolveLipsyncClient(cfg config.Config) external.LipsyncClient {
	if endpoint := strings.TrimSpace(cfg.LipsyncEndpoint); endpoint != "" {
		return external.NewWSLipsyncClient(endpoint)
	}
	log.Printf("APP_LIPSYNC_ENDPOINT unset, using mock LIPSYNC client")
	return external.NewMockLipsyncClient()
}
