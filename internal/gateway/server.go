// Package gateway implements the Gateway Server: the single WebSocket
// upgrade path, authentication, session creation, heartbeat, and inbound
// dispatch that every client connection passes through.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaylabs/voicebridge/internal/auth"
	"github.com/relaylabs/voicebridge/internal/config"
	"github.com/relaylabs/voicebridge/internal/observability"
	"github.com/relaylabs/voicebridge/internal/protocol"
	"github.com/relaylabs/voicebridge/internal/registry"
	"github.com/relaylabs/voicebridge/internal/router"
	"github.com/relaylabs/voicebridge/internal/session"
)

// UpgradePath is the fixed path every client connects to: retained for
// client compatibility even though the framing underneath is plain JSON,
// not the proprietary protocol the path name suggests.
const UpgradePath = "/socket.io/"

// Server is the Gateway Server: it upgrades HTTP connections, authenticates
// them, creates a Session, and pumps inbound/outbound envelopes for the
// lifetime of the connection.
type Server struct {
	cfg      config.Config
	sessions *session.Store
	registry *registry.Registry
	verifier *auth.Verifier
	router   *router.Router
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	shutdownCtx context.Context
	shutdown    context.CancelFunc
}

// New constructs a Server wired to its collaborators.
func New(cfg config.Config, sessions *session.Store, reg *registry.Registry, verifier *auth.Verifier, rt *router.Router, metrics *observability.Metrics) *Server {
	shutdownCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		sessions:    sessions,
		registry:    reg,
		verifier:    verifier,
		router:      rt,
		metrics:     metrics,
		shutdownCtx: shutdownCtx,
		shutdown:    cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	return s
}

// Routes returns the HTTP handler exposing the upgrade path plus the health
// and metrics endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get(UpgradePath, s.handleUpgrade)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.registry.Count(),
		"sessions":    s.sessions.Count(),
	})
}

// extractToken reads the auth token in a fixed priority order: query
// parameter, Authorization header, then a "token."-prefixed subprotocol
// entry.
func extractToken(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	if h := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	for _, raw := range strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",") {
		p := strings.TrimSpace(raw)
		if strings.HasPrefix(p, "token.") {
			return strings.TrimPrefix(p, "token.")
		}
	}
	return ""
}

func nowMs() int64 { return time.Now().UnixMilli() }

// handleUpgrade is the single entry point for every client connection.
// Every code path, success or failure, produces exactly one of
// session_created or auth_error.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)
	payload, authErr := s.verifier.Verify(token)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	connID := uuid.NewString()
	s.metrics.RecordAttempt(connID)

	if authErr != nil {
		verr, ok := authErr.(*auth.VerifyError)
		if !ok {
			verr = &auth.VerifyError{Code: auth.AuthInvalid, Message: authErr.Error()}
		}
		s.sendAuthFailure(conn, verr)
		_ = closeWithCode(conn, 4001, verr.Message)
		s.metrics.RecordFailure(connID, string(verr.Code))
		return
	}

	// Create honors ctx: a caller whose allotted SessionCreateTimeout has
	// already elapsed gets nil back rather than a session, even though the
	// in-memory map write itself never blocks.
	createCtx, cancelCreate := context.WithTimeout(r.Context(), s.cfg.SessionCreateTimeout)
	sess := s.sessions.Create(createCtx, payload.UserID, connID)
	cancelCreate()
	if sess == nil {
		verr := &auth.VerifyError{Code: auth.SessionCreateFail, Message: "session creation timed out"}
		s.sendAuthFailure(conn, verr)
		_ = closeWithCode(conn, 4001, verr.Message)
		s.metrics.RecordTimeout(connID)
		return
	}

	c := &registry.Connection{
		ID:            connID,
		Socket:        conn,
		UserID:        payload.UserID,
		SessionID:     sess.ID,
		Authenticated: true,
		LastPongAt:    time.Now(),
		CreatedAt:     time.Now(),
	}
	s.registry.Register(c)
	s.metrics.RecordSuccess(connID)

	if err := s.registry.SendToSession(sess.ID, mustEnvelope(protocol.KindSessionCreated, sess.ID, map[string]any{
		"sessionId": sess.ID,
		"userId":    payload.UserID,
		"isGuest":   payload.IsGuest,
		"timestamp": nowMs(),
	})); err != nil {
		log.Printf("gateway: send session_created conn=%s: %v", connID, err)
	}
	s.metrics.SetActive(s.registry.Count())

	s.runConnection(conn, connID, sess.ID)
}

func (s *Server) sendAuthFailure(conn *websocket.Conn, verr *auth.VerifyError) {
	env := mustEnvelope(protocol.KindAuthError, "", map[string]any{
		"code":      verr.Code,
		"message":   verr.Message,
		"timestamp": nowMs(),
	})
	_ = conn.WriteJSON(env)
}

func mustEnvelope(kind protocol.Kind, sessionID string, data any) protocol.Envelope {
	env, err := protocol.New(kind, sessionID, data, nowMs())
	if err != nil {
		// data is always a literal map constructed above; a marshal failure
		// here would indicate a programming error, not a runtime condition.
		log.Printf("gateway: build envelope kind=%s: %v", kind, err)
		return protocol.Envelope{}
	}
	return env
}

func closeWithCode(conn *websocket.Conn, code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}

// runConnection owns one authenticated connection for its lifetime: a read
// pump dispatching inbound envelopes to the Message Router, and a heartbeat
// loop enforcing the configured heartbeat interval and connection timeout.
func (s *Server) runConnection(conn *websocket.Conn, connID, sessionID string) {
	ctx, cancel := context.WithCancel(s.shutdownCtx)
	defer cancel()

	conn.SetReadLimit(2 << 20)

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeatLoop(ctx, conn, connID, sessionID, cancel)
	}()

	s.readLoop(ctx, conn, connID, sessionID)

	cancel()
	<-heartbeatDone
	s.registry.Unregister(connID)
	s.sessions.DeleteByConnectionID(connID)
	s.metrics.RecordDisconnection(connID)
	s.metrics.SetActive(s.registry.Count())
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, connID, sessionID string) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		env, err := protocol.Deserialize(data)
		if err != nil {
			_ = s.registry.SendToSession(sessionID, mustEnvelope(protocol.KindError, sessionID, map[string]any{
				"errorCode":    "INVALID_MESSAGE",
				"errorMessage": err.Error(),
				"recoverable":  true,
			}))
			continue
		}

		switch env.Type {
		case protocol.KindPong:
			if c, err := s.registry.ByConnectionID(connID); err == nil {
				c.Touch()
			}
		case protocol.KindPing:
			_ = s.registry.SendToSession(sessionID, mustEnvelope(protocol.KindPong, sessionID, map[string]any{"timestamp": nowMs()}))
		default:
			s.router.Dispatch(ctx, sessionID, env)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Server) heartbeatLoop(ctx context.Context, conn *websocket.Conn, connID, sessionID string, cancel context.CancelFunc) {
	pingTicker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer pingTicker.Stop()
	checkTicker := time.NewTicker(s.cfg.HeartbeatInterval / 2)
	defer checkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			_ = s.registry.SendToSession(sessionID, mustEnvelope(protocol.KindPing, sessionID, map[string]any{"timestamp": nowMs()}))
		case <-checkTicker.C:
			c, err := s.registry.ByConnectionID(connID)
			if err != nil {
				return
			}
			if time.Since(c.LastSeen()) > s.cfg.ConnectionTimeout {
				_ = closeWithCode(conn, 4002, "Connection timeout")
				cancel()
				return
			}
		}
	}
}

// Shutdown closes every live connection with close code 1001 and stops
// accepting new heartbeat/read work.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown()
	s.registry.CloseAll(1001, "Server shutting down")
	return nil
}
