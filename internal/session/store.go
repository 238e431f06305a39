// Package session implements the Session Store: the per-connection
// conversation record, its TTL, and the periodic expiry sweep. State
// mutation is delegated to internal/conversation, the only authority on
// legal transitions.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaylabs/voicebridge/internal/conversation"
)

// ErrNotFound is returned by lookups that find no live (unexpired) session.
var ErrNotFound = errors.New("session not found")

// StageLatencies carries the per-stage timing recorded for one Turn.
type StageLatencies struct {
	ASRMs   int64
	RAGMs   int64
	LLMMs   int64
	TTSMs   int64
	TotalMs int64
}

// Turn is one user-utterance -> clone-response exchange, committed to a
// Session's history exactly once after completion.
type Turn struct {
	ID                 string
	SessionID          string
	Timestamp          time.Time
	UserTranscript     string
	TranscriptConfid   float64
	RetrievedChunks    []string
	LLMResponse        string
	Latencies          StageLatencies
}

// Session is the persistent record of one conversation.
type Session struct {
	ID               string
	UserID           string
	ConnectionID     string
	State            conversation.State
	ConversationHist []Turn
	CreatedAt        time.Time
	LastActivityAt   time.Time
	ExpiresAt        time.Time
	Metadata         map[string]any
}

func clone(s *Session) *Session {
	c := *s
	c.ConversationHist = append([]Turn(nil), s.ConversationHist...)
	c.Metadata = make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// Store is a concurrent-safe Session Store. One sync.RWMutex guards the
// whole map: every mutation takes the write lock, so mutations are
// serialized across all session ids, and a mutation on one id blocks
// mutations and reads on every other id while it runs. Reads share the
// read lock with each other. There is no per-id locking.
type Store struct {
	mu               sync.RWMutex
	sessions         map[string]*Session
	byConnection     map[string]string
	ttl              time.Duration
	onExpire         func(*Session)
}

// NewStore constructs a Store whose sessions slide their expiry forward by
// ttl on every update.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Store{
		sessions:     make(map[string]*Session),
		byConnection: make(map[string]string),
		ttl:          ttl,
	}
}

// SetExpireHook installs a callback invoked once per session removed by
// CleanupExpired.
func (s *Store) SetExpireHook(hook func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExpire = hook
}

// Create allocates a fresh session in state IDLE. It honors ctx: if ctx is
// already done by the time Create runs, no session is allocated and Create
// returns nil. The in-memory map write itself never blocks, so this only
// ever triggers when the caller hands Create a context whose deadline has
// already elapsed (e.g. a bounded session-creation budget that expired
// earlier in the request).
func (s *Store) Create(ctx context.Context, userID, connectionID string) *Session {
	if err := ctx.Err(); err != nil {
		return nil
	}
	now := time.Now().UTC()
	sess := &Session{
		ID:               uuid.NewString(),
		UserID:           userID,
		ConnectionID:     connectionID,
		State:            conversation.Idle,
		CreatedAt:        now,
		LastActivityAt:   now,
		ExpiresAt:        now.Add(s.ttl),
		Metadata:         make(map[string]any),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	if connectionID != "" {
		s.byConnection[connectionID] = sess.ID
	}
	return clone(sess)
}

// FindByID returns a session only if it exists and has not expired.
func (s *Store) FindByID(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(id)
}

func (s *Store) findLocked(id string) (*Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !sess.ExpiresAt.After(time.Now().UTC()) {
		return nil, ErrNotFound
	}
	return clone(sess), nil
}

// FindByConnectionID returns the session currently bound to connectionID,
// applying the same expiry rule as FindByID.
func (s *Store) FindByConnectionID(connectionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byConnection[connectionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.findLocked(id)
}

// Update overwrites state and history for sess.ID, refreshing
// lastActivityAt and sliding expiresAt forward.
func (s *Store) Update(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[sess.ID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	existing.State = sess.State
	existing.ConversationHist = append([]Turn(nil), sess.ConversationHist...)
	existing.Metadata = sess.Metadata
	existing.LastActivityAt = now
	existing.ExpiresAt = now.Add(s.ttl)
	return nil
}

// Delete removes a single session.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	if sess.ConnectionID != "" && s.byConnection[sess.ConnectionID] == id {
		delete(s.byConnection, sess.ConnectionID)
	}
}

// DeleteByConnectionID removes every session bound to connectionID
// (normally at most one).
func (s *Store) DeleteByConnectionID(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byConnection[connectionID]
	if !ok {
		return
	}
	delete(s.sessions, id)
	delete(s.byConnection, connectionID)
}

// CleanupExpired deletes every session with expiresAt <= now and returns
// the count removed.
func (s *Store) CleanupExpired() int {
	now := time.Now().UTC()
	var expired []*Session

	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.ExpiresAt.After(now) {
			continue
		}
		delete(s.sessions, id)
		if sess.ConnectionID != "" && s.byConnection[sess.ConnectionID] == id {
			delete(s.byConnection, sess.ConnectionID)
		}
		expired = append(expired, sess)
	}
	hook := s.onExpire
	s.mu.Unlock()

	if hook != nil {
		for _, sess := range expired {
			hook(sess)
		}
	}
	return len(expired)
}

// TransitionResult is the {previousState, currentState} pair returned by a
// successful TransitionState call.
type TransitionResult struct {
	PreviousState conversation.State
	CurrentState  conversation.State
}

// TransitionState is the only entry point for changing a session's state.
// It performs an atomic read-validate-write guarded by the store's mutex,
// delegating legality to internal/conversation.
func (s *Store) TransitionState(id string, newState conversation.State) (TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return TransitionResult{}, ErrNotFound
	}

	prev := sess.State
	cur, err := conversation.Transition(prev, newState)
	if err != nil {
		return TransitionResult{}, err
	}

	now := time.Now().UTC()
	sess.State = cur
	sess.LastActivityAt = now
	sess.ExpiresAt = now.Add(s.ttl)
	return TransitionResult{PreviousState: prev, CurrentState: cur}, nil
}

// AppendTurn commits t to the session's history exactly once. It does not
// run through TransitionState since history is append-only and not part of
// the conversation state machine.
func (s *Store) AppendTurn(id string, t Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	sess.ConversationHist = append(sess.ConversationHist, t)
	sess.LastActivityAt = now
	sess.ExpiresAt = now.Add(s.ttl)
	return nil
}

// SetMetadata merges key/value into a session's free-form metadata.
func (s *Store) SetMetadata(id, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.Metadata == nil {
		sess.Metadata = make(map[string]any)
	}
	sess.Metadata[key] = value
	return nil
}

// StartSweep runs CleanupExpired on interval until ctx is cancelled,
// logging the count removed each pass.
func (s *Store) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.CleanupExpired(); n > 0 {
					log.Printf("session sweep: removed %d expired session(s)", n)
				}
			}
		}
	}()
}

// Count returns the number of live (unexpired as of the call) sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	n := 0
	for _, sess := range s.sessions {
		if sess.ExpiresAt.After(now) {
			n++
		}
	}
	return n
}
