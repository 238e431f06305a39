package session

import (
	"context"
	"testing"
	"time"

	"github.com/relaylabs/voicebridge/internal/conversation"
)

func TestCreateSetsIdleAndSlidesExpiry(t *testing.T) {
	store := NewStore(time.Minute)
	sess := store.Create(context.Background(), "user-1", "conn-1")

	if sess.State != conversation.Idle {
		t.Fatalf("Create state = %v, want IDLE", sess.State)
	}
	if !sess.ExpiresAt.After(time.Now().UTC()) {
		t.Fatalf("Create expiresAt = %v, want in the future", sess.ExpiresAt)
	}
	if len(sess.ConversationHist) != 0 {
		t.Fatalf("Create history = %v, want empty", sess.ConversationHist)
	}
}

func TestCreateReturnsNilForAlreadyDoneContext(t *testing.T) {
	store := NewStore(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if sess := store.Create(ctx, "user-1", "conn-1"); sess != nil {
		t.Fatalf("Create(cancelled ctx) = %+v, want nil", sess)
	}
}

func TestFindByIDExpiryRule(t *testing.T) {
	store := NewStore(time.Millisecond)
	sess := store.Create(context.Background(), "user-1", "conn-1")

	time.Sleep(5 * time.Millisecond)

	if _, err := store.FindByID(sess.ID); err != ErrNotFound {
		t.Fatalf("FindByID(expired) err = %v, want ErrNotFound", err)
	}
}

func TestFindByConnectionID(t *testing.T) {
	store := NewStore(time.Minute)
	sess := store.Create(context.Background(), "user-1", "conn-1")

	got, err := store.FindByConnectionID("conn-1")
	if err != nil {
		t.Fatalf("FindByConnectionID returned error: %v", err)
	}
	if got.ID != sess.ID {
		t.Fatalf("FindByConnectionID id = %q, want %q", got.ID, sess.ID)
	}
}

func TestTransitionStateAppliesMachineRules(t *testing.T) {
	store := NewStore(time.Minute)
	sess := store.Create(context.Background(), "user-1", "conn-1")

	res, err := store.TransitionState(sess.ID, conversation.Listening)
	if err != nil {
		t.Fatalf("TransitionState(IDLE->LISTENING) returned error: %v", err)
	}
	if res.PreviousState != conversation.Idle || res.CurrentState != conversation.Listening {
		t.Fatalf("TransitionState result = %+v, want {IDLE LISTENING}", res)
	}

	if _, err := store.TransitionState(sess.ID, conversation.Speaking); err == nil {
		t.Fatalf("TransitionState(LISTENING->SPEAKING) = nil error, want error")
	}

	got, err := store.FindByID(sess.ID)
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if got.State != conversation.Listening {
		t.Fatalf("state after rejected transition = %v, want LISTENING unchanged", got.State)
	}
}

func TestTransitionStateUnknownSession(t *testing.T) {
	store := NewStore(time.Minute)
	if _, err := store.TransitionState("missing", conversation.Listening); err != ErrNotFound {
		t.Fatalf("TransitionState(missing) err = %v, want ErrNotFound", err)
	}
}

func TestDeleteByConnectionID(t *testing.T) {
	store := NewStore(time.Minute)
	sess := store.Create(context.Background(), "user-1", "conn-1")

	store.DeleteByConnectionID("conn-1")

	if _, err := store.FindByID(sess.ID); err != ErrNotFound {
		t.Fatalf("FindByID(deleted) err = %v, want ErrNotFound", err)
	}
	if _, err := store.FindByConnectionID("conn-1"); err != ErrNotFound {
		t.Fatalf("FindByConnectionID(deleted) err = %v, want ErrNotFound", err)
	}
}

func TestCleanupExpiredInvokesHookAndReturnsCount(t *testing.T) {
	store := NewStore(time.Millisecond)
	var expiredIDs []string
	store.SetExpireHook(func(s *Session) {
		expiredIDs = append(expiredIDs, s.ID)
	})

	sess := store.Create(context.Background(), "user-1", "conn-1")
	time.Sleep(5 * time.Millisecond)

	n := store.CleanupExpired()
	if n != 1 {
		t.Fatalf("CleanupExpired() = %d, want 1", n)
	}
	if len(expiredIDs) != 1 || expiredIDs[0] != sess.ID {
		t.Fatalf("expire hook ids = %v, want [%s]", expiredIDs, sess.ID)
	}
}

func TestAppendTurnIsAppendOnly(t *testing.T) {
	store := NewStore(time.Minute)
	sess := store.Create(context.Background(), "user-1", "conn-1")

	if err := store.AppendTurn(sess.ID, Turn{ID: "t1", SessionID: sess.ID}); err != nil {
		t.Fatalf("AppendTurn returned error: %v", err)
	}
	if err := store.AppendTurn(sess.ID, Turn{ID: "t2", SessionID: sess.ID}); err != nil {
		t.Fatalf("AppendTurn returned error: %v", err)
	}

	got, err := store.FindByID(sess.ID)
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if len(got.ConversationHist) != 2 {
		t.Fatalf("history length = %d, want 2", len(got.ConversationHist))
	}
	if got.ConversationHist[0].ID != "t1" || got.ConversationHist[1].ID != "t2" {
		t.Fatalf("history order = %v, want [t1 t2]", got.ConversationHist)
	}
}

func TestStartSweepRemovesExpiredOnInterval(t *testing.T) {
	store := NewStore(5 * time.Millisecond)
	store.Create(context.Background(), "user-1", "conn-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.StartSweep(ctx, 10*time.Millisecond)

	time.Sleep(60 * time.Millisecond)

	if got := store.Count(); got != 0 {
		t.Fatalf("Count() after sweep = %d, want 0", got)
	}
	if n := store.CleanupExpired(); n != 0 {
		t.Fatalf("CleanupExpired() after sweep = %d, want 0: the sweep already removed the expired session", n)
	}
}

func TestConcurrentMutationOnDifferentSessionsDoesNotDeadlock(t *testing.T) {
	store := NewStore(time.Minute)
	a := store.Create(context.Background(), "user-a", "conn-a")
	b := store.Create(context.Background(), "user-b", "conn-b")

	done := make(chan struct{}, 2)
	go func() {
		store.TransitionState(a.ID, conversation.Listening)
		done <- struct{}{}
	}()
	go func() {
		store.TransitionState(b.ID, conversation.Listening)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for first transition")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for second transition")
	}
}
