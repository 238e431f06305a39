package archive

import (
	"context"
	"testing"
)

func TestInMemoryStoreSaveAndRecentTurns(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	for i := 0; i < 3; i++ {
		if err := s.SaveTurn(ctx, Record{SessionID: "sess-1", UserTranscript: "hello"}); err != nil {
			t.Fatalf("SaveTurn error = %v", err)
		}
	}

	got, err := s.RecentTurns(ctx, "sess-1", 2)
	if err != nil {
		t.Fatalf("RecentTurns error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	for _, r := range got {
		if r.ID == "" {
			t.Fatalf("record ID not assigned")
		}
		if r.PersistedAt.IsZero() {
			t.Fatalf("PersistedAt not set")
		}
	}
}

func TestInMemoryStoreRecentTurnsUnknownSession(t *testing.T) {
	s := NewInMemoryStore()
	got, err := s.RecentTurns(context.Background(), "missing", 5)
	if err != nil {
		t.Fatalf("RecentTurns error = %v", err)
	}
	if got != nil {
		t.Fatalf("got = %v, want nil", got)
	}
}

func TestInMemoryStoreLimitClampedToAvailable(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	s.SaveTurn(ctx, Record{SessionID: "sess-1"})

	got, err := s.RecentTurns(ctx, "sess-1", 50)
	if err != nil {
		t.Fatalf("RecentTurns error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
}
