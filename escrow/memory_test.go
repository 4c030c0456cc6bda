package escrow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryTxCommitAppliesAll(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Insert(ctx, Record{ID: 1, Payer: "a", Payee: "b", Amount: 5, Status: StatusLocked}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.SetCounter(ctx, 1); err != nil {
		t.Fatalf("set counter: %v", err)
	}
	if err := tx.Enqueue(ctx, Event{ID: "e1", Kind: EventEscrowInitialized, EscrowID: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Get(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected staged insert to be invisible before commit, got %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := s.Get(ctx, 1); err != nil {
		t.Fatalf("get after commit: %v", err)
	}
	if id, _ := s.LatestID(ctx); id != 1 {
		t.Fatalf("expected latest id 1, got %d", id)
	}
	if got := len(s.Events()); got != 1 {
		t.Fatalf("expected 1 event, got %d", got)
	}
}

func TestMemoryTxRollbackDiscards(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tx, _ := s.Begin(ctx)
	_ = tx.Insert(ctx, Record{ID: 1, Status: StatusLocked})
	_ = tx.SetCounter(ctx, 1)
	_ = tx.Enqueue(ctx, Event{ID: "e1"})
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("second rollback should be a no-op, got %v", err)
	}
	if err := tx.Commit(ctx); !errors.Is(err, errTxDone) {
		t.Fatalf("expected errTxDone on commit after rollback, got %v", err)
	}

	if _, err := s.Get(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no record, got %v", err)
	}
	if id, _ := s.LatestID(ctx); id != 0 {
		t.Fatalf("expected counter 0, got %d", id)
	}
	if got := len(s.Events()); got != 0 {
		t.Fatalf("expected no events, got %d", got)
	}
}

func TestMemoryTxSerializesWriters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, _ := s.Begin(ctx)
	acquired := make(chan struct{})
	go func() {
		second, err := s.Begin(ctx)
		if err == nil {
			_ = second.Rollback(ctx)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second writer began while first was open")
	case <-time.After(20 * time.Millisecond):
	}
	_ = first.Commit(ctx)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second writer never acquired the store")
	}
}

func TestMemoryInsertRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	tx, _ := s.Begin(ctx)
	defer tx.Rollback(ctx)

	if err := tx.Insert(ctx, Record{ID: 1}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Insert(ctx, Record{ID: 1}); err == nil {
		t.Fatal("expected duplicate insert to fail")
	}
	if err := tx.Update(ctx, Record{ID: 2}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update of missing record, got %v", err)
	}
}

func TestMemoryPendingAndPublish(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	tx, _ := s.Begin(ctx)
	for _, id := range []string{"a", "b", "c"} {
		_ = tx.Enqueue(ctx, Event{ID: id})
	}
	_ = tx.Commit(ctx)

	pending, _ := s.Pending(ctx, 2)
	if len(pending) != 2 || pending[0].ID != "a" || pending[1].ID != "b" {
		t.Fatalf("unexpected pending: %+v", pending)
	}
	_ = s.MarkPublished(ctx, []string{"a"})
	pending, _ = s.Pending(ctx, 10)
	if len(pending) != 2 || pending[0].ID != "b" {
		t.Fatalf("unexpected pending after publish: %+v", pending)
	}
	if got := len(s.Events()); got != 3 {
		t.Fatalf("expected history to keep all events, got %d", got)
	}
}
