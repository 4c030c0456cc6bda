package ledger

import (
	"context"
	"errors"
	"math"
	"testing"

	"courseescrow/escrow"
)

func TestTransferMovesFunds(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Credit(ctx, "alice", 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := m.Transfer(ctx, "alice", "vault", 40); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got, _ := m.Balance(ctx, "alice"); got != 60 {
		t.Fatalf("expected alice=60, got %d", got)
	}
	if got, _ := m.Balance(ctx, "vault"); got != 40 {
		t.Fatalf("expected vault=40, got %d", got)
	}
}

func TestTransferInsufficientFundsMovesNothing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Credit(ctx, "alice", 10)

	err := m.Transfer(ctx, "alice", "vault", 11)
	if !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got, _ := m.Balance(ctx, "alice"); got != 10 {
		t.Fatalf("expected alice untouched at 10, got %d", got)
	}
	if got, _ := m.Balance(ctx, "vault"); got != 0 {
		t.Fatalf("expected vault empty, got %d", got)
	}
}

func TestTransferRejectsOverflow(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Credit(ctx, "alice", 5)
	_ = m.Credit(ctx, "bob", math.MaxUint64)

	if err := m.Transfer(ctx, "alice", "bob", 5); err == nil {
		t.Fatal("expected overflow error")
	}
	if got, _ := m.Balance(ctx, "alice"); got != 5 {
		t.Fatalf("expected alice untouched, got %d", got)
	}
}

func TestTransferHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMemory()
	if err := m.Transfer(ctx, "a", "b", 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
