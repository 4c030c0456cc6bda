package clock

import (
	"testing"
	"time"

	"courseescrow/escrow"
)

func TestBlockCountsWholeIntervals(t *testing.T) {
	genesis := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := genesis
	b := NewBlock(genesis, time.Minute).WithNow(func() time.Time { return now })

	if got := b.Now(); got != 0 {
		t.Fatalf("expected height 0 at genesis, got %d", got)
	}
	now = genesis.Add(150 * time.Second)
	if got := b.Now(); got != 2 {
		t.Fatalf("expected height 2, got %d", got)
	}
}

func TestBlockNeverDecreases(t *testing.T) {
	genesis := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := genesis.Add(10 * time.Minute)
	b := NewBlock(genesis, time.Minute).WithNow(func() time.Time { return now })

	if got := b.Now(); got != 10 {
		t.Fatalf("expected height 10, got %d", got)
	}
	now = genesis.Add(3 * time.Minute)
	if got := b.Now(); got != 10 {
		t.Fatalf("expected clock to hold at 10 after wall clock stepped back, got %d", got)
	}
}

func TestBlockBeforeGenesisIsZero(t *testing.T) {
	genesis := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBlock(genesis, 0).WithNow(func() time.Time { return genesis.Add(-time.Hour) })
	if got := b.Now(); got != 0 {
		t.Fatalf("expected height 0 before genesis, got %d", got)
	}
}

func TestManual(t *testing.T) {
	m := NewManual(5)
	if got := m.Advance(10); got != 15 {
		t.Fatalf("expected 15 after advance, got %d", got)
	}
	m.Set(3)
	if got := m.Now(); got != 15 {
		t.Fatalf("expected Set backwards to be ignored, got %d", got)
	}
	m.Set(escrow.Height(100))
	if got := m.Now(); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
}
