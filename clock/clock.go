// Package clock provides escrow.Clock implementations.
package clock

import (
	"sync"
	"sync/atomic"
	"time"

	"courseescrow/escrow"
)

// Block derives a height from wall time: one height per interval elapsed since
// genesis. Readings never decrease, even if the wall clock steps backwards.
type Block struct {
	genesis  time.Time
	interval time.Duration
	now      func() time.Time
	last     atomic.Uint64
}

func NewBlock(genesis time.Time, interval time.Duration) *Block {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Block{genesis: genesis, interval: interval, now: time.Now}
}

// WithNow replaces the wall clock. Tests only.
func (b *Block) WithNow(now func() time.Time) *Block {
	b.now = now
	return b
}

func (b *Block) Now() escrow.Height {
	var h uint64
	if elapsed := b.now().Sub(b.genesis); elapsed > 0 {
		h = uint64(elapsed / b.interval)
	}
	for {
		prev := b.last.Load()
		if h <= prev {
			return escrow.Height(prev)
		}
		if b.last.CompareAndSwap(prev, h) {
			return escrow.Height(h)
		}
	}
}

// Manual is a clock moved explicitly by its owner.
type Manual struct {
	mu sync.Mutex
	h  escrow.Height
}

func NewManual(start escrow.Height) *Manual {
	return &Manual{h: start}
}

func (m *Manual) Now() escrow.Height {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.h
}

// Set moves the clock to h. Moving backwards is ignored.
func (m *Manual) Set(h escrow.Height) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h > m.h {
		m.h = h
	}
}

func (m *Manual) Advance(d escrow.Height) escrow.Height {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.h += d
	return m.h
}

var (
	_ escrow.Clock = (*Block)(nil)
	_ escrow.Clock = (*Manual)(nil)
)
