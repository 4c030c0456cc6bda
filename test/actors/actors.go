package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"courseescrow/clock"
	"courseescrow/escrow"
)

// Stats counts what the actors observed. Rejections are expected under
// contention; Internal is anything outside the escrow error taxonomy.
type Stats struct {
	Initiated atomic.Int64
	Released  atomic.Int64
	Refunded  atomic.Int64
	Completed atomic.Int64
	Reviewed  atomic.Int64
	Rejected  atomic.Int64
	Internal  atomic.Int64
	LastError atomic.Value
}

func (s *Stats) observe(err error, ok *atomic.Int64) {
	switch {
	case err == nil:
		if ok != nil {
			ok.Add(1)
		}
	case escrow.KindOf(err) == escrow.KindInternal:
		s.Internal.Add(1)
		s.LastError.Store(err.Error())
	default:
		s.Rejected.Add(1)
	}
}

func (s *Stats) String() string {
	return fmt.Sprintf("initiated=%d released=%d refunded=%d completed=%d reviewed=%d rejected=%d internal=%d",
		s.Initiated.Load(), s.Released.Load(), s.Refunded.Load(), s.Completed.Load(),
		s.Reviewed.Load(), s.Rejected.Load(), s.Internal.Load())
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(rng *rand.Rand, min, spread int) {
	time.Sleep(time.Duration(min+rng.Intn(spread)) * time.Millisecond)
}

// randomID picks an existing id, or 0 before anything was issued.
func randomID(ctx context.Context, engine *escrow.Engine, rng *rand.Rand) escrow.ID {
	latest, err := engine.LatestID(ctx)
	if err != nil || latest == 0 {
		return 0
	}
	return escrow.ID(1 + rng.Int63n(int64(latest)))
}

// Payer locks funds for random payees and releases or reviews its own escrows.
func Payer(ctx context.Context, engine *escrow.Engine, payer escrow.Principal, payees []escrow.Principal, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	var mine []escrow.ID
	for !stopped(ctx, stop) {
		switch roll := rng.Intn(10); {
		case roll < 5 || len(mine) == 0:
			payee := payees[rng.Intn(len(payees))]
			id, err := engine.Initiate(ctx, payer, payee, uint64(1+rng.Intn(50)))
			stats.observe(err, &stats.Initiated)
			if err == nil {
				mine = append(mine, id)
			}
		case roll < 8:
			id := mine[rng.Intn(len(mine))]
			stats.observe(engine.Release(ctx, payer, id), &stats.Released)
		default:
			id := mine[rng.Intn(len(mine))]
			stats.observe(engine.SubmitReview(ctx, payer, id, fmt.Sprintf("review %d", rng.Int())), &stats.Reviewed)
		}
		pause(rng, 5, 20)
	}
	return nil
}

// Payee marks random escrows completed. Most attempts hit records of other
// payees and are rejected.
func Payee(ctx context.Context, engine *escrow.Engine, payee escrow.Principal, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for !stopped(ctx, stop) {
		if id := randomID(ctx, engine, rng); id != 0 {
			stats.observe(engine.MarkCompleted(ctx, payee, id), &stats.Completed)
		}
		pause(rng, 5, 20)
	}
	return nil
}

// Arbitrator forces random outcomes on random escrows.
func Arbitrator(ctx context.Context, engine *escrow.Engine, arbitrator escrow.Principal, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for !stopped(ctx, stop) {
		if id := randomID(ctx, engine, rng); id != 0 {
			if rng.Intn(2) == 0 {
				stats.observe(engine.Resolve(ctx, arbitrator, id, escrow.StatusReleased), &stats.Released)
			} else {
				stats.observe(engine.Resolve(ctx, arbitrator, id, escrow.StatusRefunded), &stats.Refunded)
			}
		}
		pause(rng, 30, 60)
	}
	return nil
}

// Reaper refunds expired escrows on behalf of nobody in particular.
func Reaper(ctx context.Context, engine *escrow.Engine, caller escrow.Principal, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for !stopped(ctx, stop) {
		if id := randomID(ctx, engine, rng); id != 0 {
			stats.observe(engine.Refund(ctx, caller, id), &stats.Refunded)
		}
		pause(rng, 10, 30)
	}
	return nil
}

// Ticker advances the height so windows lapse during the run.
func Ticker(ctx context.Context, clk *clock.Manual, every time.Duration, stop <-chan struct{}) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-t.C:
			clk.Advance(1)
		}
	}
}
