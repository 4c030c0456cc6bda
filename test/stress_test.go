package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"courseescrow/clock"
	"courseescrow/escrow"
	"courseescrow/outbox"
	"courseescrow/test/actors"
	"courseescrow/test/chaos"
	"courseescrow/test/infra"
	"courseescrow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of payer/payee pairs")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flDecline     = flag.Float64("decline-rate", 0.05, "fraction of transfers failed on purpose")
	flKill        = flag.Bool("kill-backends", false, "terminate random Postgres backends during the run")
)

const (
	arbitrator     = escrow.Principal("arbiter")
	vault          = escrow.Principal("escrow-vault")
	startingFunds  = 1_000_000
	stressWindow   = 25
	heightInterval = 40 * time.Millisecond
)

func TestEscrowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	seed := *flSeed

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	pg, err := infra.Acquire(ctx, *flDSN)
	if errors.Is(err, infra.ErrNoPostgres) {
		t.Skip("no postgres available (dsn, docker or local)")
	}
	if err != nil {
		t.Fatalf("acquire postgres: %v", err)
	}
	defer pg.Close(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, pg.DSN, pg.Shared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	store := escrow.NewPGStore(pool)
	payers, payees := mustSeed(t, ctx, store, *flConcurrency)
	params := oracles.Params{Vault: string(vault), Supply: int64(len(payers)) * startingFunds}

	flaky := chaos.NewFlakyStore(store, *flDecline, seed)
	heights := clock.NewManual(1)
	engine := escrow.NewEngine(flaky, escrow.NewGuard(arbitrator, vault), heights).
		WithWindow(stressWindow).
		WithLogger(log.New(io.Discard, "", 0))

	stats := &actors.Stats{}
	stop := make(chan struct{})
	g, ctx2 := errgroup.WithContext(ctx)

	for i := range payers {
		payer, payee, offset := payers[i], payees[i], int64(i)*7
		g.Go(func() error { return actors.Payer(ctx2, engine, payer, payees, seed+offset, stats, stop) })
		g.Go(func() error { return actors.Payee(ctx2, engine, payee, seed+offset+1, stats, stop) })
	}
	g.Go(func() error { return actors.Arbitrator(ctx2, engine, arbitrator, seed+1000, stats, stop) })
	g.Go(func() error { return actors.Reaper(ctx2, engine, "reaper", seed+2000, stats, stop) })
	g.Go(func() error { return actors.Ticker(ctx2, heights, heightInterval, stop) })

	relayCtx, stopRelay := context.WithCancel(ctx2)
	defer stopRelay()
	relay := outbox.NewRelay(store, outbox.LogEmitter{Logger: log.New(io.Discard, "", 0)}).
		WithInterval(200 * time.Millisecond).
		WithLogger(log.New(io.Discard, "", 0))
	g.Go(func() error { return relay.Run(relayCtx) })

	if *flKill {
		go chaos.TerminateRandomBackend(ctx2, pool, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	check := func() bool {
		name, row, err := oracles.Run(ctx2, pool, params)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false
			}
			t.Fatalf("oracle error: %v", err)
		}
		if name != "" {
			dumpRecent(t, ctx2, pool)
			t.Fatalf("Oracle %s failed. First row: %s (seed=%d, %s)", name, row, seed, stats)
		}
		return true
	}

loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if !check() {
				break loop
			}
		}
	}

	close(stop)
	stopRelay()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("actors errored: %v", err)
	}
	check()

	t.Logf("seed=%d %s declined=%d", seed, stats, flaky.Declined())
	if stats.Initiated.Load() == 0 {
		t.Fatalf("no escrow was ever initiated")
	}
	if n := stats.Internal.Load(); n > 0 && !*flKill {
		t.Fatalf("%d unexpected internal errors, last: %v", n, stats.LastError.Load())
	}
}

// mustSeed funds n payers and names n payees.
func mustSeed(t *testing.T, ctx context.Context, store *escrow.PGStore, n int) (payers, payees []escrow.Principal) {
	t.Helper()
	for i := 0; i < n; i++ {
		payer := escrow.Principal(fmt.Sprintf("learner-%d", i))
		if err := store.Credit(ctx, payer, startingFunds); err != nil {
			t.Fatalf("seed %s: %v", payer, err)
		}
		payers = append(payers, payer)
		payees = append(payees, escrow.Principal(fmt.Sprintf("instructor-%d", i)))
	}
	return payers, payees
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"escrows", `SELECT id, payer, payee, amount, status, created_at, expires_at, completed FROM escrows ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT seq, escrow_id, kind, actor, height, published_at FROM outbox ORDER BY seq DESC LIMIT 50`},
		{"accounts", `SELECT principal, balance FROM accounts ORDER BY principal`},
		{"escrow_counter", `SELECT last_id FROM escrow_counter`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
