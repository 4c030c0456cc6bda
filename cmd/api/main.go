package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"courseescrow/auth"
	"courseescrow/clock"
	"courseescrow/config"
	"courseescrow/db"
	"courseescrow/escrow"
	"courseescrow/ledger"
	"courseescrow/outbox"
	"courseescrow/sqlitestore"
	"courseescrow/telemetry"
)

func main() {
	log.SetPrefix("[ESCROW] ")
	log.SetFlags(log.LstdFlags | log.LUTC)

	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("escrow api: %v", err)
	}
}

// backend bundles the pieces a storage driver provides.
type backend struct {
	store    escrow.Store
	gateway  escrow.TransferGateway
	balances escrow.BalanceReader
	source   outbox.Source
	credit   func(ctx context.Context, account escrow.Principal, amount uint64) error
	close    func()
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap database pool: %w", err)
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		store := escrow.NewPGStore(pool)
		return &backend{store: store, balances: store, source: store, credit: store.Credit, close: pool.Close}, nil
	case config.DriverSQLite:
		store, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &backend{store: store, balances: store, source: store, credit: store.Credit, close: func() { _ = store.Close() }}, nil
	default:
		store := escrow.NewMemoryStore()
		funds := ledger.NewMemory()
		return &backend{store: store, gateway: funds, balances: funds, source: store, credit: funds.Credit, close: func() {}}, nil
	}
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownTracing, err := telemetry.Setup(ctx, "courseescrow-api", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	tokens, err := auth.NewService(cfg.JWTSecret)
	if err != nil {
		return err
	}
	tokens.WithTTL(cfg.TokenTTL)

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	seeds, err := parseSeed(cfg.Seed)
	if err != nil {
		return err
	}
	for account, amount := range seeds {
		if err := be.credit(ctx, account, amount); err != nil {
			return fmt.Errorf("seed %s: %w", account, err)
		}
		log.Printf("seeded %s with %d", account, amount)
	}

	guard := escrow.NewGuard(escrow.Principal(cfg.Arbitrator), escrow.Principal(cfg.Vault))
	heights := clock.NewBlock(cfg.Genesis, cfg.BlockInterval)
	engine := escrow.NewEngine(be.store, guard, heights).
		WithWindow(escrow.Height(cfg.Window)).
		WithLogger(log.Default())
	if be.gateway != nil {
		engine.WithGateway(be.gateway)
	}

	emitters := outbox.Fanout{outbox.LogEmitter{Logger: log.Default()}}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("redis unavailable, events go to the log only: %v", err)
			_ = rdb.Close()
		} else {
			defer rdb.Close()
			emitters = append(emitters, outbox.NewRedisEmitter(rdb, cfg.RedisStream).WithMaxLen(100_000))
		}
	}
	relay := outbox.NewRelay(be.source, emitters).
		WithInterval(cfg.OutboxPoll).
		WithBatchSize(cfg.OutboxBatch).
		WithLogger(log.Default())

	server := newHTTPServer(cfg.Addr, NewServer(engine, be.balances, tokens, log.Default()).Routes())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("listening on %s (store=%s, height=%d)", cfg.Addr, cfg.Driver, heights.Now())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// parseSeed reads "alice=100,bob=50" into balances to credit.
func parseSeed(raw string) (map[escrow.Principal]uint64, error) {
	out := make(map[escrow.Principal]uint64)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("seed %q: want principal=amount", part)
		}
		amount, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil || amount == 0 {
			return nil, fmt.Errorf("seed %q: amount must be a positive integer", part)
		}
		out[escrow.Principal(name)] += amount
	}
	return out, nil
}
