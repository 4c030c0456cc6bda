package chaos

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"courseescrow/escrow"
)

// ErrDeclined is what an injected transfer failure looks like to the engine.
var ErrDeclined = errors.New("chaos: transfer declined")

// FlakyStore wraps a Store whose transactions move funds themselves and makes
// a fraction of those transfers fail before they reach the ledger.
type FlakyStore struct {
	escrow.Store

	rate     float64
	mu       sync.Mutex
	rng      *rand.Rand
	declined atomic.Int64
}

func NewFlakyStore(inner escrow.Store, rate float64, seed int64) *FlakyStore {
	return &FlakyStore{Store: inner, rate: rate, rng: rand.New(rand.NewSource(seed))}
}

func (s *FlakyStore) Begin(ctx context.Context) (escrow.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyTx{Tx: tx, store: s}, nil
}

// Declined reports how many transfers were failed on purpose.
func (s *FlakyStore) Declined() int64 { return s.declined.Load() }

func (s *FlakyStore) roll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.rate
}

type flakyTx struct {
	escrow.Tx
	store *FlakyStore
}

func (t *flakyTx) Transfer(ctx context.Context, from, to escrow.Principal, amount uint64) error {
	if t.store.roll() {
		t.store.declined.Add(1)
		return ErrDeclined
	}
	gateway, ok := t.Tx.(escrow.TransferGateway)
	if !ok {
		return errors.New("chaos: wrapped tx cannot transfer")
	}
	return gateway.Transfer(ctx, from, to, amount)
}

// TerminateRandomBackend occasionally kills another backend connected to the
// current database.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
			}
		}
	}
}
