package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courseescrow/clock"
	"courseescrow/escrow"
	"courseescrow/ledger"
)

type fakeSource struct {
	mu        sync.Mutex
	events    []escrow.Event
	published map[string]bool
	markCalls int
}

func newFakeSource(n int) *fakeSource {
	src := &fakeSource{published: map[string]bool{}}
	for i := 1; i <= n; i++ {
		src.events = append(src.events, escrow.Event{
			ID:       fmt.Sprintf("evt-%d", i),
			Kind:     escrow.EventEscrowInitialized,
			EscrowID: escrow.ID(i),
		})
	}
	return src
}

func (f *fakeSource) Pending(ctx context.Context, limit int) ([]escrow.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []escrow.Event
	for _, evt := range f.events {
		if f.published[evt.ID] {
			continue
		}
		out = append(out, evt)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) MarkPublished(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markCalls++
	for _, id := range ids {
		f.published[id] = true
	}
	return nil
}

func (f *fakeSource) isPublished(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[id]
}

type recordingEmitter struct {
	seen   []string
	failOn string
}

func (r *recordingEmitter) Emit(ctx context.Context, evt escrow.Event) error {
	if evt.ID == r.failOn {
		return errors.New("sink down")
	}
	r.seen = append(r.seen, evt.ID)
	return nil
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestFlushDrainsInBatches(t *testing.T) {
	src := newFakeSource(5)
	em := &recordingEmitter{}
	relay := NewRelay(src, em).WithBatchSize(2).WithLogger(quietLogger())

	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"evt-1", "evt-2", "evt-3", "evt-4", "evt-5"}, em.seen)
	assert.Equal(t, 3, src.markCalls)

	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFlushStopsAtFirstFailure(t *testing.T) {
	src := newFakeSource(4)
	em := &recordingEmitter{failOn: "evt-3"}
	relay := NewRelay(src, em).WithLogger(quietLogger())

	n, err := relay.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, src.published["evt-2"])
	assert.False(t, src.published["evt-3"])
	assert.False(t, src.published["evt-4"])

	em.failOn = ""
	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"evt-1", "evt-2", "evt-3", "evt-4"}, em.seen)
}

func TestRunStopsOnCancel(t *testing.T) {
	src := newFakeSource(1)
	em := &recordingEmitter{}
	relay := NewRelay(src, em).WithInterval(10 * time.Millisecond).WithLogger(quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return src.isPublished("evt-1") }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}

func TestRelayOverMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	funds := ledger.NewMemory()
	require.NoError(t, funds.Credit(ctx, "learner", 100))
	engine := escrow.NewEngine(store, escrow.NewGuard("arbiter", "vault"), clock.NewManual(1)).
		WithGateway(funds)

	id, err := engine.Initiate(ctx, "learner", "instructor", 60)
	require.NoError(t, err)
	require.NoError(t, engine.Release(ctx, "learner", id))

	em := &recordingEmitter{}
	n, err := NewRelay(store, em).Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := store.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

type fakeStream struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", f.err)
}

func TestRedisEmitterWritesStreamEntry(t *testing.T) {
	stream := &fakeStream{}
	em := NewRedisEmitter(stream, "").WithMaxLen(1000)
	evt := escrow.Event{
		ID:        "evt-9",
		Kind:      escrow.EventPaymentTransferred,
		EscrowID:  9,
		Actor:     "learner",
		Height:    42,
		Payload:   map[string]any{"amount": 10},
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	require.NoError(t, em.Emit(context.Background(), evt))
	require.Len(t, stream.args, 1)
	got := stream.args[0]
	assert.Equal(t, "escrow.events", got.Stream)
	assert.Equal(t, int64(1000), got.MaxLen)
	assert.True(t, got.Approx)

	values, ok := got.Values.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "payment_transferred", values["kind"])
	assert.Equal(t, "9", values["escrow_id"])
	assert.Equal(t, "42", values["height"])
	assert.JSONEq(t, `{"amount":10}`, values["payload"].(string))
}

func TestRedisEmitterPropagatesError(t *testing.T) {
	em := NewRedisEmitter(&fakeStream{err: errors.New("connection refused")}, "s")
	err := em.Emit(context.Background(), escrow.Event{ID: "x"})
	require.Error(t, err)
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingEmitter{}
	bad := &recordingEmitter{failOn: "evt-1"}
	err := Fanout{ok, bad, LogEmitter{Logger: quietLogger()}}.Emit(context.Background(), escrow.Event{ID: "evt-1"})
	require.Error(t, err)
	assert.Equal(t, []string{"evt-1"}, ok.seen)
}
