package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"courseescrow/escrow"
)

// LogEmitter writes one line per event.
type LogEmitter struct {
	Logger *log.Logger
}

func (e LogEmitter) Emit(ctx context.Context, evt escrow.Event) error {
	logger := e.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("event %s escrow=%d actor=%s height=%d id=%s", evt.Kind, evt.EscrowID, evt.Actor, evt.Height, evt.ID)
	return nil
}

// StreamAdder is the subset of a redis client used by RedisEmitter.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisEmitter appends events to a Redis stream, one entry per event.
type RedisEmitter struct {
	client StreamAdder
	stream string
	maxLen int64
}

func NewRedisEmitter(client StreamAdder, stream string) *RedisEmitter {
	if stream == "" {
		stream = "escrow.events"
	}
	return &RedisEmitter{client: client, stream: stream}
}

// WithMaxLen caps the stream length approximately.
func (e *RedisEmitter) WithMaxLen(n int64) *RedisEmitter {
	e.maxLen = n
	return e
}

func (e *RedisEmitter) Emit(ctx context.Context, evt escrow.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: e.stream,
		Values: map[string]any{
			"id":         evt.ID,
			"kind":       string(evt.Kind),
			"escrow_id":  strconv.FormatUint(uint64(evt.EscrowID), 10),
			"actor":      string(evt.Actor),
			"height":     strconv.FormatUint(uint64(evt.Height), 10),
			"payload":    string(payload),
			"created_at": evt.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if e.maxLen > 0 {
		args.MaxLen = e.maxLen
		args.Approx = true
	}
	return e.client.XAdd(ctx, args).Err()
}

// Fanout emits to every emitter in order and joins their errors.
type Fanout []Emitter

func (f Fanout) Emit(ctx context.Context, evt escrow.Event) error {
	var errs []error
	for _, e := range f {
		if err := e.Emit(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Emitter = LogEmitter{}
	_ Emitter = (*RedisEmitter)(nil)
	_ Emitter = Fanout(nil)
	_ Source  = (*escrow.MemoryStore)(nil)
	_ Source  = (*escrow.PGStore)(nil)
)
