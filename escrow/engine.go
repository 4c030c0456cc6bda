package escrow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/blake2b"
)

// Engine orchestrates escrow transitions. Each mutating operation loads the
// record inside a store transaction, consults the Guard and the Clock, moves
// funds through the TransferGateway, and appends one outbox event before
// committing.
type Engine struct {
	store     Store
	guard     Guard
	clock     Clock
	gateway   TransferGateway
	allocator Allocator
	window    Height
	logger    *log.Logger
	tracer    trace.Tracer
	idGen     func() string
	now       func() time.Time
}

// NewEngine wires an engine over store. Without WithGateway, funds are moved
// by the store transaction itself, which must then implement TransferGateway.
func NewEngine(store Store, guard Guard, clock Clock) *Engine {
	return &Engine{
		store:  store,
		guard:  guard,
		clock:  clock,
		window: DefaultExpirationWindow,
		logger: log.Default(),
		tracer: otel.Tracer("courseescrow/escrow"),
		idGen:  func() string { return uuid.NewString() },
		now:    time.Now,
	}
}

func (e *Engine) WithGateway(gateway TransferGateway) *Engine {
	e.gateway = gateway
	return e
}

func (e *Engine) WithWindow(window Height) *Engine {
	if window > 0 {
		e.window = window
	}
	return e
}

func (e *Engine) WithLogger(logger *log.Logger) *Engine {
	if logger != nil {
		e.logger = logger
	}
	return e
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGen = gen
	return e
}

func (e *Engine) WithWallClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Guard returns the authorization rules the engine enforces.
func (e *Engine) Guard() Guard { return e.guard }

// Initiate locks amount from payer in the vault and opens a new record.
func (e *Engine) Initiate(ctx context.Context, payer, payee Principal, amount uint64) (id ID, err error) {
	ctx, span := e.tracer.Start(ctx, "escrow.Initiate")
	defer func() { endSpan(span, err) }()

	if payer == "" {
		return 0, ErrUnauthorized
	}
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	if !e.guard.IsValidCounterparty(payer, payee) {
		return 0, ErrInvalidCounterparty
	}

	err = e.inTx(ctx, func(tx Tx) error {
		next, err := e.allocator.Next(ctx, tx)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		rec := Record{
			ID:        next,
			Payer:     payer,
			Payee:     payee,
			Amount:    amount,
			Status:    StatusLocked,
			CreatedAt: now,
			ExpiresAt: now + e.window,
		}
		if err := tx.Insert(ctx, rec); err != nil {
			return fmt.Errorf("escrow: insert: %w", err)
		}
		payload := map[string]any{
			"payer":      string(payer),
			"payee":      string(payee),
			"amount":     amount,
			"expires_at": uint64(rec.ExpiresAt),
		}
		if err := e.enqueue(ctx, tx, EventEscrowInitialized, rec.ID, payer, now, payload); err != nil {
			return err
		}
		if err := e.transfer(ctx, tx, payer, e.guard.Vault(), amount); err != nil {
			return err
		}
		id = next
		return nil
	})
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int64("escrow.id", int64(id)))
	return id, nil
}

// Release pays the payee. Only the payer or the arbitrator may release, and
// only before the window lapses.
func (e *Engine) Release(ctx context.Context, caller Principal, id ID) (err error) {
	ctx, span := e.tracer.Start(ctx, "escrow.Release", trace.WithAttributes(attribute.Int64("escrow.id", int64(id))))
	defer func() { endSpan(span, err) }()

	return e.inTx(ctx, func(tx Tx) error {
		rec, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if !e.guard.CanFinalize(caller, rec) {
			return ErrUnauthorized
		}
		if rec.Status != StatusLocked {
			return ErrAlreadyProcessed
		}
		now := e.clock.Now()
		if now >= rec.ExpiresAt {
			return ErrExpired
		}
		return e.settle(ctx, tx, rec, StatusReleased, caller, now)
	})
}

// Refund returns funds to the payer. The arbitrator may refund at any time;
// anyone may once the window has lapsed.
func (e *Engine) Refund(ctx context.Context, caller Principal, id ID) (err error) {
	ctx, span := e.tracer.Start(ctx, "escrow.Refund", trace.WithAttributes(attribute.Int64("escrow.id", int64(id))))
	defer func() { endSpan(span, err) }()

	return e.inTx(ctx, func(tx Tx) error {
		rec, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		if !e.guard.CanReimburse(caller, rec, now) {
			return ErrUnauthorized
		}
		if rec.Status != StatusLocked {
			return ErrAlreadyProcessed
		}
		return e.settle(ctx, tx, rec, StatusRefunded, caller, now)
	})
}

// Resolve lets the arbitrator force a terminal outcome. The transition rules
// of Release and Refund still apply.
func (e *Engine) Resolve(ctx context.Context, caller Principal, id ID, outcome Status) error {
	if !e.guard.IsArbitrator(caller) {
		return ErrUnauthorized
	}
	switch outcome {
	case StatusReleased:
		return e.Release(ctx, caller, id)
	case StatusRefunded:
		return e.Refund(ctx, caller, id)
	default:
		return ErrInvalidOutcome
	}
}

// MarkCompleted records the payee's claim that the course was delivered. It
// moves no funds and repeating it is a no-op.
func (e *Engine) MarkCompleted(ctx context.Context, caller Principal, id ID) (err error) {
	ctx, span := e.tracer.Start(ctx, "escrow.MarkCompleted", trace.WithAttributes(attribute.Int64("escrow.id", int64(id))))
	defer func() { endSpan(span, err) }()

	return e.inTx(ctx, func(tx Tx) error {
		rec, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if !e.guard.CanMarkCompleted(caller, rec) {
			return ErrUnauthorized
		}
		if rec.Status != StatusLocked {
			return ErrAlreadyProcessed
		}
		now := e.clock.Now()
		if now >= rec.ExpiresAt {
			return ErrExpired
		}
		if rec.Completed {
			return nil
		}
		rec.Completed = true
		if err := tx.Update(ctx, rec); err != nil {
			return fmt.Errorf("escrow: update: %w", err)
		}
		return e.enqueue(ctx, tx, EventCourseMarkedCompleted, rec.ID, caller, now, map[string]any{
			"payee": string(rec.Payee),
		})
	})
}

// SubmitReview overwrites the payer's feedback. Allowed in any status.
func (e *Engine) SubmitReview(ctx context.Context, caller Principal, id ID, feedback string) (err error) {
	ctx, span := e.tracer.Start(ctx, "escrow.SubmitReview", trace.WithAttributes(attribute.Int64("escrow.id", int64(id))))
	defer func() { endSpan(span, err) }()

	return e.inTx(ctx, func(tx Tx) error {
		rec, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if !e.guard.CanReview(caller, rec) {
			return ErrUnauthorized
		}
		if err := ValidateFeedback(feedback); err != nil {
			return err
		}
		rec.Feedback = feedback
		if err := tx.Update(ctx, rec); err != nil {
			return fmt.Errorf("escrow: update: %w", err)
		}
		return e.enqueue(ctx, tx, EventReviewAdded, rec.ID, caller, e.clock.Now(), map[string]any{
			"feedback_digest": FeedbackDigest(feedback),
			"feedback_length": utf8.RuneCountInString(feedback),
		})
	})
}

// Get is the public read of a record.
func (e *Engine) Get(ctx context.Context, id ID) (Record, error) {
	return e.store.Get(ctx, id)
}

// LatestID returns the last issued id, 0 before the first escrow.
func (e *Engine) LatestID(ctx context.Context) (ID, error) {
	return e.store.LatestID(ctx)
}

func (e *Engine) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	return e.store.List(ctx, filter.normalize())
}

// ValidateFeedback enforces the review bound.
func ValidateFeedback(feedback string) error {
	if !utf8.ValidString(feedback) {
		return fmt.Errorf("%w: not valid utf-8", ErrInvalidFeedback)
	}
	if n := utf8.RuneCountInString(feedback); n > MaxFeedbackLength {
		return fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidFeedback, n, MaxFeedbackLength)
	}
	return nil
}

// FeedbackDigest is the hex blake2b-256 of the review text.
func FeedbackDigest(feedback string) string {
	sum := blake2b.Sum256([]byte(feedback))
	return hex.EncodeToString(sum[:])
}

func (e *Engine) settle(ctx context.Context, tx Tx, rec Record, to Status, caller Principal, now Height) error {
	var (
		recipient Principal
		kind      EventKind
		payload   map[string]any
	)
	switch to {
	case StatusReleased:
		recipient = rec.Payee
		kind = EventPaymentTransferred
		payload = map[string]any{"payee": string(rec.Payee), "amount": rec.Amount}
	case StatusRefunded:
		recipient = rec.Payer
		kind = EventLearnerRefunded
		payload = map[string]any{"payer": string(rec.Payer), "amount": rec.Amount}
	case StatusLocked:
		return fmt.Errorf("escrow: settle to non-terminal %s", to)
	default:
		return fmt.Errorf("escrow: settle to unknown %s", to)
	}

	rec.Status = to
	if err := tx.Update(ctx, rec); err != nil {
		return fmt.Errorf("escrow: update: %w", err)
	}
	if err := e.enqueue(ctx, tx, kind, rec.ID, caller, now, payload); err != nil {
		return err
	}
	return e.transfer(ctx, tx, e.guard.Vault(), recipient, rec.Amount)
}

func (e *Engine) transfer(ctx context.Context, tx Tx, from, to Principal, amount uint64) error {
	gateway := e.gateway
	if gateway == nil {
		g, ok := tx.(TransferGateway)
		if !ok {
			return fmt.Errorf("escrow: no transfer gateway configured")
		}
		gateway = g
	}
	if err := gateway.Transfer(ctx, from, to, amount); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %s -> %s: %v", ErrTransferFailed, from, to, err)
	}
	return nil
}

func (e *Engine) enqueue(ctx context.Context, tx Tx, kind EventKind, id ID, actor Principal, height Height, payload map[string]any) error {
	evt := Event{
		ID:        e.idGen(),
		Kind:      kind,
		EscrowID:  id,
		Actor:     actor,
		Height:    height,
		Payload:   payload,
		CreatedAt: e.now().UTC(),
	}
	if err := tx.Enqueue(ctx, evt); err != nil {
		return fmt.Errorf("escrow: enqueue %s: %w", kind, err)
	}
	return nil
}

// inTx runs fn inside a store transaction, committing only when fn succeeds.
func (e *Engine) inTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		e.logger.Printf("escrow: commit failed: %v", err)
		return fmt.Errorf("escrow: commit: %w", err)
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("escrow.error_kind", string(KindOf(err))))
		if KindOf(err) == KindInternal {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}
