package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implements Store backed by PostgreSQL. Its transactions also settle
// funds against the accounts table, so a payout commits with the record.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const recordColumns = `id, payer, payee, amount, status, created_at, expires_at, completed, feedback`

func (s *PGStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

func (s *PGStore) Get(ctx context.Context, id ID) (Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM escrows WHERE id = $1`, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: get: %w", err)
	}
	return rec, nil
}

func (s *PGStore) LatestID(ctx context.Context) (ID, error) {
	var last int64
	if err := s.pool.QueryRow(ctx, `SELECT last_id FROM escrow_counter WHERE id = 1`).Scan(&last); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("escrow: latest id: %w", err)
	}
	return ID(last), nil
}

func (s *PGStore) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.Payer != "" {
		args = append(args, string(filter.Payer))
		where = append(where, fmt.Sprintf("payer = $%d", len(args)))
	}
	if filter.Payee != "" {
		args = append(args, string(filter.Payee))
		where = append(where, fmt.Sprintf("payee = $%d", len(args)))
	}
	if filter.Status != 0 {
		args = append(args, filter.Status.String())
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	args = append(args, filter.Limit(), filter.Offset())
	query := fmt.Sprintf(`SELECT %s FROM escrows WHERE %s ORDER BY id DESC LIMIT $%d OFFSET $%d`,
		recordColumns, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("escrow: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, filter.Limit())
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate: %w", err)
	}
	return out, nil
}

// Pending returns unpublished outbox events in append order.
func (s *PGStore) Pending(ctx context.Context, limit int) ([]Event, error) {
	const query = `
		SELECT id::text, kind, escrow_id, actor, height, payload, created_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY seq
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: pending outbox: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var (
			evt      Event
			kind     string
			escrowID int64
			actor    string
			height   int64
			payload  []byte
		)
		if err := rows.Scan(&evt.ID, &kind, &escrowID, &actor, &height, &payload, &evt.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan outbox: %w", err)
		}
		evt.Kind = EventKind(kind)
		evt.EscrowID = ID(escrowID)
		evt.Actor = Principal(actor)
		evt.Height = Height(height)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &evt.Payload); err != nil {
				return nil, fmt.Errorf("escrow: decode outbox payload: %w", err)
			}
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate outbox: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `UPDATE outbox SET published_at = now() WHERE id = ANY($1::uuid[])`, ids); err != nil {
		return fmt.Errorf("escrow: mark published: %w", err)
	}
	return nil
}

func (s *PGStore) Balance(ctx context.Context, account Principal) (uint64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE principal = $1`, string(account)).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("escrow: balance: %w", err)
	}
	return uint64(balance), nil
}

// Credit adds amount to account outside any escrow flow. Used for seeding.
func (s *PGStore) Credit(ctx context.Context, account Principal, amount uint64) error {
	if amount > math.MaxInt64 {
		return ErrInvalidAmount
	}
	if _, err := s.pool.Exec(ctx, creditSQL, string(account), int64(amount)); err != nil {
		return fmt.Errorf("escrow: credit %s: %w", account, err)
	}
	return nil
}

const creditSQL = `
	INSERT INTO accounts (principal, balance)
	VALUES ($1, $2)
	ON CONFLICT (principal) DO UPDATE
	SET balance = accounts.balance + EXCLUDED.balance,
	    updated_at = now()
`

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Get(ctx context.Context, id ID) (Record, error) {
	rec, err := scanRecord(t.tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: lock record: %w", err)
	}
	return rec, nil
}

func (t *pgTx) Insert(ctx context.Context, rec Record) error {
	if rec.Amount > math.MaxInt64 {
		return ErrInvalidAmount
	}
	const insertSQL = `
		INSERT INTO escrows (id, payer, payee, amount, status, created_at, expires_at, completed, feedback)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := t.tx.Exec(ctx, insertSQL,
		int64(rec.ID),
		string(rec.Payer),
		string(rec.Payee),
		int64(rec.Amount),
		rec.Status.String(),
		int64(rec.CreatedAt),
		int64(rec.ExpiresAt),
		rec.Completed,
		rec.Feedback,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("escrow: record %d already exists", rec.ID)
		}
		return err
	}
	return nil
}

func (t *pgTx) Update(ctx context.Context, rec Record) error {
	const updateSQL = `
		UPDATE escrows
		SET status = $2,
		    completed = $3,
		    feedback = $4
		WHERE id = $1
	`
	tag, err := t.tx.Exec(ctx, updateSQL, int64(rec.ID), rec.Status.String(), rec.Completed, rec.Feedback)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return fmt.Errorf("%w: %s", ErrAlreadyProcessed, pgErr.Message)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) Counter(ctx context.Context) (ID, error) {
	var last int64
	if err := t.tx.QueryRow(ctx, `SELECT last_id FROM escrow_counter WHERE id = 1 FOR UPDATE`).Scan(&last); err != nil {
		return 0, err
	}
	return ID(last), nil
}

func (t *pgTx) SetCounter(ctx context.Context, id ID) error {
	_, err := t.tx.Exec(ctx, `UPDATE escrow_counter SET last_id = $1 WHERE id = 1`, int64(id))
	return err
}

func (t *pgTx) Enqueue(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	const insertSQL = `
		INSERT INTO outbox (id, escrow_id, kind, actor, height, payload, created_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6::jsonb, $7)
	`
	_, err = t.tx.Exec(ctx, insertSQL,
		evt.ID,
		int64(evt.EscrowID),
		string(evt.Kind),
		string(evt.Actor),
		int64(evt.Height),
		payload,
		evt.CreatedAt.UTC(),
	)
	return err
}

// Transfer debits from and credits to inside the open transaction.
func (t *pgTx) Transfer(ctx context.Context, from, to Principal, amount uint64) error {
	if amount == 0 || amount > math.MaxInt64 {
		return ErrInvalidAmount
	}
	// Lock both accounts in name order so concurrent payouts through the
	// vault cannot deadlock against initiations into it.
	if _, err := t.tx.Exec(ctx, `
		SELECT principal FROM accounts
		WHERE principal IN ($1, $2)
		ORDER BY principal
		FOR UPDATE
	`, string(from), string(to)); err != nil {
		return fmt.Errorf("lock accounts: %w", err)
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE accounts
		SET balance = balance - $2,
		    updated_at = now()
		WHERE principal = $1 AND balance >= $2
	`, string(from), int64(amount))
	if err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	if _, err := t.tx.Exec(ctx, creditSQL, string(to), int64(amount)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22003" {
			return fmt.Errorf("credit %s: balance overflow", to)
		}
		return fmt.Errorf("credit %s: %w", to, err)
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec       Record
		id        int64
		payer     string
		payee     string
		amount    int64
		status    string
		createdAt int64
		expiresAt int64
	)
	if err := row.Scan(&id, &payer, &payee, &amount, &status, &createdAt, &expiresAt, &rec.Completed, &rec.Feedback); err != nil {
		return Record{}, err
	}
	parsed, err := ParseStatus(status)
	if err != nil {
		return Record{}, err
	}
	rec.ID = ID(id)
	rec.Payer = Principal(payer)
	rec.Payee = Principal(payee)
	rec.Amount = uint64(amount)
	rec.Status = parsed
	rec.CreatedAt = Height(createdAt)
	rec.ExpiresAt = Height(expiresAt)
	return rec, nil
}

var _ interface {
	Store
	BalanceReader
} = (*PGStore)(nil)

var _ TransferGateway = (*pgTx)(nil)
