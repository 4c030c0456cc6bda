// Package sqlitestore persists escrows in a single SQLite file. It is the
// storage driver for single-node deployments that do not run Postgres.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"courseescrow/escrow"
	"courseescrow/sqlitestore/migrations"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store implements escrow.Store on SQLite. Write transactions start with
// BEGIN IMMEDIATE, so concurrent writers queue on the database lock.
type Store struct {
	db *sql.DB
}

// Open opens the database at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlitestore: path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: ping: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const recordColumns = `id, payer, payee, amount, status, created_at, expires_at, completed, feedback`

func (s *Store) Begin(ctx context.Context) (escrow.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &storeTx{tx: tx}, nil
}

func (s *Store) Get(ctx context.Context, id escrow.ID) (escrow.Record, error) {
	return getRecord(ctx, s.db, id)
}

func (s *Store) LatestID(ctx context.Context) (escrow.ID, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `SELECT last_id FROM escrow_counter WHERE id = 1`).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest id: %w", err)
	}
	return escrow.ID(last), nil
}

func (s *Store) List(ctx context.Context, filter escrow.ListFilter) ([]escrow.Record, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.Payer != "" {
		where = append(where, "payer = ?")
		args = append(args, string(filter.Payer))
	}
	if filter.Payee != "" {
		where = append(where, "payee = ?")
		args = append(args, string(filter.Payee))
	}
	if filter.Status != 0 {
		where = append(where, "status = ?")
		args = append(args, filter.Status.String())
	}
	args = append(args, filter.Limit(), filter.Offset())

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM escrows WHERE `+strings.Join(where, " AND ")+` ORDER BY id DESC LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	out := make([]escrow.Record, 0, filter.Limit())
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: iterate: %w", err)
	}
	return out, nil
}

// Pending returns unpublished outbox events in append order.
func (s *Store) Pending(ctx context.Context, limit int) ([]escrow.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, escrow_id, actor, height, payload, created_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY seq
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: pending outbox: %w", err)
	}
	defer rows.Close()

	out := make([]escrow.Event, 0, limit)
	for rows.Next() {
		var (
			evt       escrow.Event
			kind      string
			escrowID  int64
			actor     string
			height    int64
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&evt.ID, &kind, &escrowID, &actor, &height, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan outbox: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
			return nil, fmt.Errorf("sqlitestore: decode outbox payload: %w", err)
		}
		evt.Kind = escrow.EventKind(kind)
		evt.EscrowID = escrow.ID(escrowID)
		evt.Actor = escrow.Principal(actor)
		evt.Height = escrow.Height(height)
		evt.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: iterate outbox: %w", err)
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UTC().UnixMilli())
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET published_at = ? WHERE id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: mark published: %w", err)
	}
	return nil
}

func (s *Store) Balance(ctx context.Context, account escrow.Principal) (uint64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE principal = ?`, string(account)).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: balance: %w", err)
	}
	return uint64(balance), nil
}

// Credit adds amount to account outside any escrow flow. Used for seeding.
func (s *Store) Credit(ctx context.Context, account escrow.Principal, amount uint64) error {
	if amount > math.MaxInt64 {
		return escrow.ErrInvalidAmount
	}
	if err := credit(ctx, s.db, account, amount); err != nil {
		return fmt.Errorf("sqlitestore: %w", err)
	}
	return nil
}

// errBalanceOverflow is returned instead of letting SQLite promote an
// overflowing integer sum to REAL.
var errBalanceOverflow = errors.New("balance overflow")

// The upsert only updates when the sum stays within int64; otherwise no row
// changes.
const creditSQL = `
	INSERT INTO accounts (principal, balance) VALUES (?, ?)
	ON CONFLICT (principal) DO UPDATE SET balance = balance + excluded.balance
	WHERE balance <= 9223372036854775807 - excluded.balance`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func credit(ctx context.Context, db execer, account escrow.Principal, amount uint64) error {
	res, err := db.ExecContext(ctx, creditSQL, string(account), int64(amount))
	if err != nil {
		return fmt.Errorf("credit %s: %w", account, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("credit %s: %w", account, err)
	}
	if n == 0 {
		return fmt.Errorf("credit %s: %w", account, errBalanceOverflow)
	}
	return nil
}

type storeTx struct {
	tx *sql.Tx
}

func (t *storeTx) Get(ctx context.Context, id escrow.ID) (escrow.Record, error) {
	return getRecord(ctx, t.tx, id)
}

func (t *storeTx) Insert(ctx context.Context, rec escrow.Record) error {
	if rec.Amount > math.MaxInt64 {
		return escrow.ErrInvalidAmount
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO escrows (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
		if isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY) {
			return fmt.Errorf("record %d already exists", rec.ID)
		}
		return err
	}
	return nil
}

func (t *storeTx) Update(ctx context.Context, rec escrow.Record) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE escrows SET status = ?, completed = ?, feedback = ? WHERE id = ?`,
		rec.Status.String(), rec.Completed, rec.Feedback, int64(rec.ID),
	)
	if err != nil {
		if isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_TRIGGER) {
			return fmt.Errorf("%w: %v", escrow.ErrAlreadyProcessed, err)
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return escrow.ErrNotFound
	}
	return nil
}

func (t *storeTx) Counter(ctx context.Context) (escrow.ID, error) {
	var last int64
	if err := t.tx.QueryRowContext(ctx, `SELECT last_id FROM escrow_counter WHERE id = 1`).Scan(&last); err != nil {
		return 0, err
	}
	return escrow.ID(last), nil
}

func (t *storeTx) SetCounter(ctx context.Context, id escrow.ID) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE escrow_counter SET last_id = ? WHERE id = 1`, int64(id))
	return err
}

func (t *storeTx) Enqueue(ctx context.Context, evt escrow.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO outbox (id, escrow_id, kind, actor, height, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.ID,
		int64(evt.EscrowID),
		string(evt.Kind),
		string(evt.Actor),
		int64(evt.Height),
		string(payload),
		evt.CreatedAt.UTC().UnixMilli(),
	)
	return err
}

// Transfer moves funds between accounts inside the open transaction.
func (t *storeTx) Transfer(ctx context.Context, from, to escrow.Principal, amount uint64) error {
	if amount == 0 || amount > math.MaxInt64 {
		return escrow.ErrInvalidAmount
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE accounts SET balance = balance - ? WHERE principal = ? AND balance >= ?`,
		int64(amount), string(from), int64(amount),
	)
	if err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return escrow.ErrInsufficientFunds
	}
	return credit(ctx, t.tx, to, amount)
}

func (t *storeTx) Commit(ctx context.Context) error {
	return t.tx.Commit()
}

func (t *storeTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryRower, id escrow.ID) (escrow.Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM escrows WHERE id = ?`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Record{}, escrow.ErrNotFound
	}
	if err != nil {
		return escrow.Record{}, fmt.Errorf("sqlitestore: get: %w", err)
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (escrow.Record, error) {
	var (
		id, amount, createdAt, expiresAt int64
		payer, payee, status             string
		rec                              escrow.Record
	)
	if err := row.Scan(&id, &payer, &payee, &amount, &status, &createdAt, &expiresAt, &rec.Completed, &rec.Feedback); err != nil {
		return escrow.Record{}, err
	}
	parsed, err := escrow.ParseStatus(status)
	if err != nil {
		return escrow.Record{}, err
	}
	rec.ID = escrow.ID(id)
	rec.Payer = escrow.Principal(payer)
	rec.Payee = escrow.Principal(payee)
	rec.Amount = uint64(amount)
	rec.Status = parsed
	rec.CreatedAt = escrow.Height(createdAt)
	rec.ExpiresAt = escrow.Height(expiresAt)
	return rec, nil
}

func isConstraint(err error, code int) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == code
	}
	return false
}

var (
	_ escrow.Store           = (*Store)(nil)
	_ escrow.BalanceReader   = (*Store)(nil)
	_ escrow.TransferGateway = (*storeTx)(nil)
)
