package escrow

import "context"

// Store is the durable keyed record store. Writes go through Tx so a record,
// the id counter and the outbox change together or not at all.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Get(ctx context.Context, id ID) (Record, error)
	LatestID(ctx context.Context) (ID, error)
	List(ctx context.Context, filter ListFilter) ([]Record, error)
}

// Tx is one serialized unit of work. Get locks the record until Commit or
// Rollback.
type Tx interface {
	Get(ctx context.Context, id ID) (Record, error)
	Insert(ctx context.Context, rec Record) error
	Update(ctx context.Context, rec Record) error
	Counter(ctx context.Context) (ID, error)
	SetCounter(ctx context.Context, id ID) error
	Enqueue(ctx context.Context, evt Event) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TransferGateway moves amount from one account to another atomically. A
// non-nil error means nothing moved.
//
// Transactions of SQL-backed stores implement TransferGateway themselves so
// the payout commits together with the record.
type TransferGateway interface {
	Transfer(ctx context.Context, from, to Principal, amount uint64) error
}

// Clock supplies a monotonically non-decreasing height.
type Clock interface {
	Now() Height
}

// BalanceReader exposes account balances for the read API.
type BalanceReader interface {
	Balance(ctx context.Context, account Principal) (uint64, error)
}
