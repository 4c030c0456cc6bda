package escrow

import (
	"context"
	"fmt"
)

// Allocator issues escrow ids from the counter stored alongside the records.
// The increment is written through the caller's transaction, so a rolled back
// operation never consumes an id.
type Allocator struct{}

// Next returns counter+1 and stages the new counter value in tx.
func (Allocator) Next(ctx context.Context, tx Tx) (ID, error) {
	last, err := tx.Counter(ctx)
	if err != nil {
		return 0, fmt.Errorf("escrow: read counter: %w", err)
	}
	next := last + 1
	if err := tx.SetCounter(ctx, next); err != nil {
		return 0, fmt.Errorf("escrow: advance counter: %w", err)
	}
	return next, nil
}
