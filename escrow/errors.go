package escrow

import "errors"

var (
	ErrNotFound            = errors.New("escrow: not found")
	ErrUnauthorized        = errors.New("escrow: unauthorized")
	ErrAlreadyProcessed    = errors.New("escrow: already processed")
	ErrInvalidAmount       = errors.New("escrow: invalid amount")
	ErrInvalidCounterparty = errors.New("escrow: invalid counterparty")
	ErrExpired             = errors.New("escrow: expired")
	ErrTransferFailed      = errors.New("escrow: transfer failed")
	ErrInvalidFeedback     = errors.New("escrow: invalid feedback")
	ErrInvalidOutcome      = errors.New("escrow: invalid outcome")
	// ErrInsufficientFunds is returned by ledgers when the source balance is short.
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")
)

// Kind is the machine-readable error code surfaced to callers.
type Kind string

const (
	KindNotFound            Kind = "NOT_FOUND"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindAlreadyProcessed    Kind = "ALREADY_PROCESSED"
	KindInvalidAmount       Kind = "INVALID_AMOUNT"
	KindInvalidCounterparty Kind = "INVALID_COUNTERPARTY"
	KindExpired             Kind = "EXPIRED"
	KindTransferFailed      Kind = "TRANSFER_FAILED"
	KindInvalidFeedback     Kind = "INVALID_FEEDBACK"
	KindInvalidOutcome      Kind = "INVALID_OUTCOME"
	KindInternal            Kind = "INTERNAL"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrUnauthorized, KindUnauthorized},
	{ErrAlreadyProcessed, KindAlreadyProcessed},
	{ErrInvalidAmount, KindInvalidAmount},
	{ErrInvalidCounterparty, KindInvalidCounterparty},
	{ErrExpired, KindExpired},
	{ErrTransferFailed, KindTransferFailed},
	{ErrInvalidFeedback, KindInvalidFeedback},
	{ErrInvalidOutcome, KindInvalidOutcome},
}

// KindOf classifies err. Errors outside the domain taxonomy are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// Retriable reports whether repeating the whole operation later may succeed.
func Retriable(err error) bool {
	return errors.Is(err, ErrTransferFailed)
}
