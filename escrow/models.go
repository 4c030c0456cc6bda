package escrow

import (
	"fmt"
	"time"
)

// ID identifies an escrow record. Values are dense and start at 1.
type ID uint64

// Principal is the identity of a caller or account holder.
type Principal string

// Height is a reading of the monotonic block clock.
type Height uint64

// Status is the lifecycle state of an escrow record.
type Status uint8

const (
	StatusLocked Status = iota + 1
	StatusReleased
	StatusRefunded
)

const (
	// DefaultExpirationWindow is the number of heights a record stays releasable.
	DefaultExpirationWindow Height = 1440
	// MaxFeedbackLength bounds review text in UTF-8 characters.
	MaxFeedbackLength = 100
)

func (s Status) String() string {
	switch s {
	case StatusLocked:
		return "locked"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded:
		return true
	default:
		return false
	}
}

// ParseStatus maps the stored text form back to a Status.
func ParseStatus(v string) (Status, error) {
	switch v {
	case "locked":
		return StatusLocked, nil
	case "released":
		return StatusReleased, nil
	case "refunded":
		return StatusRefunded, nil
	default:
		return 0, fmt.Errorf("escrow: unknown status %q", v)
	}
}

func (s Status) MarshalText() ([]byte, error) {
	switch s {
	case StatusLocked, StatusReleased, StatusRefunded:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("escrow: cannot marshal %s", s)
	}
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Record mirrors the escrows table.
type Record struct {
	ID        ID
	Payer     Principal
	Payee     Principal
	Amount    uint64
	Status    Status
	CreatedAt Height
	ExpiresAt Height
	Completed bool
	Feedback  string
}

// EventKind names the domain events appended to the outbox.
type EventKind string

const (
	EventEscrowInitialized     EventKind = "escrow_initialized"
	EventPaymentTransferred    EventKind = "payment_transferred"
	EventLearnerRefunded       EventKind = "learner_refunded"
	EventCourseMarkedCompleted EventKind = "course_marked_completed"
	EventReviewAdded           EventKind = "review_added"
)

// Event is an outbox entry describing one committed state change.
type Event struct {
	ID        string
	Kind      EventKind
	EscrowID  ID
	Actor     Principal
	Height    Height
	Payload   map[string]any
	CreatedAt time.Time
}

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Payer    Principal
	Payee    Principal
	Status   Status
	Page     int
	PageSize int
}

func (f ListFilter) normalize() ListFilter {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	return f
}

// Offset returns the row offset for the normalized page.
func (f ListFilter) Offset() int {
	n := f.normalize()
	return (n.Page - 1) * n.PageSize
}

// Limit returns the normalized page size.
func (f ListFilter) Limit() int {
	return f.normalize().PageSize
}
