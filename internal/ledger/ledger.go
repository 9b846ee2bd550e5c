// Package ledger describes the append-only event store the messaging core
// consumes, and wraps it in a Client that bounds every call and types every
// failure.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mdcn/internal/domain"
)

// EventType distinguishes the event streams inside a kind.
type EventType string

const (
	EventCreated      EventType = "created"
	EventAcknowledged EventType = "acknowledged"
	EventExecuted     EventType = "executed"
	EventAssigned     EventType = "assigned"
)

// Field names carried in event fields.
const (
	FieldPayload  = "payload"
	FieldGroup    = "recipient_group"
	FieldBranch   = "branch"
	FieldLayer    = "layer"
	FieldAssetID  = "asset_id"
	FieldIdentity = "identity"
	FieldRole     = "role"
)

// Event is one raw ledger entry.
type Event struct {
	Seq       int64             `json:"seq"`
	Kind      domain.Kind       `json:"kind"`
	Type      EventType         `json:"type"`
	ID        uint64            `json:"id"`
	Sender    domain.Identity   `json:"sender"`
	Recipient domain.Identity   `json:"recipient,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Timestamp time.Time         `json:"timestamp" format:"date-time"`
}

// AppendRequest is a write attributed to a verified sender. RecordID is used
// by acknowledged and executed events and ignored for created ones.
type AppendRequest struct {
	Type      EventType
	Sender    domain.Identity
	Recipient domain.Identity
	RecordID  uint64
	Fields    map[string]string
}

// Receipt is what the ledger assigns on append.
type Receipt struct {
	Seq       int64     `json:"seq"`
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp" format:"date-time"`
	RequestID string    `json:"request_id"`
}

// Filter selects events within a kind. Empty fields match anything.
type Filter struct {
	Type      EventType
	Sender    domain.Identity
	Recipient domain.Identity
	AfterSeq  int64
	Limit     int
}

// Current is the point-lookup view of one record.
type Current struct {
	Kind           domain.Kind
	ID             uint64
	Sender         domain.Identity
	Recipient      domain.Identity
	Fields         map[string]string
	Timestamp      time.Time
	Acknowledged   bool
	AcknowledgedBy domain.Identity
	AcknowledgedAt time.Time
	Executed       bool
	ExecutedBy     domain.Identity
	ExecutedAt     time.Time
}

// Ledger is the external store contract.
type Ledger interface {
	Append(ctx context.Context, kind domain.Kind, req AppendRequest) (Receipt, error)
	Query(ctx context.Context, kind domain.Kind, f Filter) ([]Event, error)
	ReadCurrent(ctx context.Context, kind domain.Kind, id uint64) (Current, error)
}

// ErrUnavailable marks failures that are worth retrying: the store could not
// be reached or the call ran out of time.
var ErrUnavailable = errors.New("ledger unavailable")

// ErrNotFound is returned by ReadCurrent for unknown ids.
var ErrNotFound = errors.New("not found")

type unavailableError struct {
	cause error
}

func (e unavailableError) Error() string {
	if e.cause == nil {
		return ErrUnavailable.Error()
	}
	return fmt.Sprintf("%s: %v", ErrUnavailable, e.cause)
}

func (e unavailableError) Is(target error) bool { return target == ErrUnavailable }

func (e unavailableError) Unwrap() error { return e.cause }

// Unavailable wraps cause so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(cause error) error {
	if cause != nil && errors.Is(cause, ErrUnavailable) {
		return cause
	}
	return unavailableError{cause: cause}
}

// RejectedWriteError means the ledger refused the append. It is never retried.
type RejectedWriteError struct {
	Kind   domain.Kind
	Type   EventType
	Reason string
}

func (e RejectedWriteError) Error() string {
	return fmt.Sprintf("rejected %s.%s: %s", e.Kind, e.Type, e.Reason)
}

// Rejected builds a RejectedWriteError.
func Rejected(kind domain.Kind, typ EventType, format string, args ...any) error {
	return RejectedWriteError{Kind: kind, Type: typ, Reason: fmt.Sprintf(format, args...)}
}

// IsRejected reports whether err is a RejectedWriteError.
func IsRejected(err error) bool {
	var rw RejectedWriteError
	return errors.As(err, &rw)
}
