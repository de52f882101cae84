package domain

import "github.com/cockroachdb/errors"

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")
	ErrMissingActor         = errors.New("actor identity is required")

	// ErrOversell means a commit would push sold past quantity.
	ErrOversell = errors.New("oversell")
	// ErrSeatUnavailable means the requested seat is not AVAILABLE.
	ErrSeatUnavailable = errors.New("seat unavailable")
	// ErrHoldConflict means the hold lost to a concurrent claim or the tier
	// has too few units left.
	ErrHoldConflict       = errors.New("hold conflict")
	ErrStaffQuotaExceeded = errors.New("staff quota exceeded")
	ErrHoldExpired        = errors.New("hold expired")
	ErrHoldNotActive      = errors.New("hold not active")
	// ErrInventoryConflict is raised when finalize cannot commit a hold that
	// looked valid. The payment layer must refund.
	ErrInventoryConflict = errors.New("inventory conflict")
	ErrTicketNotValid    = errors.New("ticket not valid")
)

func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
