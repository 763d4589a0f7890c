package queue

import (
	"errors"
	"fmt"

	"callsync/internal/services"
)

// ErrNotClaimed is returned when a guarded write finds the record no longer in
// the expected state, typically because another driver claimed or reclaimed it.
var ErrNotClaimed = fmt.Errorf("%w: record not held by this owner", services.ErrClaimLost)

// ErrDuplicate is returned by Insert when the call id already exists.
var ErrDuplicate = errors.New("record already exists")

// Malformed describes a persisted record that could not be decoded or failed
// validation. Drivers report and skip these without touching attempt budgets.
type Malformed struct {
	Ref string
	Err error
}

func (m Malformed) Error() string {
	return fmt.Sprintf("malformed record %s: %v", m.Ref, m.Err)
}

func (m Malformed) Unwrap() error {
	return services.ErrMalformedRecord
}
