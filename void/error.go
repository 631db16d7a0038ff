package void

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/outofforest/seraph/types"
)

// Error is a failure that has been recorded in an archaeology table. It is
// the only error type domain operations return across package boundaries,
// so every surfaced failure has a retrievable cause chain.
type Error struct {
	ID     types.VoidID
	Reason Reason
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("void %d (%s): %s", e.ID, e.Reason, e.Msg)
}

// Fail records a failure and returns it as an error.
func (t *Table) Fail(
	reason Reason,
	predecessor types.VoidID,
	inputA, inputB uint64,
	msg string,
) error {
	return &Error{
		ID:     t.record(2, reason, predecessor, inputA, inputB, msg),
		Reason: reason,
		Msg:    msg,
	}
}

// IDOf extracts the void id from an error. Returns 0 if err does not carry
// one.
func IDOf(err error) types.VoidID {
	var vErr *Error
	if errors.As(err, &vErr) {
		return vErr.ID
	}
	return 0
}

// ReasonOf extracts the reason from an error. Returns ReasonUnknown if err
// does not carry one.
func ReasonOf(err error) Reason {
	var vErr *Error
	if errors.As(err, &vErr) {
		return vErr.Reason
	}
	return ReasonUnknown
}
