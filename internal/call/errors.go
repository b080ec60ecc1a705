package call

import (
	"errors"
	"fmt"
)

var (
	ErrMediaAcquisition  = errors.New("media acquisition failed")
	ErrNoPendingOffer    = errors.New("no pending offer")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrStaleSignal       = errors.New("stale signal")
	ErrInvalidState      = errors.New("invalid call state")
	ErrCallAbandoned     = errors.New("call abandoned")
	ErrEngineClosed      = errors.New("engine closed")
)

// CallError records the operation that failed and why.
type CallError struct {
	Op      string
	Err     error
	Details string
}

func (e *CallError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func newError(op string, err error) *CallError {
	return &CallError{Op: op, Err: err}
}

func wrapError(op string, err error, details string) *CallError {
	return &CallError{Op: op, Err: err, Details: details}
}

// MediaAcquisitionError reports a device or permission failure while
// acquiring local media. It matches ErrMediaAcquisition under errors.Is.
type MediaAcquisitionError struct {
	Constraints Constraints
	Err         error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Constraints, e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

func (e *MediaAcquisitionError) Is(target error) bool {
	return target == ErrMediaAcquisition
}
