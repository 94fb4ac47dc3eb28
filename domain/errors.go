package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a core operation wraps exactly one of them.
var (
	// ErrValidation marks bad or unverified input rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks an attempt that lost the race for the ledger or observed a stale holder.
	ErrConflict = errors.New("ledger conflict")
	// ErrDependency marks an unavailable external collaborator.
	ErrDependency = errors.New("dependency unavailable")
	// ErrConsistency marks a transition whose outcome could not be confirmed. The
	// coordinator refuses further work until the repair pass reconciles it.
	ErrConsistency = errors.New("consistency fault")
)

// Error carries the kind of a failure together with the operation that produced it.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Validation builds an ErrValidation error for op.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Conflict builds an ErrConflict error for op.
func Conflict(op, format string, args ...any) error {
	return &Error{Kind: ErrConflict, Op: op, Err: fmt.Errorf(format, args...)}
}

// Dependency wraps err as an ErrDependency error for op.
func Dependency(op string, err error) error {
	return &Error{Kind: ErrDependency, Op: op, Err: err}
}

// Consistency wraps err as an ErrConsistency error for op.
func Consistency(op string, err error) error {
	return &Error{Kind: ErrConsistency, Op: op, Err: err}
}

// KindOf reports which error kind err belongs to, or nil when it has none.
func KindOf(err error) error {
	for _, k := range []error{ErrValidation, ErrConflict, ErrDependency, ErrConsistency} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
