package storage

import "errors"

var (
	// ErrRejected means the store definitively refused the transition and
	// nothing was applied. Typically another writer advanced the ledger.
	ErrRejected = errors.New("transition rejected")
	// ErrUnavailable means the store could not be reached before anything was
	// sent. Nothing was applied and the call may be retried.
	ErrUnavailable = errors.New("store unavailable")
	// ErrOutcomeUnknown means the transition was sent but its result could not
	// be confirmed. Callers must reconcile with Applied before continuing.
	ErrOutcomeUnknown = errors.New("transition outcome unknown")
)
