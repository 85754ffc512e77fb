package costs

import "errors"

var (
	// ErrInvalidReport is returned when an invocation report carries a
	// negative count or time
	ErrInvalidReport = errors.New("invalid invocation report")

	// ErrStoreUnavailable wraps cost store failures other than a missing document
	ErrStoreUnavailable = errors.New("cost store unavailable")

	// ErrReconcileInProgress is returned when Reconcile is entered while
	// another reconciliation is still running
	ErrReconcileInProgress = errors.New("reconcile already in progress")
)
