package controller

import "errors"

var (
	// ErrEvaluationInProgress is returned when another caller holds the
	// work item's advance lease. Callers should retry or poll; no side
	// effects occurred.
	ErrEvaluationInProgress = errors.New("gate evaluation in progress")

	// ErrInvalidTransition is returned for precondition failures: overriding
	// an item that is neither escalated nor stalled, or overriding a
	// terminal item. No mutation occurs.
	ErrInvalidTransition = errors.New("invalid transition")
)
