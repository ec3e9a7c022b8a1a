package storage

import "errors"

// Sentinel errors returned by the store.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when an append-only write targets a key
	// that already has a value. For gate results this is the idempotency
	// violation: re-evaluating a concluded attempt.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrConflict is returned when a compare-and-swap update loses the race:
	// the stored revision no longer matches the one read.
	ErrConflict = errors.New("revision conflict")

	// ErrLeaseHeld is returned when a work item's advance lease is already
	// held by another evaluation.
	ErrLeaseHeld = errors.New("lease already held")
)
