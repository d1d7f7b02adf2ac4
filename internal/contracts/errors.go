package contracts

import "errors"

var (
	// ErrNotFound is returned by lookups that found no row
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable marks a lost or unusable connection to the store.
	// It is the only error that aborts a whole run.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidBar marks a bar violating price/volume invariants
	ErrInvalidBar = errors.New("invalid bar")

	// ErrInvalidTransition is returned for a job status change the lifecycle forbids
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrDuplicateDetail is returned when an instrument already has a detail row in the job
	ErrDuplicateDetail = errors.New("duplicate job detail")
)
