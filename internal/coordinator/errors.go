package coordinator

import "errors"

// Error taxonomy returned by OnEnqueueRequest (spec.md 7). CI events for
// unknown commits/ci-numbers are not errors — the handlers drop them
// silently and return nil.
var (
	// ErrAlreadyEnqueued is returned when the PR already has a live
	// enqueue-record.
	ErrAlreadyEnqueued = errors.New("coordinator: pr already enqueued")

	// ErrCIFailed is returned when the PR's own head-commit CI did not pass.
	ErrCIFailed = errors.New("coordinator: pr ci failed")

	// ErrCIStillRunning is returned when the PR's own head-commit CI has not
	// finished yet.
	ErrCIStillRunning = errors.New("coordinator: pr ci still running")

	// ErrMergeConflict is returned when the PR's speculative merge could not
	// be produced, whether on the fast append path or as the first item of a
	// priority rebuild.
	ErrMergeConflict = errors.New("coordinator: speculative merge conflict")
)
