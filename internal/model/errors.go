package model

import "github.com/pkg/errors"

// Sentinel errors implementing the taxonomy of SPEC_FULL.md §7. Call sites
// wrap these with pkg/errors so context survives while errors.Is still
// matches the sentinel.
var (
	// ErrTransport marks network/timeout/5xx failures, retried with backoff
	// inside the Platform Client.
	ErrTransport = errors.New("transport error")

	// ErrPlatformTransient marks a failure retried at the call site (e.g.
	// assignment retry x3); exhaustion is left for the next poll tick.
	ErrPlatformTransient = errors.New("platform transient error")

	// ErrPlatformContract marks an unexpected response shape or missing
	// field; the step is skipped this tick and state is not mutated.
	ErrPlatformContract = errors.New("platform contract error")

	// ErrNotFound marks a typed empty result; the caller decides.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks user input rejected before any platform mutation.
	ErrValidation = errors.New("validation error")

	// ErrInvariant marks a programmer error; aborts the current primitive
	// only.
	ErrInvariant = errors.New("invariant violation")
)
