package distributed

import "github.com/pkg/errors"

// Sentinel errors for the failure classes of this package. They are wrapped with
// context (errors.Wrapf) at the failure site; match them with errors.Is.
var (
	// ErrConfig indicates an invalid parallel configuration, e.g. a world size that
	// doesn't factor into the requested tensor-parallel x pipeline-parallel sizes.
	// Fatal, never retried.
	ErrConfig = errors.New("invalid parallel configuration")

	// ErrUninitialized indicates a collective or accessor was used before the
	// environment (or a group) was initialized. A caller bug.
	ErrUninitialized = errors.New("distributed environment not initialized")

	// ErrAlreadyInitialized indicates an initialization that requires explicit
	// teardown first. Re-initialization is a programming error, not a merge.
	ErrAlreadyInitialized = errors.New("already initialized")

	// ErrInvalidArgument indicates an out-of-range axis, source or destination rank.
	// Fatal to the call, propagated, never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDestroyed indicates a collective call on a destroyed group coordinator.
	ErrDestroyed = errors.New("group coordinator is destroyed")
)
