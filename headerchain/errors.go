package headerchain

import "errors"

var (
	// ErrInvalidPoW is returned when a header's hash does not meet its
	// target, or its bits differ from the target the retarget rules
	// require.
	ErrInvalidPoW = errors.New("invalid proof of work")

	// ErrInvalidLinkage is returned when a header does not commit to the
	// hash of the header it is supposed to follow.
	ErrInvalidLinkage = errors.New("header does not link to its " +
		"predecessor")

	// ErrInvalidTimestamp is returned when a header's timestamp is not
	// after the median of the previous blocks, or too far in the future.
	ErrInvalidTimestamp = errors.New("invalid header timestamp")

	// ErrCheckpointMismatch is returned when a header at a checkpoint
	// height does not carry the checkpoint hash.
	ErrCheckpointMismatch = errors.New("header conflicts with checkpoint")

	// ErrCorruptCheckpointData is returned when the checkpoint set is not
	// strictly increasing in height, contains duplicates or has an
	// undecodable entry.
	ErrCorruptCheckpointData = errors.New("corrupt checkpoint data")

	// ErrForkBelowCheckpoint is returned when a candidate branch would
	// replace headers at or below the anchor checkpoint.
	ErrForkBelowCheckpoint = errors.New("fork diverges at or below the " +
		"anchor checkpoint")

	// ErrNotAnchored is returned by operations that need the trusted
	// prefix while it has not been connected yet.
	ErrNotAnchored = errors.New("trusted prefix not connected")

	// ErrUnknownHeight is returned when a height outside the stored range
	// is requested.
	ErrUnknownHeight = errors.New("height not in chain")

	// ErrNoHeaders is returned when an operation is handed an empty header
	// run.
	ErrNoHeaders = errors.New("no headers given")
)

// IsValidationError returns true if the error is one of the consensus
// validation failures a remote server can be blamed for.
func IsValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidPoW),
		errors.Is(err, ErrInvalidLinkage),
		errors.Is(err, ErrInvalidTimestamp),
		errors.Is(err, ErrCheckpointMismatch),
		errors.Is(err, ErrForkBelowCheckpoint):

		return true
	}

	return false
}

// permanentError marks a validation failure that depends only on the header
// and its ancestors, so it will never succeed on a later attempt.
type permanentError struct {
	error
}

// Unwrap returns the underlying validation error.
func (e *permanentError) Unwrap() error {
	return e.error
}

// permanent marks err as a permanent validation failure.
func permanent(err error) error {
	return &permanentError{error: err}
}
