package memory

import "errors"

var (
	// ErrInvalidAddress is returned when an address fails pre-flight validation.
	// No transport call is made.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrReadFailed is returned when the transport rejects or fails a read,
	// including requests above the transfer ceiling.
	ErrReadFailed = errors.New("read failed")

	// ErrConsistencyFailed is returned when the three reads of a verified read disagree.
	ErrConsistencyFailed = errors.New("verified read mismatch")

	// ErrNotFound marks a lookup that completed without a match.
	ErrNotFound = errors.New("not found")

	// ErrCorruptStructure is returned when a count, size, or index read back from
	// the remote process exceeds a sanity bound.
	ErrCorruptStructure = errors.New("corrupt remote structure")

	// ErrProcessUnavailable is returned when the remote process or one of its
	// modules is gone.
	ErrProcessUnavailable = errors.New("process unavailable")
)

// IsFatal reports whether err means the refresh pipeline as a whole cannot
// make progress and the current session should be abandoned.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCorruptStructure) || errors.Is(err, ErrProcessUnavailable)
}
