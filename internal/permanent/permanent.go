package permanent

import "errors"

// wrapped tags a delivery failure as non-retryable.
// Params: root cause error.
// Returns: marker recognized by Is via errors.As.
type wrapped struct {
	cause error
}

// Error returns the wrapped cause message.
// Params: none.
// Returns: string representation.
func (w wrapped) Error() string {
	if w.cause == nil {
		return "permanent failure"
	}
	return w.cause.Error()
}

// Unwrap exposes the cause for errors.Is/errors.As.
// Params: none.
// Returns: wrapped error.
func (w wrapped) Unwrap() error {
	return w.cause
}

// Permanent marks the error as non-retryable.
// Params: none.
// Returns: true.
func (wrapped) Permanent() bool {
	return true
}

// Wrap marks an error as non-retryable.
// Params: source error.
// Returns: tagged error, or nil for nil input.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return wrapped{cause: err}
}

// Is reports whether the error carries a non-retryable marker.
// Params: candidate error.
// Returns: true when retrying cannot succeed.
func Is(err error) bool {
	if err == nil {
		return false
	}
	type marker interface {
		Permanent() bool
	}
	var tagged marker
	return errors.As(err, &tagged) && tagged.Permanent()
}
