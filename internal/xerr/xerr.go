// Package xerr provides an immutable error type for sentinel error
// declarations shared across the reactor's components.
package xerr

// Error is a string-backed error usable as a const, so sentinel errors
// can't be reassigned the way errors.New vars can. It remains comparable,
// so errors.Is works through wrapped chains via the default == check.
type Error string

// Error implements the error interface.
func (e Error) Error() string {
	return string(e)
}

var _ error = Error("")
