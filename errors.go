package sapling

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownEntry is returned when a handle does not name a live entry.
	ErrUnknownEntry = errors.New("sapling: unknown entry")

	// ErrClosed is returned by operations on an Engine after Close.
	ErrClosed = errors.New("sapling: engine closed")

	// ErrNotSource is returned when AddFile is given something that cannot
	// hold source text, such as a directory.
	ErrNotSource = errors.New("sapling: not a source file")
)

// UnknownEntryError reports a lookup by a handle the registry does not hold.
// It is a client error and never fatal to the process.
type UnknownEntryError struct {
	Handle Handle
}

func (e *UnknownEntryError) Error() string {
	return fmt.Sprintf("sapling: unknown entry handle %d", e.Handle)
}

func (e *UnknownEntryError) Unwrap() error { return ErrUnknownEntry }

// FatalError marks a failure after which the process state can no longer be
// trusted. The analysis worker re-panics fatal errors instead of dropping
// the unit.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "sapling: fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err, or any error it wraps, is a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
