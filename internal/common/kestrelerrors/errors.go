// Package kestrelerrors contains generic error types returned by the
// selector engine. Callers distinguish placement and reservation failure by
// an absent selection, not by error; the types here cover caller mistakes
// and controller-side state corruption.
//
// If multiple errors occur in some operation (e.g. during reconfigure), that
// operation should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual
// errors.
package kestrelerrors

import (
	"fmt"
)

// ErrNotFound is returned whenever some resource isn't found, e.g. a job
// that should be resident in a partition row on removal.
type ErrNotFound struct {
	Type    string // Resource type, e.g. "job" or "partition"
	Value   string // Resource name or id
	Message string // An optional message to include in the error message
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is returned on invalid argument, e.g. a node bitmap of
// the wrong length or a negative node count.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g. "nodeCnt"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrStateInvariant indicates a controller bug: a job record reached the
// engine lacking fields the contract requires (core bitmap, node bitmap,
// cpu arrays). The operation is refused, never applied partially.
type ErrStateInvariant struct {
	JobId   string
	Message string
}

func (err *ErrStateInvariant) Error() string {
	if err.JobId != "" {
		return fmt.Sprintf("job %s violates a state invariant: %s", err.JobId, err.Message)
	}
	return fmt.Sprintf("state invariant violated: %s", err.Message)
}
