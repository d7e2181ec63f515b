package core

import (
	"errors"
	"fmt"
)

// ErrDoesNotExist is returned by gateway lookups when the platform reports
// no resource for the requested primary key.
type ErrDoesNotExist struct {
	Kind string
	PK   string
}

func (e *ErrDoesNotExist) Error() string {
	return fmt.Sprintf("no %s matching %q exists in AWS", e.Kind, e.PK)
}

// ErrMultipleObjects is returned when a lookup that should identify a single
// resource matched more than one candidate. This is always a configuration
// problem and is never retried.
type ErrMultipleObjects struct {
	Kind  string
	PK    string
	Count int
}

func (e *ErrMultipleObjects) Error() string {
	return fmt.Sprintf("%d %ss matched %q, expected exactly one", e.Count, e.Kind, e.PK)
}

// ErrImproperlyConfigured means a required linked resource is missing or
// inconsistent and the caller must fix their input.
type ErrImproperlyConfigured struct {
	Msg string
}

func (e *ErrImproperlyConfigured) Error() string { return e.Msg }

// ErrReadOnly is returned on attempts to mutate a resource type that halyard
// intentionally never mutates, such as clusters and container instances.
type ErrReadOnly struct {
	Msg string
}

func (e *ErrReadOnly) Error() string { return e.Msg }

// ErrOperationFailed wraps a remote call that was attempted and rejected, or
// a stability wait that exceeded its bound.
type ErrOperationFailed struct {
	Op  string
	Err error
}

func (e *ErrOperationFailed) Error() string {
	if e.Err == nil {
		return e.Op + " failed"
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ErrOperationFailed) Unwrap() error { return e.Err }

// ErrSchema reports an invalid value in the deploy spec. The message always
// names both the offending value and the valid alternatives so the operator
// can fix the spec without consulting documentation.
type ErrSchema struct {
	Msg string
}

func (e *ErrSchema) Error() string { return e.Msg }

// IsDoesNotExist reports whether err indicates an absent resource.
func IsDoesNotExist(err error) bool {
	var dne *ErrDoesNotExist
	return errors.As(err, &dne)
}

// ExistsFromErr converts the error from a Get into an existence check:
// a nil error means the resource exists, ErrDoesNotExist means it does not,
// and anything else is passed through.
func ExistsFromErr(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if IsDoesNotExist(err) {
		return false, nil
	}
	return false, err
}
