package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an operation targets a row under a live lease,
	// or edits a row that changed since it was read.
	ErrConflict = errors.New("conflict: row is leased or was modified")
	// ErrLockConflict marks a lost claim or lease race. It never leaves the scheduler.
	ErrLockConflict     = errors.New("lock conflict")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// FatalError is an executor failure that must not be retried.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// TransientError is a retryable executor failure.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func Fatalf(format string, args ...any) error { return Fatal(fmt.Errorf(format, args...)) }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsFatal reports whether err carries a FatalError. Unclassified errors are transient.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// ScheduleError is returned when a cron expression cannot be evaluated.
type ScheduleError struct {
	Expr string
	Err  error
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %v", e.Expr, e.Err)
}

func (e *ScheduleError) Unwrap() error { return e.Err }

func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
