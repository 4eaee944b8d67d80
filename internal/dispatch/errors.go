package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConcurrency is returned by Submit when the limit is below 1.
	ErrInvalidConcurrency = errors.New("concurrency must be at least 1")

	// ErrInvalidRunID is returned by Submit for a malformed run id.
	ErrInvalidRunID = errors.New("invalid run id")

	// ErrShuttingDown is returned by Submit once Shutdown has begun.
	ErrShuttingDown = errors.New("dispatcher is shutting down")
)

// FatalError is a failure of the dispatcher itself, as opposed to a failure
// of one domain. It stops the run.
type FatalError struct {
	RunID string
	Op    string
	Err   error
}

func (e *FatalError) Error() string {
	if e.RunID == "" {
		return fmt.Sprintf("dispatcher: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("dispatcher: run %s: %s: %v", e.RunID, e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err is or wraps a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
