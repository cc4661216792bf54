package store

import (
	"errors"
	"fmt"
)

// ErrPoolExhausted is returned when a connection cannot be acquired within
// the configured timeout. Fatal to the individual operation, not the process.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// PrimaryError marks a failed write to the authoritative backend. Always
// surfaced to the caller.
type PrimaryError struct {
	Err error
}

func (e *PrimaryError) Error() string { return fmt.Sprintf("primary storage: %v", e.Err) }
func (e *PrimaryError) Unwrap() error { return e.Err }

// SecondaryError marks a failed best-effort replication to the secondary
// backend. Logged and counted, never surfaced as a write failure.
type SecondaryError struct {
	Err error
}

func (e *SecondaryError) Error() string { return fmt.Sprintf("secondary storage: %v", e.Err) }
func (e *SecondaryError) Unwrap() error { return e.Err }
