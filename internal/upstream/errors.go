package upstream

import (
	"errors"
	"fmt"
)

// Kind classifies upstream failures. Each kind maps to a distinct recovery
// path in the cache and collector.
type Kind int

const (
	// KindAuth: credentials rejected. Fatal for the tick, requires operator
	// intervention; never retried automatically.
	KindAuth Kind = iota
	// KindRateLimited: upstream quota exceeded. Expected under a tight daily
	// budget; extends the collection backoff.
	KindRateLimited
	// KindTransient: network or server-side failure, retryable on the next
	// tick via the backoff-extended validity window.
	KindTransient
	// KindMalformed: response could not be decoded or failed validation.
	// Rejected without advancing the snapshot store.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Error is a classified upstream failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err under the given kind.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the classification of err, or (0, false) if err is not an
// upstream error.
func KindOf(err error) (Kind, bool) {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is an upstream error of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
