package jobmanager

import (
	"errors"
	"fmt"
)

var (
	ErrNotStarted        = errors.New("job manager not started")
	ErrStopped           = errors.New("job manager stopped")
	ErrUnknownFactory    = errors.New("unknown job factory")
	ErrDuplicateFactory  = errors.New("job factory already registered")
	ErrUnknownConstraint = errors.New("unknown job constraint")
	ErrJobExists         = errors.New("job already exists")
	ErrJobNotFound       = errors.New("job not found")
	ErrNotSerializable   = errors.New("persistent job does not implement Serializer")
)

// Kind classifies a job error for the retry decision.
type Kind int

const (
	// KindPermanent errors fail the job. Unclassified errors are permanent.
	KindPermanent Kind = iota
	// KindTransient errors are retried with the regular backoff.
	KindTransient
	// KindPending errors wait on a local precondition and use the looser pending backoff.
	KindPending
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPending:
		return "pending"
	default:
		return "permanent"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *kindError) Unwrap() error { return e.err }

func withKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Transient marks err as retryable, e.g. network unreachable or a 5xx response.
func Transient(err error) error { return withKind(KindTransient, err) }

// Pending marks err as retryable once some other work completes, e.g. missing key material.
func Pending(err error) error { return withKind(KindPending, err) }

// Permanent marks err as final.
func Permanent(err error) error { return withKind(KindPermanent, err) }

// KindOf returns the outermost kind attached to err, or KindPermanent.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindPermanent
}

// DefaultShouldRetry retries Transient and Pending errors.
func DefaultShouldRetry(err error) bool {
	return KindOf(err) != KindPermanent
}
