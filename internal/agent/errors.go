package agent

import (
	"errors"
	"fmt"
)

// Kind classifies a failed run.
type Kind int

const (
	// KindArgument is bad user input, detected before anything is acquired.
	KindArgument Kind = iota + 1
	// KindInitialization is a counter library or daemon session failure.
	KindInitialization
	// KindScopeResolution is a failure to resolve scopes with the registry.
	KindScopeResolution
	// KindProcess is a launch, attach or exec failure.
	KindProcess
	// KindSampling is a read or dispatch failure in the loop.
	KindSampling
)

func (k Kind) String() string {
	switch k {
	case KindArgument:
		return "argument error"
	case KindInitialization:
		return "initialization error"
	case KindScopeResolution:
		return "scope resolution error"
	case KindProcess:
		return "process error"
	case KindSampling:
		return "sampling error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified run failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, if it has one.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// ErrInterrupted is returned when the run was canceled before the
// workload finished.
var ErrInterrupted = errors.New("interrupted before the workload finished")
