package trip

import (
	"errors"

	"conductor-relay/internal/location"
)

var (
	// ErrNotFound is wrapped by validators when the scanned id has no vehicle record.
	ErrNotFound = errors.New("trip: bus not found")
	// ErrTransient marks retryable network or service failures.
	ErrTransient = errors.New("trip: transient failure")
	// ErrPermissionDenied means the host did not grant a capability (location).
	ErrPermissionDenied = location.ErrPermissionDenied
	// ErrAlreadyInProgress is returned for an intent suppressed by a pending operation.
	ErrAlreadyInProgress = errors.New("trip: operation already in progress")
	// ErrInvalidPhase is returned for an intent the current phase does not accept.
	ErrInvalidPhase = errors.New("trip: intent not valid in current phase")
	ErrBlankBusID   = errors.New("trip: bus id is blank")
	ErrBlankMessage = errors.New("trip: message is blank")
)

type ErrorKind string

const (
	KindNotFound         ErrorKind = "not_found"
	KindTransient        ErrorKind = "transient"
	KindPermissionDenied ErrorKind = "permission_denied"
)

// TripError is the descriptor surfaced to the operator as lastError.
type TripError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *TripError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

// Unwrap exposes both the kind sentinel and the underlying cause to errors.Is.
func (e *TripError) Unwrap() []error {
	var kind error
	switch e.Kind {
	case KindNotFound:
		kind = ErrNotFound
	case KindPermissionDenied:
		kind = ErrPermissionDenied
	default:
		kind = ErrTransient
	}
	if e.Err == nil {
		return []error{kind}
	}
	return []error{kind, e.Err}
}

func transient(msg string, err error) *TripError {
	return &TripError{Kind: KindTransient, Message: msg, Err: err}
}

func lookupError(err error) *TripError {
	if errors.Is(err, ErrNotFound) {
		return &TripError{Kind: KindNotFound, Message: "not registered", Err: err}
	}
	return transient("lookup failed", err)
}

func locationError(err error) *TripError {
	if errors.Is(err, ErrPermissionDenied) {
		return &TripError{Kind: KindPermissionDenied, Message: "location permission denied", Err: err}
	}
	return transient("location unavailable", err)
}
