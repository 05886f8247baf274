// Package failure defines the bridge error taxonomy. Every error that crosses
// a component boundary carries a Kind so callers can decide how to surface it.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	Unknown Kind = iota
	PairingTimeout
	AuthenticationFailure
	TransportDisconnected
	InvalidRecipient
	SendFailure
	NotFound
	PartialBackfillFailure
	InvalidRequest
	NotReady
)

var kindNames = map[Kind]string{
	Unknown:                "unknown",
	PairingTimeout:         "pairing_timeout",
	AuthenticationFailure:  "authentication_failure",
	TransportDisconnected:  "transport_disconnected",
	InvalidRecipient:       "invalid_recipient",
	SendFailure:            "send_failure",
	NotFound:               "not_found",
	PartialBackfillFailure: "partial_backfill_failure",
	InvalidRequest:         "invalid_request",
	NotReady:               "not_ready",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified error. Msg is the human-readable reason shown to
// callers; Err is the underlying cause kept for diagnostics.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error without an underlying cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Reason returns the user-facing message of a classified error, falling back
// to err.Error().
func Reason(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Msg != "" {
		return fe.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
