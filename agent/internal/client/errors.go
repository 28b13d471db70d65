package client

import (
	"errors"
	"fmt"
)

// Kind classifies a channel failure.
type Kind string

const (
	// KindTransport covers network unreachable, DNS failure, refused and timeout.
	KindTransport Kind = "transport"
	// KindProtocol covers non-2xx status and malformed response bodies.
	KindProtocol Kind = "protocol"
	// KindNoNetwork means no usable interface was found; no request was sent.
	KindNoNetwork Kind = "no_network"
)

// Error is the uniform failure returned by every Client call.
type Error struct {
	Kind    Kind
	Code    int // HTTP status for KindProtocol, else 0
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a transport-level channel failure.
func IsTransport(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindTransport
}

// KindOf returns the kind of a channel error, or "" for other errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func transportError(op string, err error) *Error {
	return &Error{Kind: KindTransport, Message: op + ": " + err.Error(), Err: err}
}

func protocolError(code int, msg string, err error) *Error {
	return &Error{Kind: KindProtocol, Code: code, Message: msg, Err: err}
}
