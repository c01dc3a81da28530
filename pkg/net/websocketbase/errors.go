package websocketbase

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies every failure a Conn or Dialer returns so that callers can match them exhaustively.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota

	// KindConnection covers dns, tls, refused connections and failed handshakes
	KindConnection

	// KindSend is returned when a frame can not be written, usually because the connection is closed
	KindSend

	// KindTimeout means no frame arrived in the given window. It is a liveness trigger, not a fault.
	KindTimeout

	// KindClosed means the peer closed the connection, cleanly or not
	KindClosed

	// KindCanceled means the caller's context is done
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindSend:
		return "send"
	case KindTimeout:
		return "timeout"
	case KindClosed:
		return "closed"
	case KindCanceled:
		return "canceled"
	}

	return "unknown"
}

type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("websocket %s: %s", e.Op, e.Kind)
	}

	return fmt.Sprintf("websocket %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewError is exported for alternative transports and test doubles.
func NewError(kind ErrorKind, op string, err error) error {
	return newError(kind, op, err)
}

// KindOf returns the transport error kind carried by err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUnknown
}

// IsTimeout reports whether err is a receive timeout
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}
