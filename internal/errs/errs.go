// Package errs defines the error taxonomy shared by every core component.
//
// Kinds are coarse buckets, not Go types — callers use Is(err, Kind) below,
// which finds the *Error in the chain and compares its Kind field.
// Every administrative operation (listener create/start/stop/destroy, task
// and session registry operations) returns a *Error so API callers can
// branch on Kind without parsing strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a coarse error category. New values must be appended, never
// inserted, so any persisted/logged numeric value stays meaningful.
type Kind int

const (
	Unknown Kind = iota
	InvalidArgument
	AlreadyRunning
	NotRunning
	NotFound
	AlreadyExists
	Memory
	IO
	Bind
	Listen
	Send
	Receive
	Crypto
	Checksum
	CompressionInvalid
	BufferTooSmall
	Timeout
	Cancelled
	Protocol
	Internal
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case AlreadyRunning:
		return "already_running"
	case NotRunning:
		return "not_running"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case Memory:
		return "memory"
	case IO:
		return "io"
	case Bind:
		return "bind"
	case Listen:
		return "listen"
	case Send:
		return "send"
	case Receive:
		return "receive"
	case Crypto:
		return "crypto"
	case Checksum:
		return "checksum"
	case CompressionInvalid:
		return "compression_invalid"
	case BufferTooSmall:
		return "buffer_too_small"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	case Protocol:
		return "protocol"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by core components. Op names
// the failing operation (e.g. "listener.Start", "task.Dispatch") in the
// style of the teacher repo's "agents: get by id: %w" wrapping.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a *Error with no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds a *Error around an existing error, preserving it for errors.Is/As.
func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Is reports whether err carries the given Kind, unwrapping through the
// standard errors chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
