package raft

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is the status carried by closures and returned by the log core. Code follows POSIX errno conventions so
// callers can match on it with errors.Is(err, syscall.EINVAL).
type Error struct {
	Code syscall.Errno
	Msg  string
}

// NewError builds an *Error with a formatted message
func NewError(code syscall.Errno, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.Error()
	}
	return fmt.Sprintf("%s: %s", e.Code.Error(), e.Msg)
}

// Unwrap exposes the errno
func (e *Error) Unwrap() error {
	return e.Code
}

// ErrShutdown is returned for work submitted to a component that has been stopped.
var ErrShutdown = &Error{Code: syscall.ESHUTDOWN, Msg: "component is shut down"}

// ErrorCode extracts the errno carried by err. A nil error maps to 0, anything unrecognised maps to EIO.
func ErrorCode(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

// ErrorType classifies a fatal error reported by the log core
type ErrorType uint8

const (
	ErrorTypeNone ErrorType = iota
	ErrorTypeLog
	ErrorTypeStable
	ErrorTypeSnapshot
	ErrorTypeStateMachine
)

// String returns the string representation of the ErrorType
func (t ErrorType) String() string {
	switch t {
	case ErrorTypeNone:
		return "None"
	case ErrorTypeLog:
		return "LogError"
	case ErrorTypeStable:
		return "StableError"
	case ErrorTypeSnapshot:
		return "SnapshotError"
	case ErrorTypeStateMachine:
		return "StateMachineError"
	default:
		return "Unknown"
	}
}

// RaftError is a fatal condition for the replica. Once one is reported the replica must stop serving as leader and
// no further entries are applied.
type RaftError struct {
	Type ErrorType
	Err  error
}

func (e *RaftError) Error() string {
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *RaftError) Unwrap() error {
	return e.Err
}
