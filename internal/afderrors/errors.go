// Package afderrors implements the error taxonomy of §7: small marker
// interfaces instead of exceptions, plus the single translation point
// (ExitCode) from an internal error to the numeric worker exit code the
// Dispatcher's read_fin handler switches on (§4.7 step 3, §6).
package afderrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error per the abstract taxonomy of §7.
type Kind uint8

// Error kinds
const (
	KindTransientNetwork Kind = iota
	KindRemoteSemantic
	KindLocalIO
	KindResourceExhaustion
	KindProgrammer
	KindUserCaused
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient-network"
	case KindRemoteSemantic:
		return "remote-semantic"
	case KindLocalIO:
		return "local-io"
	case KindResourceExhaustion:
		return "resource-exhaustion"
	case KindProgrammer:
		return "programmer"
	case KindUserCaused:
		return "user-caused"
	default:
		return "unknown"
	}
}

// Error wraps a cause with a Kind and an ExitCode, §7/§6.
type Error struct {
	Kind     Kind
	Code     ExitCode
	Op       string // the operation that failed, e.g. "dial", "write-remote"
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retriable reports whether the Dispatcher should re-queue the job that
// produced this error, §7 "Transient network"/"Remote semantic" policy.
func (e *Error) Retriable() bool {
	return e.Kind == KindTransientNetwork || e.Kind == KindRemoteSemantic
}

// Fatal reports whether the worker must terminate immediately without
// re-queue, §7 "Local I/O"/"Resource exhaustion" policy.
func (e *Error) Fatal() bool {
	return e.Kind == KindLocalIO || e.Kind == KindResourceExhaustion
}

// New constructs a classified Error.
func New(kind Kind, code ExitCode, op string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Op: op, Cause: cause}
}

// Wrap classifies a plain error as a transient-network error with the
// given exit code — the common case for protocol-codec failures.
func Wrap(code ExitCode, op string, cause error) *Error {
	return New(KindTransientNetwork, code, op, cause)
}

// Retriable reports whether err (or something it wraps) demands a retry.
func Retriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retriable()
	}
	return false
}

// Fatal reports whether err (or something it wraps) is fatal to the worker.
func Fatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal()
	}
	return false
}

// CodeOf extracts the ExitCode from err, defaulting to Incorrect if err
// doesn't carry one (§7 "Propagation": workers only ever signal via exit
// code + one structured event, never a raw error value).
func CodeOf(err error) ExitCode {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Incorrect
}
