// Package cmn holds the small ambient pieces every BAKE package depends
// on: the status-code taxonomy, provider/backend configuration, and
// direct-I/O block-alignment helpers. Modeled on aistore's own cmn
// package, which plays the same "everyone imports this, nothing imports
// back" role.
/*
 * Copyright (c) 2024, BAKE contributors. All rights reserved.
 */
package cmn

import (
	"github.com/pkg/errors"
)

// Code is a stable, negative status code, wire-compatible with spec §6's
// error-code table. Zero means success everywhere a Code crosses the RPC
// boundary.
type Code int32

const (
	CodeOK Code = 0

	CodeAllocation Code = -(iota + 1)
	CodeInvalidArg
	CodeMercury
	CodeArgobots
	CodePMEM
	CodeUnknownTarget
	CodeUnknownProvider
	CodeUnknownRegion
	CodeOutOfBounds
	CodeRemi
	CodeOpUnsupported
	CodeForbidden
	CodeBackendType
	CodeIO
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeAllocation:
		return "allocation"
	case CodeInvalidArg:
		return "invalid-arg"
	case CodeMercury:
		return "mercury"
	case CodeArgobots:
		return "argobots"
	case CodePMEM:
		return "pmem"
	case CodeUnknownTarget:
		return "unknown-target"
	case CodeUnknownProvider:
		return "unknown-provider"
	case CodeUnknownRegion:
		return "unknown-region"
	case CodeOutOfBounds:
		return "out-of-bounds"
	case CodeRemi:
		return "remi"
	case CodeOpUnsupported:
		return "op-unsupported"
	case CodeForbidden:
		return "forbidden"
	case CodeBackendType:
		return "backend-type"
	case CodeIO:
		return "io"
	default:
		return "unknown-error"
	}
}

// Error is the one error type that crosses every package boundary in
// BAKE: backend implementations return it, the transfer engine stores
// the first one observed, and RPC handlers translate it straight into
// a wire status code.
type Error struct {
	code Code
	msg  string
	// cause is the wrapped OS-level or peer error, if any; kept for
	// %+v-style diagnostics but never part of Code() translation.
	cause error
}

func NewError(code Code, msg string) *Error { return &Error{code: code, msg: msg} }

func Wrap(code Code, cause error, msg string) *Error {
	return &Error{code: code, msg: msg, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *Error) Code() Code   { return e.code }
func (e *Error) Unwrap() error { return e.cause }

// Propagate is what the callers of fabric.Server.Call (client.Client.call,
// the provider's migration calls) use to cross a Call without
// clobbering a handler's status code: a *cmn.Error surfacing from the
// far side already names the precondition/resource/protocol failure
// spec §7 says the handler "maps to a status code in the response", so
// it passes through unchanged. Only an error with no status code of its
// own (a genuine transport failure — no such handler, foreign address
// type, a network-level I/O error) gets labeled code.
func Propagate(code Code, err error, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	return Wrap(code, err, msg)
}

// CodeOf recovers the BAKE status code for any error, unwrapping through
// pkg/errors-style causes so a *cmn.Error wrapped deep inside an
// errors.Wrap chain still reports correctly to the RPC dispatch layer.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	type coder interface{ Code() Code }
	for err != nil {
		if c, ok := err.(coder); ok {
			return c.Code()
		}
		cause := errors.Cause(err)
		if cause == err {
			break
		}
		err = cause
	}
	return CodeIO
}

var (
	ErrAllocation      = NewError(CodeAllocation, "allocation failure")
	ErrInvalidArg      = NewError(CodeInvalidArg, "invalid argument")
	ErrUnknownTarget   = NewError(CodeUnknownTarget, "unknown target")
	ErrUnknownProvider = NewError(CodeUnknownProvider, "unknown provider")
	ErrUnknownRegion   = NewError(CodeUnknownRegion, "unknown region")
	ErrOutOfBounds     = NewError(CodeOutOfBounds, "access beyond region size")
	ErrOpUnsupported   = NewError(CodeOpUnsupported, "operation unsupported on this backend")
	ErrForbidden       = NewError(CodeForbidden, "forbidden")
	ErrBackendType     = NewError(CodeBackendType, "region id does not match target's backend type")
)
