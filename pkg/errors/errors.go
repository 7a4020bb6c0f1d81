// Coded errors for the delta motion core
//
// None of these errors is fatal to the controller. The code tells the caller
// which recovery applies: a rejected move is a no-op, a failed homing run
// clears the homed flag, an out-of-bounds target is dropped.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
)

// Code is the category of an error
type Code string

const (
	// Configuration
	CodeConfigOption     Code = "CONFIG_OPTION"
	CodeConfigValidation Code = "CONFIG_VALIDATION"
	CodeConfigType       Code = "CONFIG_TYPE"

	// Geometry and kinematics
	CodeGeometry    Code = "GEOMETRY"
	CodeUnreachable Code = "KINEMATICS_UNREACHABLE"

	// Motion
	CodeMotionRejected Code = "MOTION_REJECTED"
	CodeOutOfBounds    Code = "MOTION_OUT_OF_BOUNDS"

	// Calibration
	CodeHomingFailed Code = "HOMING_FAILED"
	CodeProbe        Code = "PROBE"
	CodeDistortion   Code = "DISTORTION"

	// Persisted state
	CodeStorage Code = "STORAGE"
)

// Error is the coded error type shared by every package of the core
type Error struct {
	Code      Code
	Message   string
	Component string
	Err       error
	Context   map[string]any
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if e.Component != "" {
		msg = e.Component + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so that errors.Is(err, errors.New(code, ""))
// works as a category test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// SetComponent records which component raised the error
func (e *Error) SetComponent(name string) *Error {
	e.Component = name
	return e
}

// SetContext attaches a key/value pair
func (e *Error) SetContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates an error with the given code
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a code and message
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// MotionRejected reports a move the motion queue refused
func MotionRejected(operation string, err error) *Error {
	return Wrap(err, CodeMotionRejected, operation+" returned error")
}

// OutOfBounds reports a target outside the printable envelope
func OutOfBounds(x, y, z float64) *Error {
	return Newf(CodeOutOfBounds, "position x=%.3f y=%.3f z=%.3f not allowed", x, y, z).
		SetContext("x", x).SetContext("y", y).SetContext("z", z)
}

// Unreachable reports a Cartesian target the kinematics cannot reach
func Unreachable(x, y, z int32) *Error {
	return Newf(CodeUnreachable, "cartesian steps (%d, %d, %d) unreachable", x, y, z)
}

// HomingFailed reports a homing run that did not confirm all endstops
func HomingFailed(reason string) *Error {
	return New(CodeHomingFailed, reason).SetComponent("homing")
}

// ProbeFailed wraps a probing error
func ProbeFailed(err error) *Error {
	return Wrap(err, CodeProbe, "z probe failed")
}

// Storage wraps a persisted-state error
func Storage(operation string, err error) *Error {
	return Wrap(err, CodeStorage, operation).SetComponent("storage")
}

// CodeOf returns the code of the first *Error in err's chain
func CodeOf(err error) (Code, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// Is reports whether err's chain carries the given code
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// IsConfig reports a configuration error
func IsConfig(err error) bool {
	return Is(err, CodeConfigOption) || Is(err, CodeConfigValidation) || Is(err, CodeConfigType)
}
