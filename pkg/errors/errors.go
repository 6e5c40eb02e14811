// Unified error handling for the kinematics host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode is the category of a HostError.
type ErrorCode string

const (
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	ErrKinematics         ErrorCode = "KINEMATICS"
	ErrKinematicsGeometry ErrorCode = "KINEMATICS_GEOMETRY"

	// Per-move rejections. The machine state is unchanged.
	ErrMoveHoming ErrorCode = "MOVE_HOMING"
	ErrMoveRange  ErrorCode = "MOVE_RANGE"
)

// Sentinels matched with errors.Is against move errors.
var (
	ErrMustHome   = stderrors.New("must home")
	ErrOutOfRange = stderrors.New("move out of range")
)

// HostError is a categorized error. Section and Option locate a
// configuration problem; EndPos is the rejected target of a move error.
type HostError struct {
	Code    ErrorCode
	Message string
	Section string
	Option  string
	EndPos  []float64
	Err     error
}

func (e *HostError) Error() string {
	where := string(e.Code)
	if e.Section != "" {
		where += ":" + e.Section
		if e.Option != "" {
			where += "." + e.Option
		}
	}
	return fmt.Sprintf("[%s] %s", where, e.Message)
}

func (e *HostError) Unwrap() error {
	return e.Err
}

// SetSection sets the config section the error belongs to.
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option the error belongs to.
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// New creates a HostError.
func New(code ErrorCode, message string) *HostError {
	return &HostError{Code: code, Message: message}
}

// Wrap categorizes err.
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{Code: code, Message: message, Err: err}
}

// ConfigSectionError reports a missing config section.
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).SetSection(section)
}

// ConfigValidationError reports an option whose value is not allowed.
func ConfigValidationError(section, option, reason string) *HostError {
	return New(ErrConfigValidation, reason).SetSection(section).SetOption(option)
}

// KinematicsError creates a general kinematics error.
func KinematicsError(message string) *HostError {
	return New(ErrKinematics, message)
}

// GeometryError reports a declared geometry that cannot be realised.
func GeometryError(section string, format string, args ...interface{}) *HostError {
	return New(ErrKinematicsGeometry, fmt.Sprintf(format, args...)).SetSection(section)
}

func moveError(sentinel error, code ErrorCode, msg string, endPos []float64) *HostError {
	parts := make([]string, len(endPos))
	for i, p := range endPos {
		parts[i] = fmt.Sprintf("%.3f", p)
	}
	e := Wrap(sentinel, code, msg+": "+strings.Join(parts, " "))
	e.EndPos = append([]float64(nil), endPos...)
	return e
}

// MustHomeError rejects a move because the machine (or one axis) has no
// position reference.
func MustHomeError(msg string, endPos []float64) *HostError {
	return moveError(ErrMustHome, ErrMoveHoming, msg, endPos)
}

// OutOfRangeError rejects a move whose target leaves the envelope.
func OutOfRangeError(endPos []float64) *HostError {
	return moveError(ErrOutOfRange, ErrMoveRange, "Move out of range", endPos)
}

// Is reports whether err is, or wraps, a HostError with code.
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	return stderrors.As(err, &hostErr) && hostErr.Code == code
}

// IsConfig reports whether err comes from configuration, geometry
// included.
func IsConfig(err error) bool {
	var hostErr *HostError
	if !stderrors.As(err, &hostErr) {
		return false
	}
	return strings.HasPrefix(string(hostErr.Code), "CONFIG_") || hostErr.Code == ErrKinematicsGeometry
}

// IsMove reports whether err rejects a single move. The rejected target
// is returned with it.
func IsMove(err error) ([]float64, bool) {
	var hostErr *HostError
	if !stderrors.As(err, &hostErr) {
		return nil, false
	}
	if hostErr.Code != ErrMoveHoming && hostErr.Code != ErrMoveRange {
		return nil, false
	}
	return hostErr.EndPos, true
}
