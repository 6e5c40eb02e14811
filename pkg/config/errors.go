package config

import (
	"fmt"

	kerrors "klipper-go-kinematics/pkg/errors"
)

// ErrMissingOption reports a required option that is not set.
func ErrMissingOption(section, option string) *kerrors.HostError {
	return kerrors.New(kerrors.ErrConfigOption, "must be specified").SetSection(section).SetOption(option)
}

// ErrMissingSection reports a section the kinematics need but the file
// lacks.
func ErrMissingSection(section string) *kerrors.HostError {
	return kerrors.ConfigSectionError(section)
}

// ErrInvalidValue reports a value that does not parse as expected.
func ErrInvalidValue(section, option, value, expected string) *kerrors.HostError {
	msg := fmt.Sprintf("invalid value '%s', expected %s", value, expected)
	return kerrors.New(kerrors.ErrConfigType, msg).SetSection(section).SetOption(option)
}

// ErrOutOfRange reports a value violating constraint.
func ErrOutOfRange(section, option string, value float64, constraint string) *kerrors.HostError {
	return kerrors.ConfigValidationError(section, option, fmt.Sprintf("value %v %s", value, constraint))
}

// ErrInvalidChoice reports a value outside choices.
func ErrInvalidChoice(section, option, value string, choices []string) *kerrors.HostError {
	return kerrors.ConfigValidationError(section, option,
		fmt.Sprintf("'%s' is not a valid choice (valid: %v)", value, choices))
}
