package config

import (
	"fmt"

	"deltacore/pkg/errors"
)

// ConfigError represents a configuration error with context. Its cause
// carries a pkg/errors config code, so errors.IsConfig matches it.
type ConfigError struct {
	Section string
	Option  string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	if e.Option != "" {
		return fmt.Sprintf("Option '%s' in section '%s': %s", e.Option, e.Section, e.Message)
	}
	if e.Section != "" {
		return fmt.Sprintf("Section '%s': %s", e.Section, e.Message)
	}
	return e.Message
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

func newError(code errors.Code, section, option, message string) *ConfigError {
	return &ConfigError{
		Section: section,
		Option:  option,
		Message: message,
		Cause:   errors.New(code, message).SetComponent("config"),
	}
}

// WrapError wraps a parse or read error with config context.
func WrapError(section, option string, err error) *ConfigError {
	return &ConfigError{
		Section: section,
		Option:  option,
		Message: err.Error(),
		Cause:   errors.Wrap(err, errors.CodeConfigType, "config").SetComponent("config"),
	}
}

// ErrOutOfRange returns an error for a value outside the allowed range.
func ErrOutOfRange(section, option string, value float64, constraint string) *ConfigError {
	return newError(errors.CodeConfigValidation, section, option,
		fmt.Sprintf("value %v %s", value, constraint))
}

// ErrInvalidChoice returns an error for an invalid choice value.
func ErrInvalidChoice(section, option, value string, choices []string) *ConfigError {
	return newError(errors.CodeConfigOption, section, option,
		fmt.Sprintf("'%s' is not a valid choice (valid: %v)", value, choices))
}
