package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine package.
var (
	// ErrConfiguration is returned when an attachment cannot be built against
	// the host graph.
	ErrConfiguration = errors.New("invalid intervention configuration")

	// ErrInputArity is returned when per-call arguments do not line up with
	// the declared attachments.
	ErrInputArity = errors.New("invalid input arity")

	// ErrGradientUndefined is returned by Backward when a composed value has
	// no well-defined gradient.
	ErrGradientUndefined = errors.New("gradient undefined")
)

// ConfigError wraps a configuration failure with the attachment that caused it.
type ConfigError struct {
	Attachment int
	Field      string
	Err        error
}

// Error returns the error message.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: attachment %d: %s: %v", ErrConfiguration, e.Attachment, e.Field, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Is matches ErrConfiguration.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

func configError(attachment int, field string, err error) *ConfigError {
	return &ConfigError{Attachment: attachment, Field: field, Err: err}
}

// ArityError describes a per-call argument that does not fit the config.
// Attachment is -1 when the whole argument list has the wrong length.
type ArityError struct {
	Argument   string
	Attachment int
	Got        int
	Want       int
	Reason     string
}

// Error returns the error message.
func (e *ArityError) Error() string {
	if e.Attachment < 0 && e.Reason != "" {
		return fmt.Sprintf("%v: %s: %s", ErrInputArity, e.Argument, e.Reason)
	}
	if e.Attachment < 0 {
		return fmt.Sprintf("%v: %s has %d entries, config declares %d attachments", ErrInputArity, e.Argument, e.Got, e.Want)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%v: %s[%d]: %s", ErrInputArity, e.Argument, e.Attachment, e.Reason)
	}
	return fmt.Sprintf("%v: %s[%d] has %d entries, want %d", ErrInputArity, e.Argument, e.Attachment, e.Got, e.Want)
}

// Is matches ErrInputArity.
func (e *ArityError) Is(target error) bool {
	return target == ErrInputArity
}

// GradientError names the hook point and the attachments whose unlinked
// rotated writes collide.
type GradientError struct {
	HookPoint   string
	Attachments []int
	Index       int // first rotated coordinate written by more than one unit
}

// Error returns the error message.
func (e *GradientError) Error() string {
	return fmt.Sprintf("%v: attachments %v write rotated coordinate %d at %s through distinct units",
		ErrGradientUndefined, e.Attachments, e.Index, e.HookPoint)
}

// Is matches ErrGradientUndefined.
func (e *GradientError) Is(target error) bool {
	return target == ErrGradientUndefined
}
