package types

import (
	"errors"
	"fmt"
	"strings"
)

// Pipeline error kinds. Use errors.Is against these; use errors.As against
// the typed errors below for detail.
var (
	ErrConfiguration           = errors.New("configuration error")
	ErrNoRelevantFiles         = errors.New("no relevant files")
	ErrParse                   = errors.New("parse error")
	ErrUnrecoverableTruncation = errors.New("unrecoverable truncation")
	ErrNoPlan                  = errors.New("plan has no steps")
)

// ConfigurationError reports unknown model limits or invalid settings.
type ConfigurationError struct {
	Model  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("%s: %s", ErrConfiguration, e.Reason)
	}
	return fmt.Sprintf("%s: model %q: %s", ErrConfiguration, e.Model, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// NoRelevantFilesError reports a step for which retrieval found no context.
type NoRelevantFilesError struct {
	Step string
}

func (e *NoRelevantFilesError) Error() string {
	return fmt.Sprintf("%s for step %q", ErrNoRelevantFiles, e.Step)
}

func (e *NoRelevantFilesError) Unwrap() error { return ErrNoRelevantFiles }

// ParseError reports a missing or malformed structured block.
type ParseError struct {
	Block string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: missing <%s> block", ErrParse, e.Block)
	}
	return fmt.Sprintf("%s: <%s>: %v", ErrParse, e.Block, e.Err)
}

// Unwrap exposes both the kind and the underlying cause.
func (e *ParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrParse}
	}
	return []error{ErrParse, e.Err}
}

// UnrecoverableTruncationError reports a truncated response from which no
// complete entry could be salvaged.
type UnrecoverableTruncationError struct {
	Reasons []string
}

func (e *UnrecoverableTruncationError) Error() string {
	if len(e.Reasons) == 0 {
		return ErrUnrecoverableTruncation.Error()
	}
	return fmt.Sprintf("%s (%s)", ErrUnrecoverableTruncation, strings.Join(e.Reasons, "; "))
}

func (e *UnrecoverableTruncationError) Unwrap() error { return ErrUnrecoverableTruncation }
