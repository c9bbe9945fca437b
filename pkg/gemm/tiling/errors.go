// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// ConfigurationError is returned by Plan when the problem or the budget can't be executed:
// malformed shapes, invalid alignment or quantization settings, or insufficient memory.
//
// It is always detected before any core is launched.
type ConfigurationError struct {
	cause error
}

// ConfigurationErrorf creates a ConfigurationError, for checks of an invocation made against an
// existing plan (e.g. the operand buffers).
func ConfigurationErrorf(format string, args ...any) error {
	return &ConfigurationError{cause: errors.Errorf(format, args...)}
}

// Error implements error.
func (e *ConfigurationError) Error() string {
	return "invalid GEMM configuration: " + e.cause.Error()
}

// Unwrap returns the underlying error, which carries a stack trace.
func (e *ConfigurationError) Unwrap() error { return e.cause }

// Format implements fmt.Formatter, so "%+v" prints the stack trace of the cause.
func (e *ConfigurationError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = fmt.Fprintf(s, "invalid GEMM configuration: %+v", e.cause)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

// SizingError is the ConfigurationError raised when even one minimally aligned tile, plus the
// reserved bias/scale space, doesn't fit the fast-memory budget.
type SizingError struct {
	// Resource is the exhausted memory: "staging" or "accumulator".
	Resource string
	// Needed and Available are in bytes.
	Needed, Available int

	config *ConfigurationError
}

func newSizingError(resource string, needed, available int) error {
	e := &SizingError{Resource: resource, Needed: needed, Available: available}
	e.config = &ConfigurationError{cause: errors.Errorf("%s memory needs at least %s for one minimal tile, budget is %s",
		resource, humanize.IBytes(uint64(needed)), humanize.IBytes(uint64(max(available, 0))))}
	return e
}

// Error implements error.
func (e *SizingError) Error() string { return e.config.Error() }

// Unwrap returns the ConfigurationError this sizing error is a case of.
func (e *SizingError) Unwrap() error { return e.config }

// IsConfigurationError returns whether err is (or wraps) a ConfigurationError, which includes
// SizingError.
func IsConfigurationError(err error) bool {
	var configErr *ConfigurationError
	return errors.As(err, &configErr)
}

// IsSizingError returns whether err is (or wraps) a SizingError.
func IsSizingError(err error) bool {
	var sizingErr *SizingError
	return errors.As(err, &sizingErr)
}
