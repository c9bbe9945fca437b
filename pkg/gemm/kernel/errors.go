// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"fmt"

	"github.com/gomlx/tilegemm/pkg/gemm/tokens"
	"github.com/pkg/errors"
)

// FatalHardwareCondition is returned when a core stops abnormally: a token protocol violation
// or a transfer fault. The output of the invocation is undefined.
type FatalHardwareCondition struct {
	Core  int
	Stage string
	cause error
}

// newFatalHardwareCondition converts the value recovered from a panic.
func newFatalHardwareCondition(core int, stage string, exception any) *FatalHardwareCondition {
	cause, ok := exception.(error)
	if !ok {
		cause = errors.Errorf("%v", exception)
	}
	return &FatalHardwareCondition{Core: core, Stage: stage, cause: cause}
}

// Error implements error.
func (f *FatalHardwareCondition) Error() string {
	return fmt.Sprintf("fatal hardware condition on core #%d (%s stage): %v", f.Core, f.Stage, f.cause)
}

// Unwrap returns the recovered cause.
func (f *FatalHardwareCondition) Unwrap() error { return f.cause }

// IsProtocolViolation returns whether the condition was caused by a token protocol violation.
func (f *FatalHardwareCondition) IsProtocolViolation() bool {
	var violation *tokens.ProtocolViolation
	return errors.As(f.cause, &violation)
}
