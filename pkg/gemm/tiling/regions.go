// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import "fmt"

// Operand identifies one of the two input operands.
type Operand int

const (
	OperandA Operand = iota
	OperandB
)

// String implements fmt.Stringer.
func (op Operand) String() string {
	switch op {
	case OperandA:
		return "A"
	case OperandB:
		return "B"
	}
	return fmt.Sprintf("Operand(%d)", int(op))
}

func (op Operand) prefix() string {
	if op == OperandB {
		return "b"
	}
	return "a"
}

// SlotRegion is the name of the staging region holding the subtile of slot parity.
func SlotRegion(op Operand, parity int) string { return fmt.Sprintf("%s/slot%d", op.prefix(), parity) }

// ScaleRegion is the name of the staging region holding the scales of slot parity.
func ScaleRegion(op Operand, parity int) string {
	return fmt.Sprintf("%s/scale%d", op.prefix(), parity)
}

// OffsetRegion is the name of the staging region holding the offsets of slot parity.
func OffsetRegion(op Operand, parity int) string {
	return fmt.Sprintf("%s/offset%d", op.prefix(), parity)
}

// BiasRegion is the name of the staging region holding the bias, attached to A slot parity.
func BiasRegion(parity int) string { return fmt.Sprintf("bias%d", parity) }

// AccumulatorRegion is the name of accumulator parity.
func AccumulatorRegion(parity int) string { return fmt.Sprintf("acc%d", parity) }
