// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"github.com/gomlx/tilegemm/pkg/core/kinds"
	"github.com/gomlx/tilegemm/pkg/core/memory"
	"github.com/gomlx/tilegemm/pkg/gemm/tiling"
)

// Operands are the bulk memory buffers of one invocation.
//
// Layouts, all row-major:
//
//   - A: [batchA..., M, K], or [batchA..., K, M] if transposed.
//   - B: [batchB..., K, N], or [batchB..., N, K] if transposed.
//   - Scales and offsets: see tiling.QuantSpec, shared across the batch.
//   - Bias: [N].
//   - Addend and Out: [batch..., M, N], with the broadcast output batch dimensions.
type Operands struct {
	A, B              *memory.Buffer
	ScaleA, OffsetA   *memory.Buffer
	ScaleB, OffsetB   *memory.Buffer
	Bias, Addend, Out *memory.Buffer
}

// Validate checks the buffers against the plan: presence, element kinds and lengths.
// It returns a tiling.ConfigurationError on mismatch.
func (o *Operands) Validate(plan *tiling.BlockPlan) error {
	p := &plan.Problem
	check := func(name string, buf *memory.Buffer, required bool, kind kinds.Kind, size int) error {
		if !required {
			if buf != nil {
				return tiling.ConfigurationErrorf("operand buffer %s given, but not expected by the plan", name)
			}
			return nil
		}
		if buf == nil {
			return tiling.ConfigurationErrorf("operand buffer %s missing", name)
		}
		if buf.Kind() != kind {
			return tiling.ConfigurationErrorf("operand buffer %s has kind %s, plan expects %s", name, buf.Kind(), kind)
		}
		if buf.Size() != size {
			return tiling.ConfigurationErrorf("operand buffer %s has %d elements, plan expects %d", name, buf.Size(), size)
		}
		return nil
	}
	quantChecks := func(op tiling.Operand, scale, offset *memory.Buffer) error {
		spec := plan.Operand(op)
		quantized := spec.Quant != nil
		var scaleKind kinds.Kind
		if quantized {
			scaleKind = spec.Quant.ScaleKind
		}
		if err := check("Scale"+op.String(), scale, quantized, scaleKind, plan.ScaleSize(op)); err != nil {
			return err
		}
		return check("Offset"+op.String(), offset, quantized && spec.Quant.HasOffset, scaleKind, plan.ScaleSize(op))
	}

	if err := check("A", o.A, true, p.A.Kind, plan.OperandSize(tiling.OperandA)); err != nil {
		return err
	}
	if err := check("B", o.B, true, p.B.Kind, plan.OperandSize(tiling.OperandB)); err != nil {
		return err
	}
	if err := quantChecks(tiling.OperandA, o.ScaleA, o.OffsetA); err != nil {
		return err
	}
	if err := quantChecks(tiling.OperandB, o.ScaleB, o.OffsetB); err != nil {
		return err
	}
	var biasKind, addendKind kinds.Kind
	if p.Bias != nil {
		biasKind = p.Bias.Kind
	}
	if p.Addend != nil {
		addendKind = p.Addend.Kind
	}
	if err := check("Bias", o.Bias, p.Bias != nil, biasKind, p.N); err != nil {
		return err
	}
	if err := check("Addend", o.Addend, p.Addend != nil, addendKind, plan.OutputSize()); err != nil {
		return err
	}
	return check("Out", o.Out, true, p.Out, plan.OutputSize())
}
