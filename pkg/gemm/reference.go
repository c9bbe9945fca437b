// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/tilegemm/pkg/core/kinds"
	"github.com/gomlx/tilegemm/pkg/core/memory"
	"github.com/gomlx/tilegemm/pkg/gemm/tiling"
)

// Reference computes the output of the plan's problem naively, in float64, without tiling:
// one value per output element (before the cast to the output kind).
//
// Operands must be valid for the plan (see Operands.Validate); the output buffer is not used.
func Reference(plan *tiling.BlockPlan, operands *Operands) []float64 {
	p := &plan.Problem
	m, n, k := p.M, p.N, p.K
	out := make([]float64, plan.OutputSize())
	lhs := make([]float64, m*k)
	rhs := make([]float64, k*n)
	for batch := range plan.BatchCount {
		batchA := referenceBatch(plan.OutBatchDims, p.A.BatchDims, batch)
		batchB := referenceBatch(plan.OutBatchDims, p.B.BatchDims, batch)
		for row := range m {
			for kk := range k {
				idx := (batchA*m+row)*k + kk
				if p.A.Transposed {
					idx = (batchA*k+kk)*m + row
				}
				lhs[row*k+kk] = dequantize(operands.A.At(idx), p.A.Quant, operands.ScaleA, operands.OffsetA,
					scaleIndex(p, p.A.Quant, true, row, kk))
			}
		}
		for kk := range k {
			for col := range n {
				idx := (batchB*k+kk)*n + col
				if p.B.Transposed {
					idx = (batchB*n+col)*k + kk
				}
				rhs[kk*n+col] = dequantize(operands.B.At(idx), p.B.Quant, operands.ScaleB, operands.OffsetB,
					scaleIndex(p, p.B.Quant, false, col, kk))
			}
		}
		for row := range m {
			for col := range n {
				outIdx := (batch*m+row)*n + col
				var sum float64
				if p.Addend != nil {
					sum = float64(p.Addend.Beta) * float64(operands.Addend.At(outIdx))
				}
				for kk := range k {
					sum += lhs[row*k+kk] * rhs[kk*n+col]
				}
				if p.Bias != nil {
					sum += float64(operands.Bias.At(col))
				}
				out[outIdx] = sum
			}
		}
	}
	return out
}

// referenceBatch maps the flat output batch index to the flat batch index of an operand with
// the given batch dimensions, right-aligned and broadcast.
func referenceBatch(outDims, dims []int, batch int) int {
	index, stride := 0, 1
	for axis := len(outDims) - 1; axis >= 0; axis-- {
		coord := batch % outDims[axis]
		batch /= outDims[axis]
		operandAxis := axis - (len(outDims) - len(dims))
		if operandAxis < 0 {
			continue
		}
		if dims[operandAxis] != 1 {
			index += coord * stride
		}
		stride *= dims[operandAxis]
	}
	return index
}

// scaleIndex returns the index of the scale of the element at (channel, k).
func scaleIndex(p *tiling.ProblemShape, quant *tiling.QuantSpec, isA bool, channel, k int) int {
	if quant == nil {
		return 0
	}
	switch quant.Granularity {
	case tiling.PerChannel:
		return channel
	case tiling.PerGroup:
		numGroups := (p.K + quant.GroupSize - 1) / quant.GroupSize
		if isA {
			return channel*numGroups + k/quant.GroupSize
		}
		return (k/quant.GroupSize)*p.N + channel
	}
	return 0
}

func dequantize(v float32, quant *tiling.QuantSpec, scale, offset *memory.Buffer, idx int) float64 {
	if quant == nil {
		return float64(v)
	}
	var off float64
	if quant.HasOffset {
		off = float64(offset.At(idx))
	}
	return (float64(v) - off) * float64(scale.At(idx))
}

// RandomOperands allocates operands for the plan's problem, filled with random values that are
// exactly representable in their kinds. The output buffer is allocated and zeroed.
func RandomOperands(plan *tiling.BlockPlan, rng *rand.Rand) *Operands {
	p := &plan.Problem
	ops := &Operands{
		A:   randomBuffer(rng, p.A.Kind, plan.OperandSize(tiling.OperandA), -1, 1),
		B:   randomBuffer(rng, p.B.Kind, plan.OperandSize(tiling.OperandB), -1, 1),
		Out: memory.NewBuffer(p.Out, plan.OutputSize()),
	}
	if q := p.A.Quant; q != nil {
		ops.ScaleA = randomBuffer(rng, q.ScaleKind, plan.ScaleSize(tiling.OperandA), 0.5, 1.5)
		if q.HasOffset {
			ops.OffsetA = randomBuffer(rng, q.ScaleKind, plan.ScaleSize(tiling.OperandA), -2, 2)
		}
	}
	if q := p.B.Quant; q != nil {
		ops.ScaleB = randomBuffer(rng, q.ScaleKind, plan.ScaleSize(tiling.OperandB), 0.5, 1.5)
		if q.HasOffset {
			ops.OffsetB = randomBuffer(rng, q.ScaleKind, plan.ScaleSize(tiling.OperandB), -2, 2)
		}
	}
	if p.Bias != nil {
		ops.Bias = randomBuffer(rng, p.Bias.Kind, p.N, -1, 1)
	}
	if p.Addend != nil {
		ops.Addend = randomBuffer(rng, p.Addend.Kind, plan.OutputSize(), -1, 1)
	}
	return ops
}

// randomBuffer fills a buffer with values uniform in [lo, hi) for float kinds, or with integers
// representable in 4 bits (of the kind's signedness) for integer kinds.
func randomBuffer(rng *rand.Rand, kind kinds.Kind, size int, lo, hi float32) *memory.Buffer {
	buf := memory.NewBuffer(kind, size)
	var intLo, intHi int64
	if !kind.IsFloat() {
		bits := min(kind.Bits(), 4)
		if kind.Descriptor().Signed {
			intLo, intHi = -(1 << (bits - 1)), 1<<(bits-1)-1
		} else {
			intHi = 1<<bits - 1
		}
	}
	for i := range size {
		var v float32
		if kind.IsFloat() {
			v = lo + (hi-lo)*rng.Float32()
		} else {
			v = float32(intLo + rng.Int64N(intHi-intLo+1))
		}
		buf.Set(i, v)
	}
	return buf
}

// MaxRelativeError returns the largest difference between out and the reference values (cast to
// the output kind), relative to max(1, |reference|).
func MaxRelativeError(out *memory.Buffer, reference []float64) float64 {
	var worst float64
	for i, want := range reference {
		quantized := float64(out.Kind().Quantize(float32(want)))
		diff := math.Abs(float64(out.At(i))-quantized) / max(1, math.Abs(want))
		if math.IsNaN(diff) {
			return math.Inf(1)
		}
		worst = max(worst, diff)
	}
	return worst
}
