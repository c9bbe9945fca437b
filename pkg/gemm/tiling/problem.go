// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/tilegemm/pkg/core/kinds"
)

// Granularity of the scale (and offset) of a quantized operand.
type Granularity int

const (
	// PerTensor uses one scale for the whole operand.
	PerTensor Granularity = iota
	// PerChannel uses one scale per row of A (M scales) or per column of B (N scales).
	PerChannel
	// PerGroup uses one scale per GroupSize consecutive elements along K, per channel:
	// A scales are [M, ceil(K/GroupSize)], B scales are [ceil(K/GroupSize), N].
	PerGroup
)

// String implements fmt.Stringer.
func (g Granularity) String() string {
	switch g {
	case PerTensor:
		return "per-tensor"
	case PerChannel:
		return "per-channel"
	case PerGroup:
		return "per-group"
	}
	return fmt.Sprintf("Granularity(%d)", int(g))
}

// QuantSpec describes the dequantization of an operand: value = (q - offset) * scale.
type QuantSpec struct {
	Granularity Granularity
	// GroupSize along K, only used with PerGroup.
	GroupSize int
	// ScaleKind is the element kind of the scale and offset buffers. Defaults to Float32.
	ScaleKind kinds.Kind
	// HasOffset indicates an offset (zero-point) buffer is given along with the scales.
	HasOffset bool
}

// OperandSpec describes one input operand of the multiplication.
type OperandSpec struct {
	Kind kinds.Kind

	// BatchDims are the nested batch axes of the operand. They are broadcast against the other
	// operand's batch axes, right-aligned: each axis must be equal to the output axis or 1.
	BatchDims []int

	// Transposed operands are stored K×M (for A) or N×K (for B) in bulk memory.
	Transposed bool

	// Quant is set for quantized operands.
	Quant *QuantSpec
}

// BiasSpec describes a bias vector of length N, added once to every output row.
type BiasSpec struct {
	Kind kinds.Kind
}

// AddendSpec describes a tensor C, shaped like the output, whose scaled value is inherited by
// the accumulator before the reduction starts: out = Beta*C + A×B.
type AddendSpec struct {
	Kind kinds.Kind
	Beta float32
}

// ProblemShape is the input of the planner: out[batch, M, N] = A[batch, M, K] × B[batch, K, N].
type ProblemShape struct {
	M, N, K int
	A, B    OperandSpec
	Bias    *BiasSpec
	Addend  *AddendSpec
	Out     kinds.Kind
}

// Clone returns a deep copy of the problem.
func (p ProblemShape) Clone() ProblemShape {
	c := p
	c.A = p.A.clone()
	c.B = p.B.clone()
	if p.Bias != nil {
		bias := *p.Bias
		c.Bias = &bias
	}
	if p.Addend != nil {
		addend := *p.Addend
		c.Addend = &addend
	}
	return c
}

func (o OperandSpec) clone() OperandSpec {
	c := o
	c.BatchDims = slices.Clone(o.BatchDims)
	if o.Quant != nil {
		q := *o.Quant
		c.Quant = &q
	}
	return c
}

// String implements fmt.Stringer.
func (p ProblemShape) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s%v×%s%v -> %s[M=%d, N=%d, K=%d]",
		p.A.Kind, p.A.BatchDims, p.B.Kind, p.B.BatchDims, p.Out, p.M, p.N, p.K)
	if p.A.Transposed {
		sb.WriteString(" transA")
	}
	if p.B.Transposed {
		sb.WriteString(" transB")
	}
	if p.A.Quant != nil {
		_, _ = fmt.Fprintf(&sb, " quantA=%s", p.A.Quant.Granularity)
	}
	if p.B.Quant != nil {
		_, _ = fmt.Fprintf(&sb, " quantB=%s", p.B.Quant.Granularity)
	}
	if p.Bias != nil {
		sb.WriteString(" +bias")
	}
	if p.Addend != nil {
		_, _ = fmt.Fprintf(&sb, " +%g·C", p.Addend.Beta)
	}
	return sb.String()
}

// ScaleSize returns the number of scale (and offset) values of an operand with the given
// quantization, for a problem of the given dimensions. isA selects between operand A and B.
func (q *QuantSpec) ScaleSize(p *ProblemShape, isA bool) int {
	if q == nil {
		return 0
	}
	channels := p.N
	if isA {
		channels = p.M
	}
	switch q.Granularity {
	case PerChannel:
		return channels
	case PerGroup:
		return channels * ceilDiv(p.K, q.GroupSize)
	default:
		return 1
	}
}

// validate the problem, returning a ConfigurationError on failure.
func (p *ProblemShape) validate() error {
	if p.M <= 0 || p.N <= 0 || p.K <= 0 {
		return ConfigurationErrorf("matrix dimensions must be positive, got M=%d, N=%d, K=%d", p.M, p.N, p.K)
	}
	for _, op := range []struct {
		name string
		spec *OperandSpec
	}{{"A", &p.A}, {"B", &p.B}} {
		if !op.spec.Kind.IsValid() {
			return ConfigurationErrorf("operand %s has invalid element kind %s", op.name, op.spec.Kind)
		}
		for axis, dim := range op.spec.BatchDims {
			if dim <= 0 {
				return ConfigurationErrorf("operand %s batch axis %d has dimension %d, must be positive (batch dims %v)",
					op.name, axis, dim, op.spec.BatchDims)
			}
		}
		if q := op.spec.Quant; q != nil {
			switch q.Granularity {
			case PerTensor, PerChannel:
			case PerGroup:
				if q.GroupSize <= 0 {
					return ConfigurationErrorf("operand %s per-group quantization needs a positive group size, got %d",
						op.name, q.GroupSize)
				}
			default:
				return ConfigurationErrorf("operand %s has unknown quantization granularity %s", op.name, q.Granularity)
			}
			if !q.ScaleKind.IsValid() || !q.ScaleKind.IsFloat() {
				return ConfigurationErrorf("operand %s scale kind must be a float kind, got %s", op.name, q.ScaleKind)
			}
		}
	}
	if p.Bias != nil && !p.Bias.Kind.IsValid() {
		return ConfigurationErrorf("bias has invalid element kind %s", p.Bias.Kind)
	}
	if p.Addend != nil && !p.Addend.Kind.IsValid() {
		return ConfigurationErrorf("addend has invalid element kind %s", p.Addend.Kind)
	}
	if !p.Out.IsValid() || p.Out.Bits() < 8 {
		return ConfigurationErrorf("output kind must be byte-addressable (at least 8 bits), got %s", p.Out)
	}
	return nil
}

// applyDefaults fills default scale kinds.
func (p *ProblemShape) applyDefaults() {
	for _, spec := range []*OperandSpec{&p.A, &p.B} {
		if spec.Quant != nil && spec.Quant.ScaleKind == kinds.Invalid {
			spec.Quant.ScaleKind = kinds.Float32
		}
	}
}

// broadcastBatch returns the output batch dimensions and, for each operand, the stride of each
// output batch axis in the operand's flat batch index (0 for broadcast axes).
func broadcastBatch(aDims, bDims []int) (outDims, stridesA, stridesB []int, err error) {
	rank := max(len(aDims), len(bDims))
	padded := func(dims []int) []int {
		p := make([]int, rank)
		for i := range p {
			p[i] = 1
		}
		copy(p[rank-len(dims):], dims)
		return p
	}
	pa, pb := padded(aDims), padded(bDims)
	outDims = make([]int, rank)
	for axis := range rank {
		switch {
		case pa[axis] == pb[axis]:
			outDims[axis] = pa[axis]
		case pa[axis] == 1:
			outDims[axis] = pb[axis]
		case pb[axis] == 1:
			outDims[axis] = pa[axis]
		default:
			return nil, nil, nil, ConfigurationErrorf("batch dimensions %v and %v are not broadcast-compatible at axis %d",
				aDims, bDims, axis)
		}
	}
	return outDims, broadcastStrides(pa, outDims), broadcastStrides(pb, outDims), nil
}

// broadcastStrides returns row-major strides of the operand dims, with 0 where the operand is
// broadcast along an output axis.
func broadcastStrides(dims, outDims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		if dims[axis] == 1 && outDims[axis] != 1 {
			strides[axis] = 0
		} else {
			strides[axis] = stride
		}
		stride *= dims[axis]
	}
	return strides
}
