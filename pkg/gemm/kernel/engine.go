// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"github.com/gomlx/tilegemm/pkg/core/kinds"
	"github.com/gomlx/tilegemm/pkg/core/memory"
	"github.com/gomlx/tilegemm/pkg/gemm/distribute"
	"github.com/gomlx/tilegemm/pkg/gemm/tiling"
	"github.com/gomlx/tilegemm/pkg/gemm/tokens"
)

// EngineState is the state of the compute engine for the current work item.
type EngineState int

const (
	// StateInit acquires and initializes an accumulator.
	StateInit EngineState = iota
	// StateIterateK multiply-accumulates the reduction subtiles.
	StateIterateK
	// StateFinalize hands the accumulator to the output stage.
	StateFinalize
)

// dequantizer converts staged raw values to float32.
type dequantizer struct {
	kind  kinds.Kind
	quant *tiling.QuantSpec

	// Per-tensor scale and offset, kept by the engine for the whole run.
	scale, offset float32
}

func newDequantizer(spec *tiling.OperandSpec, scale, offset *memory.Buffer) dequantizer {
	d := dequantizer{kind: spec.Kind, quant: spec.Quant, scale: 1}
	if d.quant != nil && d.quant.Granularity == tiling.PerTensor {
		d.scale = scale.At(0)
		if d.quant.HasOffset {
			d.offset = offset.At(0)
		}
	}
	return d
}

// Engine is the compute stage of a core: it owns the accumulators between INIT and FINALIZE,
// and private float32 copies of the dequantized operand subtiles.
type Engine struct {
	plan     *tiling.BlockPlan
	operands *Operands
	arena    *memory.Arena
	accArena *memory.Arena
	stats    *Stats

	freeA, filledA, freeB, filledB *tokens.Ring
	accFree, accReady              *tokens.Ring

	deqA, deqB dequantizer
	// lhs and rhs stand for the compute unit's operand registers: they are not carved from the
	// staging or accumulator arenas, and the plan's budgets don't account for them.
	lhs, rhs   []float32

	state EngineState
	// subtiles and accumulators consumed so far: parity counters, never reset across items.
	subtiles, accumulators int
}

// State returns the current state of the engine.
func (e *Engine) State() EngineState { return e.state }

// Compute runs INIT, ITERATE_K and FINALIZE for a non-degenerate item.
func (e *Engine) Compute(item distribute.WorkItem) {
	p := e.plan
	q := e.accumulators
	e.accumulators++

	e.state = StateInit
	e.accFree.Wait(q)
	acc := e.accArena.Float32s(tiling.AccumulatorRegion(q % p.AccumulatorDepth))
	e.initAccumulator(acc, item)

	e.state = StateIterateK
	small := p.IsSmallTile(item.Rows, item.Cols)
	for subtile := range p.NumSubtiles {
		s := e.subtiles
		e.subtiles++
		e.filledA.Wait(s)
		e.filledB.Wait(s)
		parityA, parityB := s%p.DepthA, s%p.DepthB
		kLen := min(p.BaseK, p.Problem.K-subtile*p.BaseK)
		e.dequantizeA(parityA, item.Rows, subtile*p.BaseK, kLen)
		e.dequantizeB(parityB, item.Cols, subtile*p.BaseK, kLen)
		e.multiplyAccumulate(acc, item.Rows, item.Cols, kLen)
		if subtile == 0 && e.operands.Bias != nil {
			bias := e.arena.Float32s(tiling.BiasRegion(parityA))
			for r := range item.Rows {
				row := acc[r*p.BaseN : r*p.BaseN+item.Cols]
				for c := range row {
					row[c] += bias[c]
				}
			}
		}
		e.freeA.Arm(s)
		e.freeB.Arm(s)
		e.stats.Subtiles++
		if small && subtile < p.NumSubtiles-1 {
			// The compute stage is a single goroutine, already ordered with itself: the barrier
			// is only accounted for.
			e.stats.Barriers++
		}
	}

	e.state = StateFinalize
	e.accReady.Arm(q)
}

// initAccumulator clears the accumulator, or sets it to Beta·C when there is an addend.
func (e *Engine) initAccumulator(acc []float32, item distribute.WorkItem) {
	p := e.plan
	if e.operands.Addend == nil {
		clear(acc)
		return
	}
	beta := p.Problem.Addend.Beta
	for r := range item.Rows {
		base := (item.Batch*p.Problem.M+item.Row0+r)*p.Problem.N + item.Col0
		for c := range item.Cols {
			acc[r*p.BaseN+c] = beta * e.operands.Addend.At(base+c)
		}
	}
}

// dequantizeA converts the staged A subtile into lhs, laid out rows×BaseK.
func (e *Engine) dequantizeA(parity, rows, k0, kLen int) {
	p := e.plan
	slot := e.arena.Bytes(tiling.SlotRegion(tiling.OperandA, parity))
	d := &e.deqA
	scales, offsets := e.stagedScales(tiling.OperandA, parity)
	perChannel := 0
	if d.quant != nil && d.quant.Granularity == tiling.PerGroup {
		perChannel = p.ScaleSlotA / p.BaseM
	}
	for r := range rows {
		for kk := range kLen {
			idx := r*p.BaseK + kk
			v := d.kind.Decode(kinds.GetRaw(slot, d.kind, idx))
			if d.quant != nil {
				scale, offset := d.scale, d.offset
				switch d.quant.Granularity {
				case tiling.PerChannel:
					scale = scales[r]
					if offsets != nil {
						offset = offsets[r]
					}
				case tiling.PerGroup:
					g := r*perChannel + (k0+kk)/d.quant.GroupSize - k0/d.quant.GroupSize
					scale = scales[g]
					if offsets != nil {
						offset = offsets[g]
					}
				}
				v = (v - offset) * scale
			}
			e.lhs[idx] = v
		}
	}
}

// dequantizeB converts the staged B subtile into rhs, laid out BaseK×BaseN.
func (e *Engine) dequantizeB(parity, cols, k0, kLen int) {
	p := e.plan
	slot := e.arena.Bytes(tiling.SlotRegion(tiling.OperandB, parity))
	d := &e.deqB
	scales, offsets := e.stagedScales(tiling.OperandB, parity)
	for kk := range kLen {
		for c := range cols {
			idx := kk*p.BaseN + c
			v := d.kind.Decode(kinds.GetRaw(slot, d.kind, idx))
			if d.quant != nil {
				scale, offset := d.scale, d.offset
				switch d.quant.Granularity {
				case tiling.PerChannel:
					scale = scales[c]
					if offsets != nil {
						offset = offsets[c]
					}
				case tiling.PerGroup:
					g := ((k0+kk)/d.quant.GroupSize-k0/d.quant.GroupSize)*p.BaseN + c
					scale = scales[g]
					if offsets != nil {
						offset = offsets[g]
					}
				}
				v = (v - offset) * scale
			}
			e.rhs[idx] = v
		}
	}
}

// stagedScales returns the float32 views of the staged scales and offsets of the slot, nil if
// the operand doesn't stage them.
func (e *Engine) stagedScales(op tiling.Operand, parity int) (scales, offsets []float32) {
	quant := e.plan.Operand(op).Quant
	if quant == nil || quant.Granularity == tiling.PerTensor {
		return nil, nil
	}
	scales = e.arena.Float32s(tiling.ScaleRegion(op, parity))
	if quant.HasOffset {
		offsets = e.arena.Float32s(tiling.OffsetRegion(op, parity))
	}
	return
}

// multiplyAccumulate adds lhs[rows×kLen] × rhs[kLen×cols] to the accumulator.
func (e *Engine) multiplyAccumulate(acc []float32, rows, cols, kLen int) {
	p := e.plan
	for r := range rows {
		accRow := acc[r*p.BaseN : r*p.BaseN+cols]
		lhsRow := e.lhs[r*p.BaseK : r*p.BaseK+kLen]
		for kk, a := range lhsRow {
			rhsRow := e.rhs[kk*p.BaseN : kk*p.BaseN+cols]
			for c, b := range rhsRow {
				accRow[c] += a * b
			}
		}
	}
}
