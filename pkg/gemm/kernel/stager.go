// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"github.com/gomlx/tilegemm/pkg/core/kinds"
	"github.com/gomlx/tilegemm/pkg/core/memory"
	"github.com/gomlx/tilegemm/pkg/gemm/distribute"
	"github.com/gomlx/tilegemm/pkg/gemm/tiling"
)

// slotKey identifies the contents of a staging slot: the operand batch, the origin and extent
// of the tile along M (for A) or N (for B), and the subtile.
type slotKey struct {
	batch, origin, extent, subtile int
}

// Stager moves subtiles of the operands from bulk memory into the staging slots of a core.
//
// Slots hold subtiles in canonical layout: A as rows×BaseK (K contiguous), B as BaseK×BaseN
// (N contiguous), whatever the orientation of the operands in bulk memory. Scales and offsets
// are staged as float32 next to their slot.
//
// The caller owns the slot while calling Load: it waited for its free token before, and arms
// its filled token after.
type Stager struct {
	plan     *tiling.BlockPlan
	operands *Operands
	arena    *memory.Arena
	stats    *Stats

	// keys of the contents of each slot, per operand and parity.
	keys [2][]slotKey
	held [2][]bool
}

func newStager(plan *tiling.BlockPlan, operands *Operands, arena *memory.Arena, stats *Stats) *Stager {
	s := &Stager{plan: plan, operands: operands, arena: arena, stats: stats}
	for op, depth := range []int{plan.DepthA, plan.DepthB} {
		s.keys[op] = make([]slotKey, depth)
		s.held[op] = make([]bool, depth)
	}
	return s
}

// subtileRange returns the start and length along K of the subtile.
func (s *Stager) subtileRange(subtile int) (k0, kLen int) {
	k0 = subtile * s.plan.BaseK
	return k0, min(s.plan.BaseK, s.plan.Problem.K-k0)
}

// Load stages the subtile of the operand needed by item into slot parity, and returns the
// number of bytes transferred. If the slot already holds it, nothing is transferred and a reuse
// is counted. For operand A, the bias of the item is staged along with subtile 0.
func (s *Stager) Load(op tiling.Operand, parity int, item distribute.WorkItem, subtile int) int {
	key := slotKey{batch: item.BatchA, origin: item.Row0, extent: item.Rows, subtile: subtile}
	if op == tiling.OperandB {
		key = slotKey{batch: item.BatchB, origin: item.Col0, extent: item.Cols, subtile: subtile}
	}
	var transferred int
	if op == tiling.OperandA && subtile == 0 && s.operands.Bias != nil {
		transferred += s.loadBias(parity, item)
	}
	if s.held[op][parity] && s.keys[op][parity] == key {
		s.stats.Reuses[op]++
		s.stats.BytesFetched += int64(transferred)
		return transferred
	}

	k0, kLen := s.subtileRange(subtile)
	if op == tiling.OperandA {
		transferred += s.loadA(parity, item, k0, kLen)
	} else {
		transferred += s.loadB(parity, item, k0, kLen)
	}
	transferred += s.loadScales(op, parity, key, k0, kLen)
	s.keys[op][parity] = key
	s.held[op][parity] = true
	s.stats.Fetches[op]++
	s.stats.BytesFetched += int64(transferred)
	return transferred
}

func (s *Stager) loadA(parity int, item distribute.WorkItem, k0, kLen int) int {
	p := s.plan
	kind, m, k := p.Problem.A.Kind, p.Problem.M, p.Problem.K
	slot := s.arena.Bytes(tiling.SlotRegion(tiling.OperandA, parity))
	src := s.operands.A.Bytes()
	if !p.Problem.A.Transposed {
		var transferred int
		for r := range item.Rows {
			srcIdx := (item.BatchA*m+item.Row0+r)*k + k0
			transferred += kinds.CopyElements(slot, r*p.BaseK, src, srcIdx, kind, kLen)
		}
		return transferred
	}
	// Stored K×M: gather element-wise into rows of K.
	for kk := range kLen {
		base := (item.BatchA*k+k0+kk)*m + item.Row0
		for r := range item.Rows {
			kinds.PutRaw(slot, kind, r*p.BaseK+kk, kinds.GetRaw(src, kind, base+r))
		}
	}
	return kind.BytesFor(item.Rows * kLen)
}

func (s *Stager) loadB(parity int, item distribute.WorkItem, k0, kLen int) int {
	p := s.plan
	kind, n, k := p.Problem.B.Kind, p.Problem.N, p.Problem.K
	slot := s.arena.Bytes(tiling.SlotRegion(tiling.OperandB, parity))
	src := s.operands.B.Bytes()
	if !p.Problem.B.Transposed {
		var transferred int
		for kk := range kLen {
			srcIdx := (item.BatchB*k+k0+kk)*n + item.Col0
			transferred += kinds.CopyElements(slot, kk*p.BaseN, src, srcIdx, kind, item.Cols)
		}
		return transferred
	}
	// Stored N×K: gather element-wise into rows of N.
	for c := range item.Cols {
		base := (item.BatchB*n+item.Col0+c)*k + k0
		for kk := range kLen {
			kinds.PutRaw(slot, kind, kk*p.BaseN+c, kinds.GetRaw(src, kind, base+kk))
		}
	}
	return kind.BytesFor(item.Cols * kLen)
}

// loadScales stages the per-channel or per-group scales (and offsets) used by the subtile.
func (s *Stager) loadScales(op tiling.Operand, parity int, key slotKey, k0, kLen int) int {
	spec := s.plan.Operand(op)
	if spec.Quant == nil || spec.Quant.Granularity == tiling.PerTensor {
		return 0
	}
	scale, offset := s.operands.ScaleA, s.operands.OffsetA
	if op == tiling.OperandB {
		scale, offset = s.operands.ScaleB, s.operands.OffsetB
	}
	transferred := s.stageScaleRegion(op, tiling.ScaleRegion(op, parity), scale, key, k0, kLen)
	if spec.Quant.HasOffset {
		transferred += s.stageScaleRegion(op, tiling.OffsetRegion(op, parity), offset, key, k0, kLen)
	}
	return transferred
}

// stageScaleRegion copies the scale values of the channels [key.origin, key.origin+key.extent)
// into the region, as float32. Per-group values are laid out [channel][group] for A and
// [group][channel] for B, with the groups starting at the first group touched by the subtile.
func (s *Stager) stageScaleRegion(op tiling.Operand, region string, src *memory.Buffer, key slotKey,
	k0, kLen int) int {
	p := s.plan
	dst := s.arena.Float32s(region)
	quant := p.Operand(op).Quant
	if quant.Granularity == tiling.PerChannel {
		for c := range key.extent {
			dst[c] = src.At(key.origin + c)
		}
		return src.Kind().BytesFor(key.extent)
	}

	group := quant.GroupSize
	numGroups := (p.Problem.K + group - 1) / group
	g0, g1 := k0/group, (k0+kLen-1)/group
	touched := g1 - g0 + 1
	if op == tiling.OperandA {
		perChannel := p.ScaleSlotA / p.BaseM
		for r := range key.extent {
			for g := range touched {
				dst[r*perChannel+g] = src.At((key.origin+r)*numGroups + g0 + g)
			}
		}
	} else {
		for g := range touched {
			for c := range key.extent {
				dst[g*p.BaseN+c] = src.At((g0+g)*p.Problem.N + key.origin + c)
			}
		}
	}
	return src.Kind().BytesFor(key.extent * touched)
}

// loadBias stages the bias values of the item's columns, as float32.
func (s *Stager) loadBias(parity int, item distribute.WorkItem) int {
	dst := s.arena.Float32s(tiling.BiasRegion(parity))
	bias := s.operands.Bias
	for c := range item.Cols {
		dst[c] = bias.At(item.Col0 + c)
	}
	return bias.Kind().BytesFor(item.Cols)
}
