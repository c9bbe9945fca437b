// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tiling implements the offline planner of the tiled GEMM engine.
//
// Plan derives a BlockPlan (tile extents, buffering depths, cores used and the tail re-split
// policy) from a ProblemShape and the fast-memory Budget of the device. All validation of the
// invocation happens here: once a plan exists, the kernel runs without runtime checks.
package tiling

import (
	"fmt"
	"strings"

	"github.com/gomlx/tilegemm/pkg/core/kinds"
	"github.com/gomlx/tilegemm/pkg/core/memory"
	"k8s.io/klog/v2"
)

// accumulatorElementSize is the size of one accumulator element (float32).
const accumulatorElementSize = 4

// BlockPlan is the immutable result of Plan. It is shared read-only by all cores.
type BlockPlan struct {
	// Problem is a validated deep copy of the planned problem, with defaults applied.
	Problem ProblemShape
	Budget  Budget
	Options Options

	// BaseM, BaseN and BaseK are the nominal tile extents.
	BaseM, BaseN, BaseK int

	// AlignM, AlignN are the alignments of the tile extents, and AlignK the reduction block:
	// the least common multiple of the K alignments of both operands.
	AlignM, AlignN, AlignK int

	// DepthA and DepthB are the number of staging slots of each operand.
	DepthA, DepthB int

	// AccumulatorDepth is the number of accumulators per core.
	AccumulatorDepth int

	// Cores actually used.
	Cores int

	// OutBatchDims are the broadcast batch dimensions of the output, and BatchCount their product.
	OutBatchDims []int
	BatchCount   int

	// BatchStridesA and BatchStridesB give, per output batch axis, the stride in the operand's flat
	// batch index: 0 on axes where the operand is broadcast.
	BatchStridesA, BatchStridesB []int

	// TilesM and TilesN are the number of tiles along M and N, TotalTiles includes the batch.
	TilesM, TilesN, TotalTiles int

	// NumSubtiles is the number of reduction subtiles: ceil(K/BaseK).
	NumSubtiles int

	// Tail re-split: the last TailTiles tiles are each split into TailSplitM×TailSplitN fragments of
	// nominal extent TailFragM×TailFragN. TailTiles is 0 if the policy didn't apply.
	TailTiles              int
	TailSplitM, TailSplitN int
	TailFragM, TailFragN   int

	// MainRounds is the number of rounds for whole tiles, and Rounds the total including fragments.
	MainRounds, Rounds int

	// SubtileBytesA and SubtileBytesB are the bytes of one staged subtile of each operand.
	SubtileBytesA, SubtileBytesB int

	// ScaleSlotA and ScaleSlotB are the number of scale values staged per slot (0 if none staged).
	ScaleSlotA, ScaleSlotB int

	// ReservedBytes is the staging space reserved for bias, scales and offsets, and
	// StagingFootprint and AccumulatorFootprint the arena sizes actually used.
	ReservedBytes                          int
	StagingFootprint, AccumulatorFootprint int
}

// Plan computes the BlockPlan for the problem on a device with the given budget.
//
// It returns a ConfigurationError for malformed problems or budgets, and a SizingError if not even
// a minimally aligned tile fits the budget.
func Plan(problem ProblemShape, budget Budget, opts Options) (*BlockPlan, error) {
	problem = problem.Clone()
	problem.applyDefaults()
	opts = opts.WithDefaults()
	if budget.Cores <= 0 {
		return nil, ConfigurationErrorf("budget must have at least one core, got %d", budget.Cores)
	}
	if budget.StagingBytes <= 0 || budget.AccumulatorBytes <= 0 {
		return nil, ConfigurationErrorf("budget memory must be positive, got staging=%d, accumulator=%d bytes",
			budget.StagingBytes, budget.AccumulatorBytes)
	}
	if err := problem.validate(); err != nil {
		return nil, err
	}
	outDims, stridesA, stridesB, err := broadcastBatch(problem.A.BatchDims, problem.B.BatchDims)
	if err != nil {
		return nil, err
	}

	p := &BlockPlan{
		Problem:       problem,
		Budget:        budget,
		Options:       opts,
		OutBatchDims:  outDims,
		BatchCount:    product(outDims),
		BatchStridesA: stridesA,
		BatchStridesB: stridesB,
	}
	p.setAlignments()
	p.BaseM = baseExtent(problem.M, opts.PreferredM, p.AlignM)
	p.BaseN = baseExtent(problem.N, opts.PreferredN, p.AlignN)
	if p.BaseK, err = p.initialBaseK(); err != nil {
		return nil, err
	}
	if err = p.fitBudget(); err != nil {
		return nil, err
	}
	p.distribute()
	klog.V(1).Infof("tiling.Plan(%s) -> %s", &p.Problem, p)
	return p, nil
}

// innerAlign returns the alignment, in elements, of the contiguous axis of an operand.
func (p *BlockPlan) innerAlign(kind kinds.Kind) int {
	return max(1, p.Options.TransferAlignBytes*8/kind.Bits())
}

// setAlignments derives AlignM, AlignN and AlignK from the operands' packing and orientation.
func (p *BlockPlan) setAlignments() {
	a, b := &p.Problem.A, &p.Problem.B
	var alignKA, alignKB int
	if a.Transposed {
		p.AlignM, alignKA = p.innerAlign(a.Kind), p.Options.CubeAlign
	} else {
		p.AlignM, alignKA = p.Options.CubeAlign, p.innerAlign(a.Kind)
	}
	if b.Transposed {
		p.AlignN, alignKB = p.Options.CubeAlign, p.innerAlign(b.Kind)
	} else {
		p.AlignN, alignKB = p.innerAlign(b.Kind), p.Options.CubeAlign
	}
	p.AlignK = lcm(alignKA, alignKB)
}

// baseExtent returns min(dim, preferred) rounded up to the alignment, or dim itself if it is
// smaller than one alignment unit (the padding is masked at store).
func baseExtent(dim, preferred, align int) int {
	if dim < align {
		return dim
	}
	return alignUp(min(dim, preferred), align)
}

// groupSizes returns the group sizes of operands quantized per-group.
func (p *BlockPlan) groupSizes() []int {
	var groups []int
	for _, op := range []*OperandSpec{&p.Problem.A, &p.Problem.B} {
		if op.Quant != nil && op.Quant.Granularity == PerGroup {
			groups = append(groups, op.Quant.GroupSize)
		}
	}
	return groups
}

// validBaseK returns whether baseK is a multiple of the reduction block and compatible with the
// quantization groups: each group size must divide it or be a multiple of it.
func (p *BlockPlan) validBaseK(baseK int) bool {
	if baseK >= p.Problem.K {
		return true
	}
	if baseK <= 0 || baseK%p.AlignK != 0 {
		return false
	}
	for _, group := range p.groupSizes() {
		if baseK%group != 0 && group%baseK != 0 {
			return false
		}
	}
	return true
}

// largestBaseK returns the largest valid baseK <= limit, or 0 if there is none.
func (p *BlockPlan) largestBaseK(limit int) int {
	for c := limit / p.AlignK * p.AlignK; c >= p.AlignK; c -= p.AlignK {
		if p.validBaseK(c) {
			return c
		}
	}
	return 0
}

func (p *BlockPlan) initialBaseK() (int, error) {
	k := p.Problem.K
	if k < p.AlignK {
		return k, nil
	}
	candidate := max(p.AlignK, min(p.Options.PreferredK, alignUp(k, p.AlignK))/p.AlignK*p.AlignK)
	if p.validBaseK(candidate) {
		return candidate, nil
	}
	if baseK := p.largestBaseK(candidate); baseK > 0 {
		return baseK, nil
	}
	return 0, ConfigurationErrorf("quantization group sizes %v are incompatible with the reduction block of %d elements",
		p.groupSizes(), p.AlignK)
}

// groupsPerSubtile returns how many quantization groups a subtile of baseK elements can touch.
func groupsPerSubtile(baseK, group int) int {
	switch {
	case baseK%group == 0:
		return baseK / group
	case group%baseK == 0:
		return 1
	default:
		return ceilDiv(baseK-1, group) + 1
	}
}

// scaleSlotSize returns the number of scale values staged per slot for an operand.
func (p *BlockPlan) scaleSlotSize(op *OperandSpec, channels int) int {
	if op.Quant == nil {
		return 0
	}
	switch op.Quant.Granularity {
	case PerChannel:
		return channels
	case PerGroup:
		return channels * groupsPerSubtile(min(p.BaseK, p.Problem.K), op.Quant.GroupSize)
	default:
		// Per-tensor scales are kept by the core, not staged.
		return 0
	}
}

// stagingLayout returns the regions of the staging arena for the given depths. Bias is tied to
// the parity of operand A slots.
func (p *BlockPlan) stagingLayout(depthA, depthB int) *memory.Layout {
	layout := memory.NewLayout()
	addOperand := func(op Operand, depth, subtileBytes, scaleValues int, hasOffset, hasBias bool) {
		for parity := range depth {
			layout.Add(SlotRegion(op, parity), subtileBytes)
			if scaleValues > 0 {
				layout.Add(ScaleRegion(op, parity), scaleValues*4)
				if hasOffset {
					layout.Add(OffsetRegion(op, parity), scaleValues*4)
				}
			}
			if hasBias {
				layout.Add(BiasRegion(parity), p.BaseN*4)
			}
		}
	}
	addOperand(OperandA, depthA, p.SubtileBytesA, p.ScaleSlotA, p.hasOffset(OperandA), p.Problem.Bias != nil)
	addOperand(OperandB, depthB, p.SubtileBytesB, p.ScaleSlotB, p.hasOffset(OperandB), false)
	return layout
}

func (p *BlockPlan) hasOffset(op Operand) bool {
	spec := p.Operand(op)
	return spec.Quant != nil && spec.Quant.HasOffset
}

// reservedPerSlot returns the aligned bytes of bias, scales and offsets attached to one slot.
func (p *BlockPlan) reservedPerSlot(op Operand) int {
	scaleValues := p.ScaleSlotA
	if op == OperandB {
		scaleValues = p.ScaleSlotB
	}
	var reserved int
	if scaleValues > 0 {
		reserved += memory.AlignedSize(scaleValues * 4)
		if p.hasOffset(op) {
			reserved += memory.AlignedSize(scaleValues * 4)
		}
	}
	if op == OperandA && p.Problem.Bias != nil {
		reserved += memory.AlignedSize(p.BaseN * 4)
	}
	return reserved
}

// StagingLayout returns the layout of the staging arena of each core.
func (p *BlockPlan) StagingLayout() *memory.Layout {
	return p.stagingLayout(p.DepthA, p.DepthB)
}

// AccumulatorLayout returns the layout of the accumulator arena of each core.
func (p *BlockPlan) AccumulatorLayout() *memory.Layout {
	layout := memory.NewLayout()
	for parity := range p.AccumulatorDepth {
		layout.Add(AccumulatorRegion(parity), p.BaseM*p.BaseN*accumulatorElementSize)
	}
	return layout
}

// fitBudget computes buffering depths, shrinking the tile extents until the staging and
// accumulator footprints fit the budget.
func (p *BlockPlan) fitBudget() error {
	opts := &p.Options
	for {
		accTile := p.BaseM * p.BaseN * accumulatorElementSize
		if accTile > p.Budget.AccumulatorBytes {
			if p.shrinkCross() {
				continue
			}
			return newSizingError("accumulator", accTile, p.Budget.AccumulatorBytes)
		}

		p.NumSubtiles = ceilDiv(p.Problem.K, p.BaseK)
		p.SubtileBytesA = p.Problem.A.Kind.BytesFor(p.BaseM * p.BaseK)
		p.SubtileBytesB = p.Problem.B.Kind.BytesFor(p.BaseK * p.BaseN)
		p.ScaleSlotA = p.scaleSlotSize(&p.Problem.A, p.BaseM)
		p.ScaleSlotB = p.scaleSlotSize(&p.Problem.B, p.BaseN)
		if depthA, depthB, ok := p.stagingDepths(); ok {
			p.DepthA, p.DepthB = depthA, depthB
			p.ReservedBytes = p.DepthA*p.reservedPerSlot(OperandA) + p.DepthB*p.reservedPerSlot(OperandB)
			p.StagingFootprint = p.StagingLayout().Total()
			p.AccumulatorDepth = max(1, min(opts.MaxAccumulatorDepth, p.Budget.AccumulatorBytes/memory.AlignedSize(accTile)))
			p.AccumulatorFootprint = p.AccumulatorLayout().Total()
			return nil
		}

		if next := p.shrinkBaseK(); next > 0 {
			klog.V(2).Infof("tiling: staging doesn't fit with baseK=%d, shrinking to %d", p.BaseK, next)
			p.BaseK = next
			continue
		}
		if p.shrinkCross() {
			continue
		}
		needed := p.stagingLayout(1, 1).Total()
		return newSizingError("staging", needed, p.Budget.StagingBytes)
	}
}

// stagingDepths returns the deepest lockstep pair of buffer depths whose staging layout fits the
// budget with the current extents. Pairs are ranked by their smaller depth, then by their sum,
// then by the depth of A. It returns ok=false if not even single buffering fits.
func (p *BlockPlan) stagingDepths() (depthA, depthB int, ok bool) {
	maxDepth := max(1, min(p.Options.MaxBufferDepth, p.NumSubtiles))
	for candA := 1; candA <= maxDepth; candA++ {
		for candB := 1; candB <= maxDepth; candB++ {
			dA, dB := lockstepDepths(candA, candB)
			if dA != candA || dB != candB {
				continue
			}
			if p.stagingLayout(dA, dB).Total() > p.Budget.StagingBytes {
				continue
			}
			if ok {
				lo, bestLo := min(dA, dB), min(depthA, depthB)
				if lo < bestLo || (lo == bestLo && (dA+dB < depthA+depthB || (dA+dB == depthA+depthB && dA <= depthA))) {
					continue
				}
			}
			depthA, depthB, ok = dA, dB, true
		}
	}
	return
}

// lockstepDepths shrinks the larger depth to the largest value not above it that the smaller
// one divides, so both operands can advance subtiles in lockstep.
func lockstepDepths(depthA, depthB int) (int, int) {
	if depthA >= depthB {
		return depthA / depthB * depthB, depthB
	}
	return depthA, depthB / depthA * depthA
}

// shrinkBaseK returns the next smaller valid baseK (about half of the current), or 0 if it
// can't shrink any further.
func (p *BlockPlan) shrinkBaseK() int {
	if p.BaseK <= p.AlignK {
		return 0
	}
	return p.largestBaseK(max(p.BaseK/2, p.AlignK))
}

// shrinkCross halves the larger of BaseM and BaseN (keeping alignment), returning false if both
// are already minimal.
func (p *BlockPlan) shrinkCross() bool {
	canM := p.BaseM > p.AlignM
	canN := p.BaseN > p.AlignN
	switch {
	case canN && (!canM || p.BaseN >= p.BaseM):
		p.BaseN = max(p.AlignN, p.BaseN/2/p.AlignN*p.AlignN)
	case canM:
		p.BaseM = max(p.AlignM, p.BaseM/2/p.AlignM*p.AlignM)
	default:
		return false
	}
	klog.V(2).Infof("tiling: shrinking tile cross extents to %dx%d", p.BaseM, p.BaseN)
	return true
}

// distribute computes the core count and the tail re-split policy.
func (p *BlockPlan) distribute() {
	p.TilesM = ceilDiv(p.Problem.M, p.BaseM)
	p.TilesN = ceilDiv(p.Problem.N, p.BaseN)
	p.TotalTiles = p.TilesM * p.TilesN * p.BatchCount
	p.Cores = min(p.Budget.Cores, p.TotalTiles)
	p.TailSplitM, p.TailSplitN = 1, 1
	p.TailFragM, p.TailFragN = p.BaseM, p.BaseN

	mainTiles := p.TotalTiles
	if tail := p.TotalTiles % p.Cores; tail > 0 && !p.Options.DisableTailResplit &&
		float64(p.Cores-tail) >= p.Options.TailIdleFraction*float64(p.Cores) {
		splitM, splitN := p.tailSplits(tail)
		if splitM*splitN > 1 {
			p.TailTiles = tail
			p.TailSplitM, p.TailSplitN = splitM, splitN
			p.TailFragM, p.TailFragN = p.BaseM/splitM, p.BaseN/splitN
			mainTiles -= tail
			klog.V(1).Infof("tiling: %d tail tiles re-split %dx%d into fragments of %dx%d for %d cores",
				tail, splitM, splitN, p.TailFragM, p.TailFragN, p.Cores)
		}
	}
	p.MainRounds = ceilDiv(mainTiles, p.Cores)
	p.Rounds = p.MainRounds + ceilDiv(p.TailTiles*p.TailSplitM*p.TailSplitN, p.Cores)
}

// tailSplits grows the number of fragments per tail tile while they fit the idle cores,
// starting with the dimension with the larger tail and alternating. Only splits that keep
// fragments a whole number of alignment units are retained.
func (p *BlockPlan) tailSplits(tail int) (splitM, splitN int) {
	mTail := p.Problem.M - (p.TilesM-1)*p.BaseM
	nTail := p.Problem.N - (p.TilesN-1)*p.BaseN
	validM := func(split int) bool { return p.BaseM%split == 0 && (p.BaseM/split)%p.AlignM == 0 }
	validN := func(split int) bool { return p.BaseN%split == 0 && (p.BaseN/split)%p.AlignN == 0 }
	validPre, validSec := validM, validN
	if mTail < nTail {
		validPre, validSec = validN, validM
	}
	used := func(pre, sec int) int { return tail * pre * sec }

	pre, sec := 1, 1
	preValid, secValid := 1, 1
	for used(pre+1, sec) <= p.Cores {
		pre++
		if validPre(pre) {
			preValid = pre
		}
		if used(pre, sec+1) <= p.Cores {
			sec++
			if validSec(sec) {
				secValid = sec
			}
		}
	}
	if mTail < nTail {
		return secValid, preValid
	}
	return preValid, secValid
}

// Operand returns the spec of the given operand.
func (p *BlockPlan) Operand(op Operand) *OperandSpec {
	if op == OperandB {
		return &p.Problem.B
	}
	return &p.Problem.A
}

// OperandBatchCount returns the number of batch entries stored for the operand.
func (p *BlockPlan) OperandBatchCount(op Operand) int {
	return product(p.Operand(op).BatchDims)
}

// OperandSize returns the number of elements of the operand buffer.
func (p *BlockPlan) OperandSize(op Operand) int {
	if op == OperandB {
		return p.OperandBatchCount(op) * p.Problem.K * p.Problem.N
	}
	return p.OperandBatchCount(op) * p.Problem.M * p.Problem.K
}

// OutputSize returns the number of elements of the output (and addend) buffers.
func (p *BlockPlan) OutputSize() int {
	return p.BatchCount * p.Problem.M * p.Problem.N
}

// ScaleSize returns the number of scale (and offset) values of the operand, or 0 if not quantized.
func (p *BlockPlan) ScaleSize(op Operand) int {
	return p.Operand(op).Quant.ScaleSize(&p.Problem, op == OperandA)
}

// IsSmallTile returns whether a tile with the given valid extents gets the extra compute barrier.
func (p *BlockPlan) IsSmallTile(rows, cols int) bool {
	return rows*cols < p.Options.SmallTileThreshold
}

// String implements fmt.Stringer.
func (p *BlockPlan) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "BlockPlan{base=%dx%dx%d, depth=A%d/B%d, acc=%d, cores=%d, tiles=%dx%dx%d, subtiles=%d",
		p.BaseM, p.BaseN, p.BaseK, p.DepthA, p.DepthB, p.AccumulatorDepth, p.Cores,
		p.BatchCount, p.TilesM, p.TilesN, p.NumSubtiles)
	if p.TailTiles > 0 {
		_, _ = fmt.Fprintf(&sb, ", tail=%d split %dx%d", p.TailTiles, p.TailSplitM, p.TailSplitN)
	}
	_, _ = fmt.Fprintf(&sb, ", rounds=%d}", p.Rounds)
	return sb.String()
}

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func alignUp(n, align int) int { return ceilDiv(n, align) * align }

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int { return a / gcd(a, b) * b }
