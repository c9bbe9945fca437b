// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distribute enumerates the work items of each core for a BlockPlan.
//
// Tiles of the output are numbered t = (batch·TilesM + mi)·TilesN + ni and handed out
// round-robin: in round r core c gets tile r·Cores + c. Tail tiles re-split by the planner are
// handed out as fragments, in the rounds following the main ones.
//
// The distribution is a pure function of the plan: it never validates and never allocates
// beyond the items it yields.
package distribute

import (
	"fmt"
	"iter"

	"github.com/gomlx/tilegemm/pkg/gemm/tiling"
)

// WorkItem is one output block assigned to a core.
type WorkItem struct {
	// Core the item is assigned to, Round it is assigned in and Seq its position in the
	// core's sequence of items.
	Core, Round, Seq int

	// Batch is the flat output batch index, and BatchCoord its coordinates over the plan's
	// OutBatchDims.
	Batch      int
	BatchCoord []int

	// BatchA and BatchB are the flat batch indices of the operands, after broadcast.
	BatchA, BatchB int

	// Row0, Col0 are the origin of the block in the output matrix, and Rows, Cols its valid
	// extents. They may be smaller than the nominal tile extents at the edges, or zero.
	Row0, Col0, Rows, Cols int

	// Fragment is set for items that are fragments of a re-split tail tile.
	Fragment bool
}

// IsDegenerate returns whether the item covers no output element.
func (w WorkItem) IsDegenerate() bool { return w.Rows <= 0 || w.Cols <= 0 }

// String implements fmt.Stringer.
func (w WorkItem) String() string {
	kind := "tile"
	if w.Fragment {
		kind = "fragment"
	}
	return fmt.Sprintf("%s{core=%d, round=%d, batch=%v, rows=[%d:%d], cols=[%d:%d]}",
		kind, w.Core, w.Round, w.BatchCoord, w.Row0, w.Row0+w.Rows, w.Col0, w.Col0+w.Cols)
}

// Distributor assigns work items to cores.
type Distributor struct {
	plan         *tiling.BlockPlan
	mainTiles    int
	numFragments int
}

// New creates a Distributor for the plan.
func New(plan *tiling.BlockPlan) *Distributor {
	return &Distributor{
		plan:         plan,
		mainTiles:    plan.TotalTiles - plan.TailTiles,
		numFragments: plan.TailTiles * plan.TailSplitM * plan.TailSplitN,
	}
}

// Rounds returns the number of rounds: no core gets more than one item per round.
func (d *Distributor) Rounds() int { return d.plan.Rounds }

// NumItems returns the total number of work items, over all cores.
func (d *Distributor) NumItems() int { return d.mainTiles + d.numFragments }

// GetAssignment returns the item of core in the given round, or false if the core is idle in
// that round.
func (d *Distributor) GetAssignment(core, round int) (WorkItem, bool) {
	p := d.plan
	if core < 0 || core >= p.Cores || round < 0 || round >= p.Rounds {
		return WorkItem{}, false
	}
	item := WorkItem{Core: core, Round: round}
	if round < p.MainRounds {
		t := round*p.Cores + core
		if t >= d.mainTiles {
			return WorkItem{}, false
		}
		item.Seq = round
		d.setTile(&item, t, 0, 0, p.BaseM, p.BaseN)
		return item, true
	}

	f := (round-p.MainRounds)*p.Cores + core
	if f >= d.numFragments {
		return WorkItem{}, false
	}
	perTile := p.TailSplitM * p.TailSplitN
	fragment := f % perTile
	item.Fragment = true
	item.Seq = assignedBefore(p.MainRounds, d.mainTiles, core, p.Cores) + (round - p.MainRounds)
	d.setTile(&item, d.mainTiles+f/perTile, fragment/p.TailSplitN, fragment%p.TailSplitN, p.TailFragM, p.TailFragN)
	return item, true
}

// assignedBefore returns how many of the first n items handed round-robin over cores, limited to
// the first rounds, went to core.
func assignedBefore(rounds, n, core, cores int) int {
	if n <= core {
		return 0
	}
	return min(rounds, (n-core+cores-1)/cores)
}

// setTile fills the batch and extents of the item for tile t, fragment (fm, fn) of the given
// extents.
func (d *Distributor) setTile(item *WorkItem, t, fm, fn, extentM, extentN int) {
	p := d.plan
	ni := t % p.TilesN
	mi := (t / p.TilesN) % p.TilesM
	item.Batch = t / (p.TilesN * p.TilesM)
	item.BatchCoord, item.BatchA, item.BatchB = d.batchIndices(item.Batch)

	tileRowEnd := min(p.Problem.M, (mi+1)*p.BaseM)
	tileColEnd := min(p.Problem.N, (ni+1)*p.BaseN)
	item.Row0 = mi*p.BaseM + fm*extentM
	item.Col0 = ni*p.BaseN + fn*extentN
	item.Rows = max(0, min(extentM, tileRowEnd-item.Row0))
	item.Cols = max(0, min(extentN, tileColEnd-item.Col0))
}

// batchIndices decomposes the flat output batch index in mixed radix over the output batch
// dimensions (last axis least significant), and maps it to the operands' flat batch indices.
func (d *Distributor) batchIndices(batch int) (coord []int, batchA, batchB int) {
	p := d.plan
	coord = make([]int, len(p.OutBatchDims))
	for axis := len(coord) - 1; axis >= 0; axis-- {
		coord[axis] = batch % p.OutBatchDims[axis]
		batch /= p.OutBatchDims[axis]
		batchA += coord[axis] * p.BatchStridesA[axis]
		batchB += coord[axis] * p.BatchStridesB[axis]
	}
	return
}

// Items iterates over the work items of the core, in order.
func (d *Distributor) Items(core int) iter.Seq[WorkItem] {
	return func(yield func(WorkItem) bool) {
		for round := range d.plan.Rounds {
			item, ok := d.GetAssignment(core, round)
			if !ok {
				continue
			}
			if !yield(item) {
				return
			}
		}
	}
}
