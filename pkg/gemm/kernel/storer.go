// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"github.com/gomlx/tilegemm/pkg/core/memory"
	"github.com/gomlx/tilegemm/pkg/gemm/distribute"
	"github.com/gomlx/tilegemm/pkg/gemm/tiling"
	"github.com/gomlx/tilegemm/pkg/gemm/tokens"
)

// Storer is the output stage of a core: it casts finished accumulators to the output kind and
// writes their valid region to bulk memory.
type Storer struct {
	plan     *tiling.BlockPlan
	out      *memory.Buffer
	accArena *memory.Arena
	stats    *Stats

	accFree, accReady *tokens.Ring
	accumulators      int
}

// Store waits for the item's accumulator, writes exactly Rows×Cols elements at the item's
// position in the output and releases the accumulator.
func (s *Storer) Store(item distribute.WorkItem) {
	p := s.plan
	q := s.accumulators
	s.accumulators++
	s.accReady.Wait(q)
	acc := s.accArena.Float32s(tiling.AccumulatorRegion(q % p.AccumulatorDepth))
	for r := range item.Rows {
		base := (item.Batch*p.Problem.M+item.Row0+r)*p.Problem.N + item.Col0
		row := acc[r*p.BaseN : r*p.BaseN+item.Cols]
		for c, v := range row {
			s.out.Set(base+c, v)
		}
	}
	s.accFree.Arm(q)
	s.stats.Items++
}
