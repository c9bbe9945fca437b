// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilegemm/pkg/gemm/tiling"
)

// Stats of the run of one core. Fields are written by a single stage each.
type Stats struct {
	Core int

	// Items stored, and Skipped degenerate items.
	Items, Skipped int

	// Subtiles computed.
	Subtiles int

	// Fetches and Reuses per operand (indexed by tiling.Operand): loads that transferred data,
	// and loads satisfied by the slot already holding the subtile.
	Fetches, Reuses [2]int

	// BytesFetched from bulk memory into staging, including scales, offsets and bias.
	BytesFetched int64

	// Barriers are the compute barriers between the subtiles of small tiles (see
	// tiling.Options.SmallTileThreshold). They are counted, not executed.
	Barriers int
}

// Add accumulates other into s, for totals over cores.
func (s *Stats) Add(other Stats) {
	s.Items += other.Items
	s.Skipped += other.Skipped
	s.Subtiles += other.Subtiles
	for op := range s.Fetches {
		s.Fetches[op] += other.Fetches[op]
		s.Reuses[op] += other.Reuses[op]
	}
	s.BytesFetched += other.BytesFetched
	s.Barriers += other.Barriers
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("core #%d: %d items (%d skipped), %d subtiles, fetched %s (A: %d fetches/%d reuses, B: %d/%d), %d barriers",
		s.Core, s.Items, s.Skipped, s.Subtiles, humanize.IBytes(uint64(s.BytesFetched)),
		s.Fetches[tiling.OperandA], s.Reuses[tiling.OperandA], s.Fetches[tiling.OperandB], s.Reuses[tiling.OperandB],
		s.Barriers)
}
