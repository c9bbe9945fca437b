// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distribute

import (
	"testing"

	"github.com/gomlx/tilegemm/pkg/core/kinds"
	"github.com/gomlx/tilegemm/pkg/gemm/tiling"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func problem(m, n, k int, batchA, batchB []int) tiling.ProblemShape {
	return tiling.ProblemShape{
		M: m, N: n, K: k,
		A:   tiling.OperandSpec{Kind: kinds.Int8, BatchDims: batchA},
		B:   tiling.OperandSpec{Kind: kinds.Int8, BatchDims: batchB},
		Out: kinds.Int32,
	}
}

var options = tiling.Options{PreferredM: 64, PreferredN: 64, PreferredK: 64}

// checkCoverage verifies every output element is covered by exactly one non-degenerate item.
func checkCoverage(t *testing.T, plan *tiling.BlockPlan) []WorkItem {
	d := New(plan)
	counts := make([]int, plan.OutputSize())
	var all []WorkItem
	for core := range plan.Cores {
		seq := 0
		lastRound := -1
		for item := range d.Items(core) {
			require.Equal(t, core, item.Core)
			require.Equal(t, seq, item.Seq)
			require.Greater(t, item.Round, lastRound)
			seq++
			lastRound = item.Round
			all = append(all, item)
			if item.IsDegenerate() {
				continue
			}
			require.LessOrEqual(t, item.Row0+item.Rows, plan.Problem.M)
			require.LessOrEqual(t, item.Col0+item.Cols, plan.Problem.N)
			for r := item.Row0; r < item.Row0+item.Rows; r++ {
				for c := item.Col0; c < item.Col0+item.Cols; c++ {
					counts[(item.Batch*plan.Problem.M+r)*plan.Problem.N+c]++
				}
			}
		}
	}
	for i, count := range counts {
		require.Equalf(t, 1, count, "output element #%d covered %d times", i, count)
	}
	require.Len(t, all, d.NumItems())
	return all
}

func TestCoverage(t *testing.T) {
	testCases := []struct {
		name    string
		problem tiling.ProblemShape
		cores   int
	}{
		{"single", problem(10, 10, 10, nil, nil), 8},
		{"even", problem(128, 256, 64, nil, nil), 8},
		{"edges", problem(100, 100, 256, nil, nil), 4},
		{"tail", problem(100, 100, 256, nil, nil), 3},
		{"batched", problem(70, 130, 32, []int{3, 1}, []int{2}), 5},
		{"many-cores", problem(64, 64, 64, []int{2}, nil), 64},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			budget := tiling.Budget{StagingBytes: 1 << 20, AccumulatorBytes: 64 << 10, Cores: tc.cores}
			plan := must.M1(tiling.Plan(tc.problem, budget, options))
			items := checkCoverage(t, plan)
			assert.NotEmpty(t, items)
		})
	}
}

func TestEdgeExtents(t *testing.T) {
	budget := tiling.Budget{StagingBytes: 1 << 20, AccumulatorBytes: 64 << 10, Cores: 4}
	plan := must.M1(tiling.Plan(problem(100, 100, 256, nil, nil), budget, options))
	d := New(plan)
	want := [][4]int{{0, 0, 64, 64}, {0, 64, 64, 36}, {64, 0, 36, 64}, {64, 64, 36, 36}}
	for core := range 4 {
		item, ok := d.GetAssignment(core, 0)
		require.True(t, ok)
		assert.Equal(t, want[core], [4]int{item.Row0, item.Col0, item.Rows, item.Cols})
		assert.False(t, item.Fragment)
	}
	_, ok := d.GetAssignment(0, 1)
	assert.False(t, ok)
	_, ok = d.GetAssignment(4, 0)
	assert.False(t, ok)
}

func TestTailFragments(t *testing.T) {
	budget := tiling.Budget{StagingBytes: 1 << 20, AccumulatorBytes: 64 << 10, Cores: 3}
	plan := must.M1(tiling.Plan(problem(100, 100, 256, nil, nil), budget, options))
	require.Equal(t, 1, plan.TailTiles)
	require.Equal(t, 2, plan.Rounds)
	d := New(plan)

	// Tail tile is the last one: rows [64:100], cols [64:100], split in two fragments of 32 rows.
	item, ok := d.GetAssignment(0, 1)
	require.True(t, ok)
	assert.True(t, item.Fragment)
	assert.Equal(t, 1, item.Seq)
	assert.Equal(t, [4]int{64, 64, 32, 36}, [4]int{item.Row0, item.Col0, item.Rows, item.Cols})
	item, ok = d.GetAssignment(1, 1)
	require.True(t, ok)
	assert.Equal(t, [4]int{96, 64, 4, 36}, [4]int{item.Row0, item.Col0, item.Rows, item.Cols})
	_, ok = d.GetAssignment(2, 1)
	assert.False(t, ok)
}

func TestDegenerateFragments(t *testing.T) {
	// The N tail is smaller than one fragment, so fragments past column 80 have no columns.
	budget := tiling.Budget{StagingBytes: 1 << 20, AccumulatorBytes: 64 << 10, Cores: 5}
	plan := must.M1(tiling.Plan(problem(192, 80, 64, nil, nil), budget, options))
	require.Equal(t, 1, plan.TailTiles)
	require.Equal(t, 2, plan.TailSplitM)
	require.Equal(t, 2, plan.TailSplitN)
	items := checkCoverage(t, plan)
	var degenerate int
	for _, item := range items {
		if item.IsDegenerate() {
			degenerate++
			assert.True(t, item.Fragment)
			assert.Equal(t, 0, item.Cols)
		}
	}
	assert.Equal(t, 2, degenerate)
}

func TestBatchBroadcast(t *testing.T) {
	budget := tiling.Budget{StagingBytes: 1 << 20, AccumulatorBytes: 64 << 10, Cores: 8}
	plan := must.M1(tiling.Plan(problem(64, 64, 64, []int{2, 1, 4}, []int{3, 1}), budget, options))
	d := New(plan)
	seen := make(map[[2]int]bool)
	for core := range plan.Cores {
		for item := range d.Items(core) {
			require.Len(t, item.BatchCoord, 3)
			i, j, k := item.BatchCoord[0], item.BatchCoord[1], item.BatchCoord[2]
			assert.Equal(t, (i*3+j)*4+k, item.Batch)
			assert.Equal(t, i*4+k, item.BatchA)
			assert.Equal(t, j, item.BatchB)
			seen[[2]int{item.BatchA, item.BatchB}] = true
		}
	}
	assert.Len(t, seen, 24)

	// Broadcast of B over A's batch: every item uses B's only batch.
	plan = must.M1(tiling.Plan(problem(64, 64, 64, []int{8}, nil), budget, options))
	d = New(plan)
	for core := range plan.Cores {
		count := 0
		for item := range d.Items(core) {
			assert.Equal(t, 0, item.BatchB)
			assert.Equal(t, core, item.BatchA)
			count++
		}
		assert.Equal(t, 1, count)
	}
}

func TestItemsEarlyStop(t *testing.T) {
	budget := tiling.Budget{StagingBytes: 1 << 20, AccumulatorBytes: 64 << 10, Cores: 1}
	plan := must.M1(tiling.Plan(problem(256, 256, 64, nil, nil), budget, options))
	var count int
	for range New(plan).Items(0) {
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)
	assert.Equal(t, 16, New(plan).NumItems())
}
