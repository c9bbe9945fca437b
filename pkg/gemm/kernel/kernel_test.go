// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"testing"

	"github.com/gomlx/tilegemm/pkg/core/kinds"
	"github.com/gomlx/tilegemm/pkg/core/memory"
	"github.com/gomlx/tilegemm/pkg/gemm/distribute"
	"github.com/gomlx/tilegemm/pkg/gemm/tiling"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

var testBudget = tiling.Budget{StagingBytes: 256 << 10, AccumulatorBytes: 32 << 10, Cores: 1}

// testPlan is a float32 40x40x96 problem with bias, tiled 16x16x32 on one core.
func testPlan(t *testing.T) *tiling.BlockPlan {
	return testPlanWithOptions(t, tiling.Options{PreferredM: 16, PreferredN: 16, PreferredK: 32})
}

func testPlanWithOptions(t *testing.T, opts tiling.Options) *tiling.BlockPlan {
	problem := tiling.ProblemShape{
		M: 40, N: 40, K: 96,
		A:    tiling.OperandSpec{Kind: kinds.Float32},
		B:    tiling.OperandSpec{Kind: kinds.Float32},
		Bias: &tiling.BiasSpec{Kind: kinds.Float32},
		Out:  kinds.Float32,
	}
	plan, err := tiling.Plan(problem, testBudget, opts)
	require.NoError(t, err)
	require.Equal(t, 9, plan.TotalTiles)
	require.Equal(t, 3, plan.NumSubtiles)
	return plan
}

// testOperands fills A, B and bias with small integers, so products are exact in float32.
func testOperands(plan *tiling.BlockPlan) *Operands {
	p := &plan.Problem
	a := make([]float32, p.M*p.K)
	for i := range a {
		a[i] = float32(i%7 - 3)
	}
	b := make([]float32, p.K*p.N)
	for i := range b {
		b[i] = float32(i%5 - 2)
	}
	bias := make([]float32, p.N)
	for i := range bias {
		bias[i] = float32(i)
	}
	return &Operands{
		A:    memory.FromFloat32(kinds.Float32, a),
		B:    memory.FromFloat32(kinds.Float32, b),
		Bias: memory.FromFloat32(kinds.Float32, bias),
		Out:  memory.NewBuffer(kinds.Float32, plan.OutputSize()),
	}
}

func TestCoreRun(t *testing.T) {
	plan := testPlan(t)
	operands := testOperands(plan)
	require.NoError(t, operands.Validate(plan))
	core := must.M1(NewCore(plan, operands, 0))
	stats, err := core.Run()
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Core)
	assert.Equal(t, 9, stats.Items)
	assert.Equal(t, 27, stats.Subtiles)
	assert.Equal(t, 0, stats.Skipped)
	assert.Equal(t, 27, stats.Fetches[tiling.OperandA]+stats.Reuses[tiling.OperandA])
	assert.Equal(t, 27, stats.Fetches[tiling.OperandB]+stats.Reuses[tiling.OperandB])
	assert.Positive(t, stats.BytesFetched)
	assert.Equal(t, StateFinalize, core.engine.State())
	assert.Zero(t, core.pool.NumArmed(), "tokens must be drained after a run")

	p := &plan.Problem
	a, b, bias, got := operands.A.Float32s(), operands.B.Float32s(), operands.Bias.Float32s(), operands.Out.Float32s()
	for row := range p.M {
		for col := range p.N {
			want := bias[col]
			for k := range p.K {
				want += a[row*p.K+k] * b[k*p.N+col]
			}
			require.Equalf(t, want, got[row*p.N+col], "out[%d, %d]", row, col)
		}
	}

	require.Panics(t, func() { _, _ = core.Run() }, "Run can only be called once")
}

func TestSmallTileBarriers(t *testing.T) {
	// Tiles are 16x16, 16x8, 8x16 or 8x8: the 5 tiles on the right and bottom edges are small.
	plan := testPlanWithOptions(t, tiling.Options{PreferredM: 16, PreferredN: 16, PreferredK: 32, SmallTileThreshold: 200})
	assert.False(t, plan.IsSmallTile(16, 16))
	assert.True(t, plan.IsSmallTile(16, 8))
	core := must.M1(NewCore(plan, testOperands(plan), 0))
	stats, err := core.Run()
	require.NoError(t, err)
	assert.Equal(t, 9, stats.Items)
	assert.Equal(t, 5*(plan.NumSubtiles-1), stats.Barriers)
	assert.Zero(t, core.pool.NumArmed())

	// Without threshold there are no barriers, and the results are the same.
	reference := testPlan(t)
	referenceOperands := testOperands(reference)
	referenceStats, err := must.M1(NewCore(reference, referenceOperands, 0)).Run()
	require.NoError(t, err)
	assert.Zero(t, referenceStats.Barriers)
	assert.Equal(t, referenceStats.Subtiles, stats.Subtiles)
	assert.Equal(t, referenceOperands.Out.Float32s(), core.operands.Out.Float32s())
}

func TestEngineScratch(t *testing.T) {
	// The dequantized operand copies live outside both arenas, sized by the tile extents only.
	plan := testPlan(t)
	core := must.M1(NewCore(plan, testOperands(plan), 0))
	assert.Len(t, core.engine.lhs, plan.BaseM*plan.BaseK)
	assert.Len(t, core.engine.rhs, plan.BaseK*plan.BaseN)
	assert.Equal(t, plan.StagingFootprint, plan.StagingLayout().Total())
	assert.LessOrEqual(t, plan.StagingFootprint, plan.Budget.StagingBytes)
	assert.LessOrEqual(t, plan.AccumulatorFootprint, plan.Budget.AccumulatorBytes)
}

func TestNewCoreErrors(t *testing.T) {
	plan := testPlan(t)
	_, err := NewCore(plan, testOperands(plan), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestFatalHardwareCondition(t *testing.T) {
	t.Run("protocol violation", func(t *testing.T) {
		plan := testPlan(t)
		core := must.M1(NewCore(plan, testOperands(plan), 0))
		// Arming the free slots twice is a protocol violation detected at setup.
		core.pool.PreArm()
		_, err := core.Run()
		require.Error(t, err)
		var fatal *FatalHardwareCondition
		require.True(t, errors.As(err, &fatal))
		assert.Equal(t, "setup", fatal.Stage)
		assert.True(t, fatal.IsProtocolViolation())
	})

	t.Run("transfer fault", func(t *testing.T) {
		plan := testPlan(t)
		operands := testOperands(plan)
		// A truncated A buffer: the first transfer runs out of its bounds.
		operands.A = memory.NewBuffer(kinds.Float32, 8)
		core := must.M1(NewCore(plan, operands, 0))
		_, err := core.Run()
		require.Error(t, err)
		var fatal *FatalHardwareCondition
		require.True(t, errors.As(err, &fatal))
		assert.Equal(t, "loader", fatal.Stage)
		assert.Equal(t, 0, fatal.Core)
		assert.False(t, fatal.IsProtocolViolation())
		assert.Contains(t, fatal.Error(), "core #0 (loader stage)")
	})
}

func TestStagerReuse(t *testing.T) {
	plan := testPlan(t)
	operands := testOperands(plan)
	arena := must.M1(memory.NewArena(plan.StagingLayout(), plan.Budget.StagingBytes))
	var stats Stats
	stager := newStager(plan, operands, arena, &stats)
	item := distribute.WorkItem{Rows: 16, Cols: 16, Row0: 16, Col0: 0}

	// A subtile 0 (with bias) then the same again: only the bias is transferred the second time.
	first := stager.Load(tiling.OperandA, 0, item, 0)
	assert.Equal(t, 16*32*4+16*4, first)
	second := stager.Load(tiling.OperandA, 0, item, 0)
	assert.Equal(t, 16*4, second)
	assert.Equal(t, 1, stats.Fetches[tiling.OperandA])
	assert.Equal(t, 1, stats.Reuses[tiling.OperandA])

	// Slot holds A rows [16, 32), K-contiguous.
	slot := arena.Bytes(tiling.SlotRegion(tiling.OperandA, 0))
	a := operands.A.Float32s()
	for r := range 16 {
		for k := range 32 {
			require.Equal(t, a[(16+r)*plan.Problem.K+k], kinds.Get(slot, kinds.Float32, r*plan.BaseK+k))
		}
	}

	// Another subtile into the same slot is a fetch.
	stager.Load(tiling.OperandA, 0, item, 1)
	assert.Equal(t, 2, stats.Fetches[tiling.OperandA])

	// B slots hold rows of N for the subtile's range of K.
	stager.Load(tiling.OperandB, 1, item, 2)
	slotB := arena.Bytes(tiling.SlotRegion(tiling.OperandB, 1))
	b := operands.B.Float32s()
	for kk := range 32 {
		for c := range 16 {
			require.Equal(t, b[(64+kk)*plan.Problem.N+c], kinds.Get(slotB, kinds.Float32, kk*plan.BaseN+c))
		}
	}
}

func TestOperandsValidate(t *testing.T) {
	plan := testPlan(t)
	testCases := []struct {
		name   string
		modify func(o *Operands)
		errMsg string
	}{
		{"valid", func(o *Operands) {}, ""},
		{"missing A", func(o *Operands) { o.A = nil }, "operand buffer A missing"},
		{"wrong kind", func(o *Operands) { o.B = memory.NewBuffer(kinds.Float16, o.B.Size()) }, "has kind"},
		{"wrong size", func(o *Operands) { o.Out = memory.NewBuffer(kinds.Float32, 10) }, "has 10 elements"},
		{"unexpected scale", func(o *Operands) { o.ScaleA = memory.NewBuffer(kinds.Float32, 1) }, "not expected"},
		{"missing bias", func(o *Operands) { o.Bias = nil }, "operand buffer Bias missing"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			operands := testOperands(plan)
			tc.modify(operands)
			err := operands.Validate(plan)
			if tc.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var configErr *tiling.ConfigurationError
			assert.True(t, errors.As(err, &configErr))
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}
