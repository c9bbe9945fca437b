// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernel implements the pipelined execution of a BlockPlan on one core.
//
// Each core runs three stages concurrently over its sequence of work items:
//
//   - loader: stages operand subtiles (and scales, offsets and bias) into the staging slots,
//     see Stager;
//   - compute: dequantizes the staged subtiles and multiply-accumulates them into an
//     accumulator, see Engine;
//   - store: casts finished accumulators to the output kind and writes them, see Storer.
//
// Stages are ordered only by the tokens of the core (package tokens): a slot or an accumulator
// is owned by one stage at a time, and handed over by arming a token.
package kernel

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilegemm/pkg/core/memory"
	"github.com/gomlx/tilegemm/pkg/gemm/distribute"
	"github.com/gomlx/tilegemm/pkg/gemm/tiling"
	"github.com/gomlx/tilegemm/pkg/gemm/tokens"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Core executes the work items of one core index.
type Core struct {
	index       int
	plan        *tiling.BlockPlan
	operands    *Operands
	distributor *distribute.Distributor

	staging, accumulators *memory.Arena
	pool                  *tokens.Pool
	freeA, filledA        *tokens.Ring
	freeB, filledB        *tokens.Ring

	stager *Stager
	engine *Engine
	storer *Storer

	stats Stats
	ran   bool
}

// NewCore allocates the arenas and tokens of core index. Operands are assumed validated against
// the plan (see Operands.Validate).
func NewCore(plan *tiling.BlockPlan, operands *Operands, index int) (*Core, error) {
	if index < 0 || index >= plan.Cores {
		return nil, errors.Errorf("core index %d out of range, plan uses %d cores", index, plan.Cores)
	}
	c := &Core{
		index:       index,
		plan:        plan,
		operands:    operands,
		distributor: distribute.New(plan),
		stats:       Stats{Core: index},
	}
	var err error
	c.staging, err = memory.NewArena(plan.StagingLayout(), plan.Budget.StagingBytes)
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating staging memory of core #%d", index)
	}
	c.accumulators, err = memory.NewArena(plan.AccumulatorLayout(), plan.Budget.AccumulatorBytes)
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating accumulator memory of core #%d", index)
	}

	c.pool = tokens.NewPool()
	c.freeA = c.pool.Add("a/free", plan.DepthA, true)
	c.filledA = c.pool.Add("a/filled", plan.DepthA, false)
	c.freeB = c.pool.Add("b/free", plan.DepthB, true)
	c.filledB = c.pool.Add("b/filled", plan.DepthB, false)
	accFree := c.pool.Add("acc/free", plan.AccumulatorDepth, true)
	accReady := c.pool.Add("acc/ready", plan.AccumulatorDepth, false)

	c.stager = newStager(plan, operands, c.staging, &c.stats)
	c.engine = &Engine{
		plan:     plan,
		operands: operands,
		arena:    c.staging,
		accArena: c.accumulators,
		stats:    &c.stats,
		freeA:    c.freeA,
		filledA:  c.filledA,
		freeB:    c.freeB,
		filledB:  c.filledB,
		accFree:  accFree,
		accReady: accReady,
		deqA:     newDequantizer(&plan.Problem.A, operands.ScaleA, operands.OffsetA),
		deqB:     newDequantizer(&plan.Problem.B, operands.ScaleB, operands.OffsetB),
		lhs:      make([]float32, plan.BaseM*plan.BaseK),
		rhs:      make([]float32, plan.BaseK*plan.BaseN),
	}
	c.storer = &Storer{
		plan:     plan,
		out:      operands.Out,
		accArena: c.accumulators,
		stats:    &c.stats,
		accFree:  accFree,
		accReady: accReady,
	}
	return c, nil
}

// Index of the core.
func (c *Core) Index() int { return c.index }

// Run executes all work items of the core and returns its statistics. It can only be called once.
//
// Any panic in a stage (a token protocol violation, an out-of-range transfer) aborts the other
// stages and is returned as a *FatalHardwareCondition.
func (c *Core) Run() (Stats, error) {
	if c.ran {
		exceptions.Panicf("kernel.Core.Run called twice for core #%d", c.index)
	}
	c.ran = true
	if exception := exceptions.Try(c.pool.PreArm); exception != nil {
		return c.stats, newFatalHardwareCondition(c.index, "setup", exception)
	}

	var g errgroup.Group
	g.Go(func() error { return c.runStage("loader", c.load) })
	g.Go(func() error { return c.runStage("compute", c.compute) })
	g.Go(func() error { return c.runStage("store", c.store) })
	if err := g.Wait(); err != nil {
		return c.stats, err
	}
	c.pool.Drain()
	klog.V(2).Infof("kernel: %s", c.stats)
	return c.stats, nil
}

// runStage runs the stage converting panics to a FatalHardwareCondition, and aborting the
// other stages of the core.
func (c *Core) runStage(name string, stage func()) error {
	exception := exceptions.Try(stage)
	if exception == nil {
		return nil
	}
	if err, ok := exception.(error); ok && errors.Is(err, tokens.ErrAborted) {
		// Another stage failed and reports the error.
		return nil
	}
	c.pool.Abort()
	fatal := newFatalHardwareCondition(c.index, name, exception)
	klog.Errorf("%v", fatal)
	return fatal
}

func (c *Core) load() {
	p := c.plan
	var counter int
	for item := range c.distributor.Items(c.index) {
		if item.IsDegenerate() {
			continue
		}
		for subtile := range p.NumSubtiles {
			s := counter
			counter++
			c.freeA.Wait(s)
			c.stager.Load(tiling.OperandA, s%p.DepthA, item, subtile)
			c.filledA.Arm(s)
			c.freeB.Wait(s)
			c.stager.Load(tiling.OperandB, s%p.DepthB, item, subtile)
			c.filledB.Arm(s)
		}
	}
}

func (c *Core) compute() {
	for item := range c.distributor.Items(c.index) {
		if item.IsDegenerate() {
			c.stats.Skipped++
			continue
		}
		c.engine.Compute(item)
	}
}

func (c *Core) store() {
	for item := range c.distributor.Items(c.index) {
		if item.IsDegenerate() {
			continue
		}
		c.storer.Store(item)
	}
}
