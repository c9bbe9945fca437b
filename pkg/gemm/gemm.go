// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gemm is the entry point of the tiled, quantized matrix-multiply engine:
//
//	out[batch, M, N] = Beta·C + dequant(A)[batch, M, K] × dequant(B)[batch, K, N] + bias[N]
//
// MatMul plans the problem for a device profile (see packages tiling and device) and launches
// one core per planned core (see package kernel). Reference computes the same product naively,
// for verification.
//
// Example:
//
//	profile := must.M1(device.New())
//	result, err := gemm.MatMul(problem, &gemm.Operands{A: a, B: b, ScaleA: scaleA}, profile)
package gemm

import (
	"github.com/gomlx/tilegemm/internal/workerspool"
	"github.com/gomlx/tilegemm/pkg/core/memory"
	"github.com/gomlx/tilegemm/pkg/gemm/device"
	"github.com/gomlx/tilegemm/pkg/gemm/kernel"
	"github.com/gomlx/tilegemm/pkg/gemm/tiling"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Operands are the bulk memory buffers of an invocation, see kernel.Operands for their layout.
type Operands = kernel.Operands

// Result of a MatMul.
type Result struct {
	Plan *tiling.BlockPlan
	// Out is the output buffer: the one given in the operands, or a newly allocated one.
	Out *memory.Buffer
	// Stats per core.
	Stats []kernel.Stats
}

// Total returns the statistics summed over all cores.
func (r *Result) Total() kernel.Stats {
	total := kernel.Stats{Core: -1}
	for _, s := range r.Stats {
		total.Add(s)
	}
	return total
}

// Parallelism is the maximum number of cores running at the same time in Launch.
// Set it before launching; -1 means unlimited, 0 runs the cores one after the other.
var Parallelism = -1

// Launch runs the plan on all its cores and waits for them to finish.
//
// The operands are validated against the plan first: a mismatch returns a
// tiling.ConfigurationError before any core starts. A core that fails at run time returns a
// *kernel.FatalHardwareCondition; errors of all cores are joined.
func Launch(plan *tiling.BlockPlan, operands *Operands) ([]kernel.Stats, error) {
	if err := operands.Validate(plan); err != nil {
		return nil, err
	}
	pool := workerspool.New()
	pool.SetMaxParallelism(Parallelism)
	stats := make([]kernel.Stats, plan.Cores)
	err := pool.Run(plan.Cores, func(index int) error {
		core, err := kernel.NewCore(plan, operands, index)
		if err != nil {
			return err
		}
		stats[index], err = core.Run()
		return err
	})
	if err != nil {
		return stats, errors.WithMessagef(err, "gemm.Launch(%s)", plan)
	}
	return stats, nil
}

// MatMul plans the problem for the device profile and runs it. If operands.Out is nil, an
// output buffer is allocated (operands is not modified).
func MatMul(problem tiling.ProblemShape, operands *Operands, profile *device.Profile) (*Result, error) {
	plan, err := tiling.Plan(problem, profile.Budget(), profile.Options)
	if err != nil {
		return nil, err
	}
	ops := *operands
	if ops.Out == nil {
		ops.Out = memory.NewBuffer(plan.Problem.Out, plan.OutputSize())
	}
	klog.V(1).Infof("gemm.MatMul on %s: %s", profile, plan)
	stats, err := Launch(plan, &ops)
	if err != nil {
		return nil, err
	}
	return &Result{Plan: plan, Out: ops.Out, Stats: stats}, nil
}
