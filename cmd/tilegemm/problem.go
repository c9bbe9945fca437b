// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"strconv"
	"strings"

	"github.com/gomlx/tilegemm/pkg/core/kinds"
	"github.com/gomlx/tilegemm/pkg/gemm/tiling"
	"github.com/pkg/errors"
)

// parseQuant parses a quantization flag: "" (not quantized), "tensor", "channel" or "group:<size>",
// optionally followed by "+offset".
func parseQuant(value string, scaleKind kinds.Kind) (*tiling.QuantSpec, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	quant := &tiling.QuantSpec{ScaleKind: scaleKind}
	if base, found := strings.CutSuffix(value, "+offset"); found {
		quant.HasOffset = true
		value = base
	}
	name, arg, hasArg := strings.Cut(value, ":")
	switch name {
	case "tensor":
		quant.Granularity = tiling.PerTensor
	case "channel":
		quant.Granularity = tiling.PerChannel
	case "group":
		if !hasArg {
			return nil, errors.Errorf("quantization %q: group requires a size, e.g. \"group:64\"", value)
		}
		size, err := strconv.Atoi(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "quantization %q: invalid group size", value)
		}
		quant.Granularity = tiling.PerGroup
		quant.GroupSize = size
		return quant, nil
	default:
		return nil, errors.Errorf("unknown quantization %q, valid values are \"tensor\", \"channel\" or \"group:<size>\"", value)
	}
	if hasArg {
		return nil, errors.Errorf("quantization %q takes no argument", value)
	}
	return quant, nil
}

// parseDims parses a comma-separated list of batch dimensions, e.g. "4,1".
func parseDims(value string) ([]int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	dims := make([]int, len(parts))
	for ii, part := range parts {
		dim, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid batch dimensions %q", value)
		}
		dims[ii] = dim
	}
	return dims, nil
}

// parseOptionalKind returns kinds.Invalid for an empty name.
func parseOptionalKind(name string) (kinds.Kind, error) {
	if name == "" {
		return kinds.Invalid, nil
	}
	return kinds.Parse(name)
}

// problemFlags are the flag values describing a problem.
type problemFlags struct {
	m, n, k                   int
	kindA, kindB, kindOut     string
	quantA, quantB, scaleKind string
	batchA, batchB            string
	transposeA, transposeB    bool
	bias, addend              string
	beta                      float64
}

// build returns the problem described by the flags.
func (f *problemFlags) build() (tiling.ProblemShape, error) {
	problem := tiling.ProblemShape{M: f.m, N: f.n, K: f.k}
	var err error
	if problem.A.Kind, err = kinds.Parse(f.kindA); err != nil {
		return problem, errors.WithMessage(err, "-a")
	}
	if problem.B.Kind, err = kinds.Parse(f.kindB); err != nil {
		return problem, errors.WithMessage(err, "-b")
	}
	if problem.Out, err = kinds.Parse(f.kindOut); err != nil {
		return problem, errors.WithMessage(err, "-out")
	}
	scaleKind, err := kinds.Parse(f.scaleKind)
	if err != nil {
		return problem, errors.WithMessage(err, "-scale_kind")
	}
	if problem.A.Quant, err = parseQuant(f.quantA, scaleKind); err != nil {
		return problem, errors.WithMessage(err, "-quant_a")
	}
	if problem.B.Quant, err = parseQuant(f.quantB, scaleKind); err != nil {
		return problem, errors.WithMessage(err, "-quant_b")
	}
	if problem.A.BatchDims, err = parseDims(f.batchA); err != nil {
		return problem, errors.WithMessage(err, "-batch_a")
	}
	if problem.B.BatchDims, err = parseDims(f.batchB); err != nil {
		return problem, errors.WithMessage(err, "-batch_b")
	}
	problem.A.Transposed, problem.B.Transposed = f.transposeA, f.transposeB

	biasKind, err := parseOptionalKind(f.bias)
	if err != nil {
		return problem, errors.WithMessage(err, "-bias")
	}
	if biasKind != kinds.Invalid {
		problem.Bias = &tiling.BiasSpec{Kind: biasKind}
	}
	addendKind, err := parseOptionalKind(f.addend)
	if err != nil {
		return problem, errors.WithMessage(err, "-addend")
	}
	if addendKind != kinds.Invalid {
		problem.Addend = &tiling.AddendSpec{Kind: addendKind, Beta: float32(f.beta)}
	}
	return problem, nil
}
