// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// tilegemm plans and runs a tiled, quantized matrix multiplication on a device profile, with
// random (or file-backed) operands, prints the plan and the per-core statistics, and verifies the
// output against a naive reference.
//
// Example:
//
//	tilegemm -device=cube:cores=8 -m=512 -n=1024 -k=4096 -a=int4 -quant_a=group:128+offset -b=bf16 -repeat=10
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilegemm/pkg/core/memory"
	"github.com/gomlx/tilegemm/pkg/gemm"
	"github.com/gomlx/tilegemm/pkg/gemm/device"
	"github.com/gomlx/tilegemm/pkg/gemm/kernel"
	"github.com/gomlx/tilegemm/pkg/gemm/tiling"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagDevice = flag.String("device", "",
		fmt.Sprintf("Device configuration \"<profile>:<key>=<value>,...\". If empty, $%s is used, "+
			"and then the \"host\" profile.", device.TILEGEMM_DEVICE))
	flagListDevices = flag.Bool("list_devices", false, "List the registered device profiles and exit.")
	flagPlanOnly    = flag.Bool("plan_only", false, "Only print the plan, don't run it.")

	flagLHS = flag.String("lhs", "", "Raw file with the values of A (in the -a kind), mapped in memory. "+
		"If empty A is random.")
	flagRHS = flag.String("rhs", "", "Raw file with the values of B (in the -b kind), mapped in memory. "+
		"If empty B is random.")
	flagSeed        = flag.Uint64("seed", 42, "Seed of the random operands.")
	flagRepeat      = flag.Int("repeat", 1, "Number of times to run the kernel, for timing.")
	flagParallelism = flag.Int("parallelism", -1, "Maximum number of cores running at the same time, -1 for unlimited.")
	flagVerify      = flag.Bool("verify", true, "Verify the output against a naive reference.")
	flagTolerance   = flag.Float64("tolerance", 1e-2, "Maximum relative error accepted by -verify.")
	flagStats       = flag.Bool("stats", true, "Print the per-core statistics.")
)

var problemFlagValues problemFlags

func init() {
	f := &problemFlagValues
	flag.IntVar(&f.m, "m", 256, "Rows of A and of the output.")
	flag.IntVar(&f.n, "n", 256, "Columns of B and of the output.")
	flag.IntVar(&f.k, "k", 512, "Reduction dimension.")
	flag.StringVar(&f.kindA, "a", "int8", "Element kind of A.")
	flag.StringVar(&f.kindB, "b", "float16", "Element kind of B.")
	flag.StringVar(&f.kindOut, "out", "float32", "Element kind of the output.")
	flag.StringVar(&f.quantA, "quant_a", "channel", "Quantization of A: \"\", \"tensor\", \"channel\" or "+
		"\"group:<size>\", optionally followed by \"+offset\".")
	flag.StringVar(&f.quantB, "quant_b", "", "Quantization of B, see -quant_a.")
	flag.StringVar(&f.scaleKind, "scale_kind", "float32", "Element kind of scales and offsets.")
	flag.StringVar(&f.batchA, "batch_a", "", "Comma-separated batch dimensions of A.")
	flag.StringVar(&f.batchB, "batch_b", "", "Comma-separated batch dimensions of B.")
	flag.BoolVar(&f.transposeA, "transpose_a", false, "A is stored K×M.")
	flag.BoolVar(&f.transposeB, "transpose_b", false, "B is stored N×K.")
	flag.StringVar(&f.bias, "bias", "", "Element kind of a bias vector of length N, if any.")
	flag.StringVar(&f.addend, "addend", "", "Element kind of an addend C shaped as the output, if any.")
	flag.Float64Var(&f.beta, "beta", 1, "Scale of the addend C.")
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagListDevices {
		listDevices()
		return
	}

	var profile *device.Profile
	if *flagDevice != "" {
		profile = must.M1(device.NewWithConfig(*flagDevice))
	} else {
		profile = must.M1(device.New())
	}
	problem, err := problemFlagValues.build()
	if err != nil {
		klog.Errorf("Invalid problem: %+v", err)
		os.Exit(1)
	}
	plan, err := tiling.Plan(problem, profile.Budget(), profile.Options)
	if err != nil {
		klog.Errorf("Failed to plan %s on %s: %v", problem, profile, err)
		os.Exit(1)
	}

	runID := uuid.NewString()
	fmt.Println(titleStyle.Render(fmt.Sprintf("Plan on %s (run %s)", profile, runID)))
	fmt.Println(planTable(plan))
	if *flagPlanOnly {
		return
	}

	operands := gemm.RandomOperands(plan, rand.New(rand.NewPCG(*flagSeed, 0)))
	if *flagLHS != "" {
		operands.A = must.M1(memory.MapFile(*flagLHS, problem.A.Kind, plan.OperandSize(tiling.OperandA)))
	}
	if *flagRHS != "" {
		operands.B = must.M1(memory.MapFile(*flagRHS, problem.B.Kind, plan.OperandSize(tiling.OperandB)))
	}

	gemm.Parallelism = *flagParallelism
	stats, elapsed := run(plan, operands, max(*flagRepeat, 1))
	if *flagStats {
		fmt.Println(titleStyle.Render("Statistics"))
		fmt.Println(statsTable(stats))
	}
	perRun := elapsed / time.Duration(max(*flagRepeat, 1))
	ops := 2 * float64(plan.BatchCount) * float64(problem.M) * float64(problem.N) * float64(problem.K)
	fmt.Printf("\n%s: %s per run, %s ops/s\n", runID, perRun,
		humanize.SIWithDigits(ops/perRun.Seconds(), 2, ""))

	if *flagVerify {
		maxErr := gemm.MaxRelativeError(operands.Out, gemm.Reference(plan, operands))
		if maxErr > *flagTolerance {
			klog.Errorf("Verification failed: max relative error %g > tolerance %g", maxErr, *flagTolerance)
			os.Exit(1)
		}
		fmt.Printf("Verified: max relative error %g\n", maxErr)
	}
}

// run launches the plan repeat times, and returns the statistics of the last run and the total
// elapsed time.
func run(plan *tiling.BlockPlan, operands *gemm.Operands, repeat int) (stats []kernel.Stats, elapsed time.Duration) {
	var bar *progressbar.ProgressBar
	if repeat > 1 {
		colors := termenv.EnvColorProfile() != termenv.Ascii
		bar = progressbar.NewOptions(repeat,
			progressbar.OptionSetDescription("Running"),
			progressbar.OptionUseANSICodes(colors),
			progressbar.OptionEnableColorCodes(colors),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("runs"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
		)
	}
	for range repeat {
		start := time.Now()
		var err error
		stats, err = gemm.Launch(plan, operands)
		elapsed += time.Since(start)
		if err != nil {
			klog.Errorf("Kernel failed: %+v", err)
			os.Exit(1)
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	return
}

func listDevices() {
	table := newPlainTable(nil)
	table.Headers("Name", "Cores", "Staging", "Accumulator", "Description")
	for _, name := range device.Names() {
		profile, _ := device.Get(name)
		table.Row(name, fmt.Sprint(profile.Cores), humanize.IBytes(uint64(profile.StagingBytes)),
			humanize.IBytes(uint64(profile.AccumulatorBytes)), profile.Description)
	}
	fmt.Println(table.Render())
	fmt.Printf("Default: $%s, then %q\n", device.TILEGEMM_DEVICE, device.HostProfile)
}
