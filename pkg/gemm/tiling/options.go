// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

// Budget describes the resources of the device a plan is made for.
type Budget struct {
	// StagingBytes is the capacity of the fast tier holding operand slots, scales, offsets and bias.
	StagingBytes int

	// AccumulatorBytes is the capacity of the fast tier holding accumulators.
	AccumulatorBytes int

	// Cores available to run the kernel.
	Cores int
}

// Options are the tunable knobs of the planner. The zero value of each field selects its default.
type Options struct {
	// PreferredM, PreferredN and PreferredK are the preferred tile extents.
	PreferredM, PreferredN, PreferredK int

	// TransferAlignBytes is the alignment, in bytes, of the contiguous (inner) axis of an operand tile.
	TransferAlignBytes int

	// CubeAlign is the alignment, in elements, of the strided (outer) axis of an operand tile.
	CubeAlign int

	// MaxBufferDepth caps the number of staging slots per operand.
	MaxBufferDepth int

	// MaxAccumulatorDepth caps the number of accumulators per core.
	MaxAccumulatorDepth int

	// SmallTileThreshold, in elements: tiles with fewer valid elements get an extra compute barrier
	// between reduction subtiles. 0 disables it.
	//
	// The kernel's compute stage runs in one goroutine, so the barrier can't reorder anything: it
	// is only reported in kernel.Stats.Barriers, for devices where it costs a pipeline flush.
	SmallTileThreshold int

	// TailIdleFraction is the fraction of idle cores in the final wave above which tail tiles are
	// re-split into fragments. Values <= 0 select the default of 0.5.
	TailIdleFraction float64

	// DisableTailResplit turns off the tail re-split policy.
	DisableTailResplit bool
}

// Defaults for Options.
const (
	DefaultPreferredM          = 128
	DefaultPreferredN          = 256
	DefaultPreferredK          = 128
	DefaultTransferAlignBytes  = 32
	DefaultCubeAlign           = 16
	DefaultMaxBufferDepth      = 2
	DefaultMaxAccumulatorDepth = 2
	DefaultTailIdleFraction    = 0.5
)

// WithDefaults returns a copy of the options with zero fields replaced by their defaults.
func (o Options) WithDefaults() Options {
	setDefault := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setDefault(&o.PreferredM, DefaultPreferredM)
	setDefault(&o.PreferredN, DefaultPreferredN)
	setDefault(&o.PreferredK, DefaultPreferredK)
	setDefault(&o.TransferAlignBytes, DefaultTransferAlignBytes)
	setDefault(&o.CubeAlign, DefaultCubeAlign)
	setDefault(&o.MaxBufferDepth, DefaultMaxBufferDepth)
	setDefault(&o.MaxAccumulatorDepth, DefaultMaxAccumulatorDepth)
	if o.TailIdleFraction <= 0 {
		o.TailIdleFraction = DefaultTailIdleFraction
	}
	if o.SmallTileThreshold < 0 {
		o.SmallTileThreshold = 0
	}
	return o
}
