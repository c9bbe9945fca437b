// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device defines the profiles of the devices the GEMM engine plans for: number of cores,
// fast-memory capacities, alignment rules and tiling preferences.
//
// Profiles are registered by name, and selected with a configuration string of the form
// "<profile>:<key>=<value>,<key>=<value>...", where the key/value pairs override fields of the
// registered profile. Byte sizes accept human-readable units ("512KiB", "1MB").
//
// Example:
//
//	profile, err := device.NewWithConfig("cube:cores=8,staging=256KiB")
package device

import (
	"fmt"
	"maps"
	"os"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilegemm/pkg/gemm/tiling"
	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"
)

// Profile describes a device. Its budget and options are fed to tiling.Plan.
type Profile struct {
	Name        string
	Description string

	// Cores is the number of cores a kernel can be launched on.
	Cores int

	// StagingBytes and AccumulatorBytes are the per-core fast-memory capacities.
	StagingBytes, AccumulatorBytes int

	// Options for the tiling planner.
	Options tiling.Options
}

// Budget returns the planner budget of the profile.
func (p *Profile) Budget() tiling.Budget {
	return tiling.Budget{StagingBytes: p.StagingBytes, AccumulatorBytes: p.AccumulatorBytes, Cores: p.Cores}
}

// String implements fmt.Stringer.
func (p *Profile) String() string {
	return fmt.Sprintf("%s(cores=%d, staging=%s, accumulator=%s)", p.Name, p.Cores,
		humanize.IBytes(uint64(p.StagingBytes)), humanize.IBytes(uint64(p.AccumulatorBytes)))
}

var (
	muRegistry sync.Mutex
	registry   = make(map[string]Profile)
)

// Register a profile under its name, replacing any previous profile with the same name.
//
// To be safe, call Register during initialization of a package.
func Register(profile Profile) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registry[profile.Name] = profile
}

// Get returns a copy of the registered profile with the given name.
func Get(name string) (Profile, bool) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	profile, found := registry[name]
	return profile, found
}

// Names of the registered profiles, sorted.
func Names() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	return slices.Sorted(maps.Keys(registry))
}

// DefaultConfig is the configuration used by New if TILEGEMM_DEVICE is not set.
var DefaultConfig string

// TILEGEMM_DEVICE is the environment variable with the default device configuration.
const TILEGEMM_DEVICE = "TILEGEMM_DEVICE"

// HostProfile is the name of the profile describing the machine the engine runs on.
const HostProfile = "host"

// New returns the default device profile:
//
// 1. The environment TILEGEMM_DEVICE is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The "host" profile is used otherwise.
func New() (*Profile, error) {
	if config, found := os.LookupEnv(TILEGEMM_DEVICE); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig(HostProfile)
}

// NewWithConfig returns the profile described by config, formatted as
// "<profile>:<key>=<value>,...". An empty profile name selects "host".
//
// Keys: cores, staging, accumulator, m, n, k, align, cube, depth, accdepth, smalltile,
// tailidle, notail.
func NewWithConfig(config string) (*Profile, error) {
	name, overrides, _ := strings.Cut(config, ":")
	name = strings.TrimSpace(name)
	if name == "" {
		name = HostProfile
	}
	profile, found := Get(name)
	if !found {
		return nil, errors.Errorf("unknown device profile %q in configuration %q, registered profiles are %q",
			name, config, Names())
	}
	for _, pair := range strings.Split(overrides, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, errors.Errorf("device configuration %q: %q is not a key=value pair", config, pair)
		}
		if err := profile.set(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return nil, errors.WithMessagef(err, "device configuration %q", config)
		}
	}
	return &profile, nil
}

// set the field selected by key.
func (p *Profile) set(key, value string) error {
	parseInt := func(field *int) error {
		v, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrapf(err, "invalid value for %q", key)
		}
		*field = v
		return nil
	}
	parseBytes := func(field *int) error {
		v, err := humanize.ParseBytes(value)
		if err != nil {
			return errors.Wrapf(err, "invalid byte size for %q", key)
		}
		*field = int(v)
		return nil
	}
	opts := &p.Options
	switch key {
	case "cores":
		return parseInt(&p.Cores)
	case "staging":
		return parseBytes(&p.StagingBytes)
	case "accumulator":
		return parseBytes(&p.AccumulatorBytes)
	case "m":
		return parseInt(&opts.PreferredM)
	case "n":
		return parseInt(&opts.PreferredN)
	case "k":
		return parseInt(&opts.PreferredK)
	case "align":
		return parseBytes(&opts.TransferAlignBytes)
	case "cube":
		return parseInt(&opts.CubeAlign)
	case "depth":
		return parseInt(&opts.MaxBufferDepth)
	case "accdepth":
		return parseInt(&opts.MaxAccumulatorDepth)
	case "smalltile":
		return parseInt(&opts.SmallTileThreshold)
	case "tailidle":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid value for %q", key)
		}
		opts.TailIdleFraction = v
		return nil
	case "notail":
		v, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "invalid value for %q", key)
		}
		opts.DisableTailResplit = v
		return nil
	}
	return errors.Errorf("unknown key %q", key)
}

func init() {
	Register(Profile{
		Name:             HostProfile,
		Description:      "The host CPU: one core per logical CPU, staging sized to a private L2 cache.",
		Cores:            runtime.NumCPU(),
		StagingBytes:     512 << 10,
		AccumulatorBytes: 128 << 10,
		Options: tiling.Options{
			TransferAlignBytes: int(unsafe.Sizeof(cpu.CacheLinePad{})),
		},
	})
	Register(Profile{
		Name:             "cube",
		Description:      "Matrix accelerator with 16x16 cube units, 512KiB staging and 128KiB accumulator memory per core.",
		Cores:            24,
		StagingBytes:     512 << 10,
		AccumulatorBytes: 128 << 10,
		Options: tiling.Options{
			TransferAlignBytes: 32,
			CubeAlign:          16,
			SmallTileThreshold: 4096,
		},
	})
}
