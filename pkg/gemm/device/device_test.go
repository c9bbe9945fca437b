// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithConfig(t *testing.T) {
	profile, err := NewWithConfig("")
	require.NoError(t, err)
	assert.Equal(t, HostProfile, profile.Name)
	assert.Equal(t, runtime.NumCPU(), profile.Cores)
	assert.Greater(t, profile.Options.TransferAlignBytes, 0)

	profile, err = NewWithConfig("cube:cores=8, staging=256KiB,accumulator=64KiB,k=64,smalltile=0,tailidle=0.25,notail=true")
	require.NoError(t, err)
	assert.Equal(t, "cube", profile.Name)
	assert.Equal(t, 8, profile.Cores)
	assert.Equal(t, 256<<10, profile.StagingBytes)
	assert.Equal(t, 64<<10, profile.AccumulatorBytes)
	assert.Equal(t, 64, profile.Options.PreferredK)
	assert.Equal(t, 0, profile.Options.SmallTileThreshold)
	assert.Equal(t, 0.25, profile.Options.TailIdleFraction)
	assert.True(t, profile.Options.DisableTailResplit)
	assert.Equal(t, 8, profile.Budget().Cores)
	assert.Contains(t, profile.String(), "staging=256 KiB")

	// Overrides don't change the registered profile.
	registered, found := Get("cube")
	require.True(t, found)
	assert.Equal(t, 24, registered.Cores)
	assert.Equal(t, 4096, registered.Options.SmallTileThreshold)

	for _, config := range []string{"tpu", "cube:cores", "cube:cores=many", "cube:color=blue", "host:staging=lots"} {
		_, err = NewWithConfig(config)
		assert.Error(t, err, "config %q", config)
	}
}

func TestNew(t *testing.T) {
	t.Setenv(TILEGEMM_DEVICE, "cube:cores=2")
	profile, err := New()
	require.NoError(t, err)
	assert.Equal(t, "cube", profile.Name)
	assert.Equal(t, 2, profile.Cores)
}

func TestRegister(t *testing.T) {
	Register(Profile{Name: "tiny", Cores: 1, StagingBytes: 4 << 10, AccumulatorBytes: 1 << 10})
	assert.Contains(t, Names(), "tiny")
	profile, err := NewWithConfig("tiny:depth=1")
	require.NoError(t, err)
	assert.Equal(t, 1, profile.Options.MaxBufferDepth)
}
