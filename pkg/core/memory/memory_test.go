// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/tilegemm/pkg/core/kinds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer(t *testing.T) {
	b := FromFloat32(kinds.Int4, []float32{1, 2, -3})
	assert.Equal(t, 3, b.Size())
	assert.Len(t, b.Bytes(), 2)
	assert.Equal(t, []float32{1, 2, -3}, b.Float32s())
	b.Set(1, 9) // Saturates.
	assert.Equal(t, float32(7), b.At(1))
	assert.Equal(t, "Buffer(int4[3])", b.String())

	_, err := Wrap(kinds.Float32, 4, make([]byte, 15))
	require.Error(t, err)
	w, err := Wrap(kinds.Float32, 4, make([]byte, 16))
	require.NoError(t, err)
	assert.Equal(t, 4, w.Size())
}

func TestArena(t *testing.T) {
	layout := NewLayout().Add("a", 10).Add("b", 64).Add("acc", 16)
	regions := layout.Regions()
	require.Len(t, regions, 3)
	for i := 1; i < len(regions); i++ {
		assert.GreaterOrEqual(t, regions[i].Offset, regions[i-1].End(), "regions must not overlap")
		assert.Zero(t, regions[i].Offset%regionAlign)
	}
	assert.Equal(t, 96+16, layout.Total())
	assert.Panics(t, func() { layout.Add("a", 1) })

	_, err := NewArena(layout, 100)
	require.Error(t, err)
	arena, err := NewArena(layout, 1024)
	require.NoError(t, err)
	assert.Len(t, arena.Bytes("b"), 64)
	acc := arena.Float32s("acc")
	require.Len(t, acc, 4)
	acc[3] = 1.5
	assert.NotZero(t, arena.Bytes("acc")[12:16])
	assert.Panics(t, func() { arena.Bytes("missing") })

	// Writing to a region never leaks into the next one.
	a := arena.Bytes("a")
	assert.Equal(t, 10, cap(a))
}

func TestMapFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lhs.bin")
	src := FromFloat32(kinds.Float16, []float32{0.5, -1, 2, 4})
	require.NoError(t, os.WriteFile(path, src.Bytes(), 0o600))

	b, err := MapFile(path, kinds.Float16, -1)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -1, 2, 4}, b.Float32s())

	_, err = MapFile(path, kinds.Float16, 5)
	require.Error(t, err)
	_, err = MapFile(filepath.Join(t.TempDir(), "missing.bin"), kinds.Int8, 1)
	require.Error(t, err)
}
