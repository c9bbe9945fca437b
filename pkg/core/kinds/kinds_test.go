// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kinds

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptors(t *testing.T) {
	testCases := []struct {
		kind      Kind
		bits      int
		packRatio int
		isFloat   bool
	}{
		{Int4, 4, 2, false},
		{Uint4, 4, 2, false},
		{Int8, 8, 1, false},
		{Int32, 32, 1, false},
		{F4E2M1, 4, 2, true},
		{F8E4M3, 8, 1, true},
		{F8E5M2, 8, 1, true},
		{Float16, 16, 1, true},
		{BFloat16, 16, 1, true},
		{Float32, 32, 1, true},
	}
	for _, tc := range testCases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			assert.Equal(t, tc.bits, tc.kind.Bits())
			assert.Equal(t, tc.packRatio, tc.kind.PackRatio())
			assert.Equal(t, tc.isFloat, tc.kind.IsFloat())
		})
	}
	assert.Equal(t, 3, Int4.BytesFor(5))
	assert.Equal(t, 10, Float16.BytesFor(5))
	assert.False(t, Invalid.IsValid())
	assert.Len(t, All(), int(numKinds)-1)
}

func TestParse(t *testing.T) {
	for name, want := range map[string]Kind{
		"int8": Int8, "FP16": Float16, "bf16": BFloat16, " s4 ": Int4, "e4m3": F8E4M3, "float32": Float32,
	} {
		got, err := Parse(name)
		require.NoError(t, err, "parsing %q", name)
		assert.Equal(t, want, got, "parsing %q", name)
	}
	_, err := Parse("complex64")
	require.Error(t, err)
}

func TestDTypeInterop(t *testing.T) {
	assert.Equal(t, dtypes.Float16, Float16.DType())
	assert.Equal(t, BFloat16, FromDType(dtypes.BFloat16))
	assert.Equal(t, Int4, FromDType(dtypes.S4))
	assert.Equal(t, Invalid, FromDType(dtypes.Complex64))
	assert.Equal(t, Invalid, FromDType(dtypes.InvalidDType))
}

func TestIntegerCodecs(t *testing.T) {
	assert.Equal(t, float32(-3), Int4.Quantize(-3))
	assert.Equal(t, float32(-8), Int4.Quantize(-100))
	assert.Equal(t, float32(7), Int4.Quantize(7.6))
	assert.Equal(t, float32(15), Uint4.Quantize(20))
	assert.Equal(t, float32(0), Uint4.Quantize(-2))
	assert.Equal(t, float32(2), Int8.Quantize(2.5)) // Half to even.
	assert.Equal(t, float32(-128), Int8.Quantize(-1000))
	assert.Equal(t, float32(255), Uint8.Quantize(300))
	assert.Equal(t, float32(-70000), Int32.Quantize(-70000))
}

func TestMinifloatCodecs(t *testing.T) {
	t.Run("f4e2m1", func(t *testing.T) {
		want := []float32{0, 0.5, 1, 1.5, 2, 3, 4, 6}
		for code, v := range want {
			assert.Equal(t, v, F4E2M1.Decode(uint32(code)))
			assert.Equal(t, -v, F4E2M1.Decode(uint32(code)|0x8))
			assert.Equal(t, uint32(code), F4E2M1.Encode(v))
		}
		assert.Equal(t, float32(6), F4E2M1.Quantize(100))
		assert.Equal(t, float32(-6), F4E2M1.Quantize(-7))
		assert.Equal(t, float32(2), F4E2M1.Quantize(2.5)) // Tie goes to the even code.
		assert.Equal(t, float32(4), F4E2M1.Quantize(3.5))
	})
	t.Run("f8e4m3", func(t *testing.T) {
		assert.Equal(t, float32(448), F8E4M3.MaxFinite())
		assert.Equal(t, float32(448), F8E4M3.Quantize(1e6))
		assert.True(t, math.IsNaN(float64(F8E4M3.Decode(0x7F))))
		assert.Equal(t, float32(1), F8E4M3.Quantize(1))
		assert.Equal(t, float32(0.125), F8E4M3.Quantize(0.125))
		assert.Equal(t, float32(math.Ldexp(1, -9)), F8E4M3.Decode(1)) // Smallest subnormal.
	})
	t.Run("f8e5m2", func(t *testing.T) {
		assert.Equal(t, float32(57344), F8E5M2.MaxFinite())
		assert.True(t, math.IsInf(float64(F8E5M2.Decode(0x7C)), 1))
		assert.True(t, math.IsInf(float64(F8E5M2.Quantize(float32(math.Inf(-1)))), -1))
		assert.Equal(t, float32(-1.5), F8E5M2.Quantize(-1.5))
	})
	t.Run("half-precision", func(t *testing.T) {
		assert.Equal(t, float32(1.5), Float16.Quantize(1.5))
		assert.Equal(t, float32(65504), Float16.MaxFinite())
		assert.Equal(t, float32(2), BFloat16.Quantize(2))
	})
}

func TestPacking(t *testing.T) {
	data := make([]byte, 3)
	values := []float32{1, -2, 3, -4, 7}
	for i, v := range values {
		Put(data, Int4, i, v)
	}
	assert.Equal(t, byte(0xE1), data[0]) // Low nibble first.
	for i, v := range values {
		assert.Equal(t, v, Get(data, Int4, i))
	}

	t.Run("CopyElements", func(t *testing.T) {
		dst := []byte{0, 0, 0xF0}
		n := CopyElements(dst, 0, data, 0, Int4, 5)
		assert.Equal(t, 3, n)
		for i, v := range values {
			assert.Equal(t, v, Get(dst, Int4, i))
		}
		assert.Equal(t, byte(0xF0), dst[2]&0xF0, "neighbour nibble must be preserved")

		// Unaligned source.
		dst = make([]byte, 2)
		CopyElements(dst, 0, data, 1, Int4, 4)
		for i, v := range values[1:] {
			assert.Equal(t, v, Get(dst, Int4, i))
		}
	})

	t.Run("Float32", func(t *testing.T) {
		buf := make([]byte, 8)
		Put(buf, Float32, 1, -3.25)
		assert.Equal(t, float32(-3.25), Get(buf, Float32, 1))
		assert.Equal(t, float32(0), Get(buf, Float32, 0))
	})
}
