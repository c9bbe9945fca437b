// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kinds

import (
	"math"
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// Decode converts the raw bit pattern of one element (right-aligned in a uint32) to the
// float32 accumulator precision.
func (k Kind) Decode(raw uint32) float32 {
	switch k {
	case Int4:
		return float32(int32(raw<<28) >> 28)
	case Uint4:
		return float32(raw & 0xF)
	case Int8:
		return float32(int8(raw))
	case Uint8:
		return float32(uint8(raw))
	case Int32:
		return float32(int32(raw))
	case F4E2M1:
		return f4e2m1.decode(raw)
	case F8E4M3:
		return f8e4m3.decode(raw)
	case F8E5M2:
		return f8e5m2.decode(raw)
	case Float16:
		return float16.Frombits(uint16(raw)).Float32()
	case BFloat16:
		return bfloat16.BFloat16(uint16(raw)).Float32()
	case Float32:
		return math.Float32frombits(raw)
	}
	exceptions.Panicf("kinds.Decode: invalid kind %d", int(k))
	return 0
}

// Encode converts an accumulator value to the raw bit pattern of the kind.
//
// Integer kinds round half to even and saturate at their range. Finite-only float kinds
// saturate at their largest finite value.
func (k Kind) Encode(v float32) uint32 {
	switch k {
	case Int4:
		return uint32(saturateInt(v, -8, 7)) & 0xF
	case Uint4:
		return uint32(saturateInt(v, 0, 15))
	case Int8:
		return uint32(uint8(int8(saturateInt(v, math.MinInt8, math.MaxInt8))))
	case Uint8:
		return uint32(saturateInt(v, 0, math.MaxUint8))
	case Int32:
		return uint32(int32(saturateInt(v, math.MinInt32, math.MaxInt32)))
	case F4E2M1:
		return f4e2m1.encode(v)
	case F8E4M3:
		return f8e4m3.encode(v)
	case F8E5M2:
		return f8e5m2.encode(v)
	case Float16:
		return uint32(float16.Fromfloat32(v).Bits())
	case BFloat16:
		return uint32(bfloat16.FromFloat32(v))
	case Float32:
		return math.Float32bits(v)
	}
	exceptions.Panicf("kinds.Encode: invalid kind %d", int(k))
	return 0
}

// Quantize is Decode(Encode(v)): the value v would hold once stored with kind k.
func (k Kind) Quantize(v float32) float32 {
	return k.Decode(k.Encode(v))
}

func saturateInt(v float32, lo, hi int64) int64 {
	if v != v {
		return 0
	}
	r := math.RoundToEven(float64(v))
	if r < float64(lo) {
		return lo
	}
	if r > float64(hi) {
		return hi
	}
	return int64(r)
}

// minifloat describes a narrow float format by its exponent and mantissa widths.
//
// The codec is table driven: all non-negative finite codes are enumerated once, in increasing
// order, and encoding is a nearest-value search with ties going to the even code.
type minifloat struct {
	expBits, manBits int
	// ieee formats reserve the all-ones exponent for infinities and NaNs.
	ieee bool
	// finiteNaN formats (the "FN" variants) only reserve the all-ones pattern for NaN.
	finiteNaN bool

	values  []float32 // values[code] for code in [0, maxFinite].
	nanCode uint32
	infCode uint32
}

var (
	f4e2m1 = newMinifloat(2, 1, false, false)
	f8e4m3 = newMinifloat(4, 3, false, true)
	f8e5m2 = newMinifloat(5, 2, true, false)
)

func newMinifloat(expBits, manBits int, ieee, finiteNaN bool) *minifloat {
	mf := &minifloat{expBits: expBits, manBits: manBits, ieee: ieee, finiteNaN: finiteNaN}
	magnitudeBits := uint32(expBits + manBits)
	expMask := uint32(1)<<expBits - 1
	manMask := uint32(1)<<manBits - 1
	for code := uint32(0); code < 1<<magnitudeBits; code++ {
		exp := (code >> manBits) & expMask
		man := code & manMask
		if ieee && exp == expMask {
			break
		}
		if finiteNaN && exp == expMask && man == manMask {
			break
		}
		mf.values = append(mf.values, mf.magnitude(exp, man))
	}
	switch {
	case ieee:
		mf.infCode = expMask << manBits
		mf.nanCode = mf.infCode | 1
	case finiteNaN:
		mf.nanCode = 1<<magnitudeBits - 1
	}
	return mf
}

func (mf *minifloat) bias() int {
	return 1<<(mf.expBits-1) - 1
}

func (mf *minifloat) magnitude(exp, man uint32) float32 {
	frac := float64(man) / float64(uint32(1)<<mf.manBits)
	if exp == 0 {
		return float32(math.Ldexp(frac, 1-mf.bias()))
	}
	return float32(math.Ldexp(1+frac, int(exp)-mf.bias()))
}

func (mf *minifloat) signBit() uint32 {
	return 1 << (mf.expBits + mf.manBits)
}

func (mf *minifloat) decode(raw uint32) float32 {
	sign := raw & mf.signBit()
	code := raw & (mf.signBit() - 1)
	var v float32
	switch {
	case int(code) < len(mf.values):
		v = mf.values[code]
	case mf.ieee && code == mf.infCode:
		v = float32(math.Inf(1))
	default:
		return float32(math.NaN())
	}
	if sign != 0 {
		v = -v
	}
	return v
}

func (mf *minifloat) encode(v float32) uint32 {
	if v != v {
		if mf.ieee || mf.finiteNaN {
			return mf.nanCode
		}
		return 0
	}
	var sign uint32
	if math.Signbit(float64(v)) {
		sign = mf.signBit()
		v = -v
	}
	maxCode := len(mf.values) - 1
	if math.IsInf(float64(v), 1) && mf.ieee {
		return sign | mf.infCode
	}
	if v >= mf.values[maxCode] {
		return sign | uint32(maxCode)
	}
	hi := sort.Search(len(mf.values), func(i int) bool { return mf.values[i] >= v })
	if hi == 0 {
		return sign
	}
	lo := hi - 1
	dLo, dHi := v-mf.values[lo], mf.values[hi]-v
	switch {
	case dLo < dHi:
		return sign | uint32(lo)
	case dHi < dLo:
		return sign | uint32(hi)
	case lo%2 == 0:
		return sign | uint32(lo)
	default:
		return sign | uint32(hi)
	}
}

// MaxFinite returns the largest finite value representable by the kind.
func (k Kind) MaxFinite() float32 {
	switch k {
	case Int4:
		return 7
	case Uint4:
		return 15
	case Int8:
		return math.MaxInt8
	case Uint8:
		return math.MaxUint8
	case Int32:
		return math.MaxInt32
	case F4E2M1:
		return f4e2m1.values[len(f4e2m1.values)-1]
	case F8E4M3:
		return f8e4m3.values[len(f8e4m3.values)-1]
	case F8E5M2:
		return f8e5m2.values[len(f8e5m2.values)-1]
	case Float16:
		return 65504
	case BFloat16:
		return bfloat16.BFloat16(0x7F7F).Float32()
	case Float32:
		return math.MaxFloat32
	}
	return 0
}
