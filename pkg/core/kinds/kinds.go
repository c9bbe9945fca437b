// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kinds defines the closed set of element kinds the GEMM engine can stage, multiply and store.
//
// Each Kind carries a small descriptor (bit width, pack ratio, float or integer) and a handful of
// generic numeric operations dispatched over that descriptor: cast-to-accumulator (Decode),
// cast-from-accumulator (Encode) and packed element access into flat byte buffers.
// The accumulator is always float32.
//
// Sub-byte kinds (4 bits) are packed two per byte, low nibble first.
package kinds

import (
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Kind enumerates the element kinds supported by the engine.
type Kind int

const (
	// Invalid is the zero value, used to indicate a missing or unknown kind.
	Invalid Kind = iota

	// Int4 is a signed 4-bit integer in [-8, 7].
	Int4
	// Uint4 is an unsigned 4-bit integer in [0, 15].
	Uint4
	Int8
	Uint8
	Int32

	// F4E2M1 is a 4-bit float with 2 exponent bits and 1 mantissa bit, finite only.
	F4E2M1
	// F8E4M3 is an 8-bit float with 4 exponent bits and 3 mantissa bits, finite only
	// (the all-ones pattern is NaN).
	F8E4M3
	// F8E5M2 is an 8-bit float with 5 exponent bits and 2 mantissa bits, with infinities and NaNs.
	F8E5M2

	Float16
	BFloat16
	Float32

	numKinds
)

// Descriptor holds the static properties of a Kind.
type Descriptor struct {
	Name    string
	Bits    int
	IsFloat bool
	Signed  bool
	DType   dtypes.DType
}

var descriptors = [numKinds]Descriptor{
	Invalid:  {Name: "invalid", DType: dtypes.InvalidDType},
	Int4:     {Name: "int4", Bits: 4, Signed: true, DType: dtypes.S4},
	Uint4:    {Name: "uint4", Bits: 4, DType: dtypes.U4},
	Int8:     {Name: "int8", Bits: 8, Signed: true, DType: dtypes.Int8},
	Uint8:    {Name: "uint8", Bits: 8, DType: dtypes.Uint8},
	Int32:    {Name: "int32", Bits: 32, Signed: true, DType: dtypes.Int32},
	F4E2M1:   {Name: "f4e2m1", Bits: 4, IsFloat: true, Signed: true, DType: dtypes.InvalidDType},
	F8E4M3:   {Name: "f8e4m3", Bits: 8, IsFloat: true, Signed: true, DType: dtypes.F8E4M3FN},
	F8E5M2:   {Name: "f8e5m2", Bits: 8, IsFloat: true, Signed: true, DType: dtypes.F8E5M2},
	Float16:  {Name: "float16", Bits: 16, IsFloat: true, Signed: true, DType: dtypes.Float16},
	BFloat16: {Name: "bfloat16", Bits: 16, IsFloat: true, Signed: true, DType: dtypes.BFloat16},
	Float32:  {Name: "float32", Bits: 32, IsFloat: true, Signed: true, DType: dtypes.Float32},
}

// aliases maps alternative names (lower-case) to kinds. Canonical names are added in init.
var aliases = map[string]Kind{
	"s4":   Int4,
	"u4":   Uint4,
	"s8":   Int8,
	"u8":   Uint8,
	"s32":  Int32,
	"fp4":  F4E2M1,
	"e2m1": F4E2M1,
	"fp8":  F8E4M3,
	"e4m3": F8E4M3,
	"e5m2": F8E5M2,
	"fp16": Float16,
	"f16":  Float16,
	"half": Float16,
	"bf16": BFloat16,
	"fp32": Float32,
	"f32":  Float32,
}

func init() {
	for k := Invalid + 1; k < numKinds; k++ {
		aliases[descriptors[k].Name] = k
	}
}

// All returns all valid kinds, in enumeration order.
func All() []Kind {
	all := make([]Kind, 0, numKinds-1)
	for k := Invalid + 1; k < numKinds; k++ {
		all = append(all, k)
	}
	return all
}

// Parse returns the Kind for the given name (case-insensitive), accepting common aliases
// like "fp16", "bf16" or "s4".
func Parse(name string) (Kind, error) {
	k, found := aliases[strings.ToLower(strings.TrimSpace(name))]
	if !found {
		return Invalid, errors.Errorf("unknown element kind %q", name)
	}
	return k, nil
}

// IsValid returns whether k is one of the enumerated kinds (and not Invalid).
func (k Kind) IsValid() bool {
	return k > Invalid && k < numKinds
}

// Descriptor returns the static descriptor of the kind.
func (k Kind) Descriptor() Descriptor {
	if k < 0 || k >= numKinds {
		return descriptors[Invalid]
	}
	return descriptors[k]
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if !k.IsValid() {
		return descriptors[Invalid].Name
	}
	return descriptors[k].Name
}

// Bits returns the number of bits of one element.
func (k Kind) Bits() int { return k.Descriptor().Bits }

// IsFloat returns whether the kind is a floating point format.
func (k Kind) IsFloat() bool { return k.Descriptor().IsFloat }

// IsSubByte returns whether elements of this kind are packed more than one per byte.
func (k Kind) IsSubByte() bool { return k.IsValid() && k.Bits() < 8 }

// PackRatio returns the number of elements stored per byte for sub-byte kinds, and 1 for all others.
func (k Kind) PackRatio() int {
	if k.IsSubByte() {
		return 8 / k.Bits()
	}
	return 1
}

// BytesFor returns the number of bytes needed to store n elements, rounding up partial bytes.
func (k Kind) BytesFor(n int) int {
	return (n*k.Bits() + 7) / 8
}

// ElementsPerBytes returns how many elements fit in the given number of bytes.
func (k Kind) ElementsPerBytes(numBytes int) int {
	if !k.IsValid() {
		return 0
	}
	return numBytes * 8 / k.Bits()
}

// IsByteAligned returns whether the element at index i starts at a byte boundary.
func (k Kind) IsByteAligned(i int) bool {
	return (i*k.Bits())%8 == 0
}

// DType returns the corresponding gopjrt dtype, or dtypes.InvalidDType if there is none.
func (k Kind) DType() dtypes.DType { return k.Descriptor().DType }

// FromDType returns the kind corresponding to the given dtype, or Invalid if not supported.
func FromDType(dtype dtypes.DType) Kind {
	if dtype == dtypes.InvalidDType {
		return Invalid
	}
	for k := Invalid + 1; k < numKinds; k++ {
		if descriptors[k].DType == dtype {
			return k
		}
	}
	return Invalid
}
