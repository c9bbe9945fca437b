// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memory models the two memory tiers of the engine: bulk memory Buffers (flat,
// kind-tagged arrays holding operands, scales, bias and output) and the fast tier Arena,
// carved once per core into named fixed-size regions.
package memory

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilegemm/pkg/core/kinds"
	"github.com/pkg/errors"
)

// Buffer is a flat array of elements of one kind in bulk memory.
//
// Sub-byte kinds are packed (see package kinds). Buffers are not safe for concurrent writes of
// elements that share a byte, which the engine never does: outputs are at least 8 bits.
type Buffer struct {
	kind kinds.Kind
	size int
	data []byte
}

// NewBuffer allocates a zeroed buffer for size elements of the given kind.
func NewBuffer(kind kinds.Kind, size int) *Buffer {
	if !kind.IsValid() {
		exceptions.Panicf("memory.NewBuffer: invalid kind %s", kind)
	}
	if size < 0 {
		exceptions.Panicf("memory.NewBuffer: negative size %d", size)
	}
	return &Buffer{kind: kind, size: size, data: make([]byte, kind.BytesFor(size))}
}

// Wrap creates a Buffer over existing raw data, which must hold at least size elements.
func Wrap(kind kinds.Kind, size int, data []byte) (*Buffer, error) {
	if !kind.IsValid() {
		return nil, errors.Errorf("memory.Wrap: invalid kind %s", kind)
	}
	if need := kind.BytesFor(size); len(data) < need {
		return nil, errors.Errorf("memory.Wrap: %d elements of %s need %d bytes, got %d", size, kind, need, len(data))
	}
	return &Buffer{kind: kind, size: size, data: data}, nil
}

// FromFloat32 creates a buffer of the given kind with the values encoded (and possibly
// quantized) from float32.
func FromFloat32(kind kinds.Kind, values []float32) *Buffer {
	b := NewBuffer(kind, len(values))
	for i, v := range values {
		kinds.Put(b.data, kind, i, v)
	}
	return b
}

// Kind of the elements.
func (b *Buffer) Kind() kinds.Kind { return b.kind }

// Size returns the number of elements.
func (b *Buffer) Size() int { return b.size }

// Bytes returns the raw storage. It aliases the buffer contents.
func (b *Buffer) Bytes() []byte { return b.data }

// At returns element i cast to float32.
func (b *Buffer) At(i int) float32 { return kinds.Get(b.data, b.kind, i) }

// Set encodes v into element i.
func (b *Buffer) Set(i int, v float32) { kinds.Put(b.data, b.kind, i, v) }

// Float32s decodes the whole buffer.
func (b *Buffer) Float32s() []float32 {
	values := make([]float32, b.size)
	for i := range values {
		values[i] = b.At(i)
	}
	return values
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	if b == nil {
		return "Buffer(nil)"
	}
	return fmt.Sprintf("Buffer(%s[%d])", b.kind, b.size)
}
