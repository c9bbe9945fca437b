// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kinds

import "encoding/binary"

// GetRaw returns the raw bit pattern of element i of a flat buffer of kind k.
func GetRaw(data []byte, k Kind, i int) uint32 {
	switch k.Bits() {
	case 4:
		b := data[i>>1]
		if i&1 == 0 {
			return uint32(b & 0xF)
		}
		return uint32(b >> 4)
	case 8:
		return uint32(data[i])
	case 16:
		return uint32(binary.LittleEndian.Uint16(data[2*i:]))
	default:
		return binary.LittleEndian.Uint32(data[4*i:])
	}
}

// PutRaw writes the raw bit pattern of element i of a flat buffer of kind k.
// For sub-byte kinds only the element's own bits are modified.
func PutRaw(data []byte, k Kind, i int, raw uint32) {
	switch k.Bits() {
	case 4:
		idx := i >> 1
		if i&1 == 0 {
			data[idx] = data[idx]&0xF0 | byte(raw&0xF)
		} else {
			data[idx] = data[idx]&0x0F | byte(raw&0xF)<<4
		}
	case 8:
		data[i] = byte(raw)
	case 16:
		binary.LittleEndian.PutUint16(data[2*i:], uint16(raw))
	default:
		binary.LittleEndian.PutUint32(data[4*i:], raw)
	}
}

// Get returns element i of a flat buffer of kind k, cast to accumulator precision.
func Get(data []byte, k Kind, i int) float32 {
	return k.Decode(GetRaw(data, k, i))
}

// Put encodes v to kind k and writes it as element i of a flat buffer.
func Put(data []byte, k Kind, i int, v float32) {
	PutRaw(data, k, i, k.Encode(v))
}

// CopyElements copies n elements of kind k from src (starting at element srcIdx) to dst
// (starting at element dstIdx) and returns the number of bytes transferred.
//
// When both ends start on a byte boundary the whole bytes are copied at once; a trailing
// partial byte (odd count of sub-byte elements) is written element-wise so the neighbour
// element in dst is preserved.
func CopyElements(dst []byte, dstIdx int, src []byte, srcIdx int, k Kind, n int) int {
	if n <= 0 {
		return 0
	}
	if k.IsByteAligned(srcIdx) && k.IsByteAligned(dstIdx) {
		bits := k.Bits()
		srcByte, dstByte := srcIdx*bits/8, dstIdx*bits/8
		fullBytes := n * bits / 8
		copy(dst[dstByte:dstByte+fullBytes], src[srcByte:srcByte+fullBytes])
		copied := k.ElementsPerBytes(fullBytes)
		for i := copied; i < n; i++ {
			PutRaw(dst, k, dstIdx+i, GetRaw(src, k, srcIdx+i))
		}
		return k.BytesFor(n)
	}
	for i := range n {
		PutRaw(dst, k, dstIdx+i, GetRaw(src, k, srcIdx+i))
	}
	return k.BytesFor(n)
}
