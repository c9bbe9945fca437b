// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"slices"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// regionAlign is the alignment of every region in the arena, enough for float32 views.
const regionAlign = 32

// Region is a named, fixed-size, non-overlapping slice of the arena.
type Region struct {
	Name   string
	Offset int
	Size   int
}

// AlignedSize returns the size n rounded up to the region alignment: the space a region of n
// bytes takes in an arena when followed by another region.
func AlignedSize(n int) int {
	return (n + regionAlign - 1) / regionAlign * regionAlign
}

// End returns the offset one past the last byte of the region.
func (r Region) End() int { return r.Offset + r.Size }

// Layout describes the regions of an arena. It is computed once at setup.
type Layout struct {
	regions []Region
	byName  map[string]int
	total   int
}

// NewLayout creates an empty layout.
func NewLayout() *Layout {
	return &Layout{byName: make(map[string]int)}
}

// Add appends a region of the given size. It panics if the name was already used, since
// layouts are built by the engine, not by users.
func (l *Layout) Add(name string, size int) *Layout {
	if _, found := l.byName[name]; found {
		exceptions.Panicf("memory.Layout.Add: duplicate region %q", name)
	}
	if size < 0 {
		exceptions.Panicf("memory.Layout.Add: negative size %d for region %q", size, name)
	}
	offset := AlignedSize(l.total)
	l.byName[name] = len(l.regions)
	l.regions = append(l.regions, Region{Name: name, Offset: offset, Size: size})
	l.total = offset + size
	return l
}

// Total returns the number of bytes spanned by the layout, including alignment gaps.
func (l *Layout) Total() int { return l.total }

// Regions returns a copy of the regions, in the order they were added.
func (l *Layout) Regions() []Region { return slices.Clone(l.regions) }

// Lookup returns the region with the given name.
func (l *Layout) Lookup(name string) (Region, bool) {
	idx, found := l.byName[name]
	if !found {
		return Region{}, false
	}
	return l.regions[idx], true
}

// Arena is the fast-tier scratch memory of one core.
//
// It is allocated once from a Layout, and handed out by region name only: regions are never
// freed or resized while the kernel runs.
type Arena struct {
	layout *Layout
	data   []byte
}

// NewArena allocates an arena for the layout, failing if it doesn't fit the capacity.
func NewArena(layout *Layout, capacity int) (*Arena, error) {
	if layout.Total() > capacity {
		return nil, errors.Errorf("arena layout needs %s, capacity is %s",
			humanize.IBytes(uint64(layout.Total())), humanize.IBytes(uint64(capacity)))
	}
	return &Arena{layout: layout, data: make([]byte, layout.Total())}, nil
}

// Layout returns the layout the arena was created with.
func (a *Arena) Layout() *Layout { return a.layout }

// Bytes returns the named region. It panics if the region doesn't exist.
func (a *Arena) Bytes(name string) []byte {
	r, found := a.layout.Lookup(name)
	if !found {
		exceptions.Panicf("memory.Arena: unknown region %q", name)
	}
	return a.data[r.Offset:r.End():r.End()]
}

// Float32s returns the named region viewed as float32 values.
func (a *Arena) Float32s(name string) []float32 {
	b := a.Bytes(name)
	if len(b) < 4 {
		return nil
	}
	// Regions are aligned to regionAlign, so the view is properly aligned.
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}
