// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/gomlx/tilegemm/pkg/core/kinds"
	"github.com/gomlx/tilegemm/pkg/support/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// MapFile reads a raw, flat array of size elements of the given kind from a file, through a
// read-only memory map. If size is negative, it is inferred from the file length. A leading "~"
// in path is expanded to the home directory.
//
// The contents are copied into a new Buffer, so the mapping is released before returning.
func MapFile(path string, kind kinds.Kind, size int) (buf *Buffer, err error) {
	if !kind.IsValid() {
		return nil, errors.Errorf("memory.MapFile(%q): invalid kind %s", path, kind)
	}
	path, fileSize, err := fsutil.RegularFileSize(path)
	if err != nil {
		return nil, errors.WithMessage(err, "memory.MapFile")
	}
	if fileSize == 0 {
		return nil, errors.Errorf("memory.MapFile(%q): empty file", path)
	}
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %q", path)
	}
	defer func() {
		if e := reader.Close(); e != nil && err == nil {
			err = errors.Wrapf(e, "failed to unmap %q", path)
		}
	}()

	if size < 0 {
		size = kind.ElementsPerBytes(reader.Len())
	}
	need := kind.BytesFor(size)
	if reader.Len() < need {
		return nil, errors.Errorf("file %q has %d bytes, %d elements of %s need %d",
			path, reader.Len(), size, kind, need)
	}
	buf = NewBuffer(kind, size)
	if _, err = reader.ReadAt(buf.data, 0); err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", path)
	}
	return buf, nil
}
