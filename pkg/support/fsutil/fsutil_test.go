// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandPath(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)
	for _, tc := range []struct{ path, want string }{
		{"/tmp/a.bin", "/tmp/a.bin"},
		{"rel/a.bin", "rel/a.bin"},
		{"~", usr.HomeDir},
		{"~/a.bin", filepath.Join(usr.HomeDir, "a.bin")},
	} {
		got, err := ExpandPath(tc.path)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
	_, err = ExpandPath("~no-such-user-here/a.bin")
	require.Error(t, err)
}

func TestRegularFileSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 12), 0o600))
	expanded, size, err := RegularFileSize(path)
	require.NoError(t, err)
	assert.Equal(t, path, expanded)
	assert.Equal(t, int64(12), size)

	_, _, err = RegularFileSize(dir)
	require.ErrorContains(t, err, "not a regular file")
	_, _, err = RegularFileSize(filepath.Join(dir, "missing.bin"))
	require.ErrorContains(t, err, "doesn't exist")
}
