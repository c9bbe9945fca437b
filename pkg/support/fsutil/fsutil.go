// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil resolves user-given paths of operand files.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ExpandPath replaces a leading "~" or "~user" by the home directory of the (current) user.
// Other paths are returned unchanged.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	userName, rest, _ := strings.Cut(path[1:], string(filepath.Separator))
	var (
		usr *user.User
		err error
	)
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to find the home directory for path %q", path)
	}
	return filepath.Join(usr.HomeDir, rest), nil
}

// RegularFileSize expands path and returns it along with the size of the file it names.
// It fails if the file doesn't exist or is not a regular file.
func RegularFileSize(path string) (expanded string, size int64, err error) {
	expanded, err = ExpandPath(path)
	if err != nil {
		return "", 0, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, errors.Errorf("file %q doesn't exist", expanded)
		}
		return "", 0, errors.Wrapf(err, "failed to stat %q", expanded)
	}
	if !info.Mode().IsRegular() {
		return "", 0, errors.Errorf("%q is not a regular file", expanded)
	}
	return expanded, info.Size(), nil
}
