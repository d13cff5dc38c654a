// Copyright 2024 The taut Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License
//
// SPDX-License-Identifier: Apache-2.0
//

// Package fsutil defines a set of internal utility functions used to
// interact with the file system.
package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

var ErrPermission = errors.New("unexpected permission")

// IsMetaFile tests whether a DirEntry appears to be a metadata file or not.
func IsMetaFile(e os.DirEntry) (bool, error) {
	if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
		return false, nil
	}

	info, err := e.Info()
	if err != nil {
		return false, err
	}

	return info.Mode().IsRegular(), nil
}

// EnsureMaxPermission tests the provided file info to make sure the
// permission bits do not exceed the provided mask. Missing files are
// fine; files writable by principals outside the mask are not.
func EnsureMaxPermission(fi os.FileInfo, perm os.FileMode) error {
	// Clear all bits which are not related to the permission.
	mode := fi.Mode() & fs.ModePerm
	mask := ^perm
	if (mode & mask) != 0 {
		return ErrPermission
	}

	return nil
}
