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

package datastore

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updatekit/taut/internal/fsutil"
)

func readAll(t *testing.T, store Datastore, name string) []byte {
	t.Helper()
	rc, err := store.Reader(name)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func testStores(t *testing.T) map[string]Datastore {
	t.Helper()
	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Datastore{
		"file":   fileStore,
		"memory": NewMemoryStore(),
	}
}

func TestCreateReadRemove(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Create("timestamp.json", []byte(`{"v":1}`)))
			assert.Equal(t, []byte(`{"v":1}`), readAll(t, store, "timestamp.json"))

			// Create replaces
			require.NoError(t, store.Create("timestamp.json", []byte(`{"v":2}`)))
			assert.Equal(t, []byte(`{"v":2}`), readAll(t, store, "timestamp.json"))

			require.NoError(t, store.Remove("timestamp.json"))
			_, err := store.Reader("timestamp.json")
			assert.ErrorIs(t, err, fs.ErrNotExist)
		})
	}
}

func TestReaderMissing(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Reader("snapshot.json")
			assert.ErrorIs(t, err, fs.ErrNotExist)
		})
	}
}

func TestRemoveMissingIsNotAnError(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, store.Remove("snapshot.json"))
		})
	}
}

func TestNewFileStoreMissingDir(t *testing.T) {
	_, err := NewFileStore(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestNewFileStoreNotADir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err := NewFileStore(path)
	assert.Error(t, err)
}

func TestFileStoreRejectsWritableDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not enforced on windows")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o777))
	_, err := NewFileStore(dir)
	assert.ErrorIs(t, err, fsutil.ErrPermission)
}

func TestFileStoreRejectsWritableFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not enforced on windows")
	}
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Create("root.json", []byte(`{}`)))
	require.NoError(t, os.Chmod(filepath.Join(dir, "root.json"), 0o666))

	_, err = store.Reader("root.json")
	assert.ErrorIs(t, err, fsutil.ErrPermission)
}

func TestFileStoreRejectsPreexistingWritableFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not enforced on windows")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "timestamp.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.Chmod(filepath.Join(dir, "timestamp.json"), 0o666))

	// an insecure cache left behind by a previous run fails at open
	_, err := NewFileStore(dir)
	assert.ErrorIs(t, err, fsutil.ErrPermission)

	// only metadata documents are held to the standard
	require.NoError(t, os.Remove(filepath.Join(dir, "timestamp.json")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Chmod(filepath.Join(dir, "notes.txt"), 0o666))
	_, err = NewFileStore(dir)
	assert.NoError(t, err)
}
