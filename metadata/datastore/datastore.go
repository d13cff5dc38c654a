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

// Package datastore persists the last known good metadata documents
// between client runs, so that rollback, freeze and fast-forward checks
// have something to compare against across process invocations.
package datastore

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/updatekit/taut/internal/fsutil"
)

// Datastore is a small persistent key-value store keyed by filename.
// Reader returns fs.ErrNotExist for names that have never been created;
// Remove of a missing name is not an error. Implementations are not
// safe for use by more than one client instance at a time.
type Datastore interface {
	// Reader opens the named document for reading.
	Reader(name string) (io.ReadCloser, error)
	// Create writes the raw bytes of a verified document, replacing
	// any previous value stored under name.
	Create(name string, data []byte) error
	// Remove deletes the named document if present.
	Remove(name string) error
}

// FileStore is a Datastore backed by a directory of JSON files. The
// directory must pre-exist and, like its contents, must not be writable
// by any principal other than the owner.
type FileStore struct {
	dir string
}

// NewFileStore verifies dir exists with acceptable permissions and
// returns a FileStore rooted at it. Metadata documents already in the
// directory are held to the same permission standard as the directory
// itself, so a previous run's insecure cache fails here rather than on
// first read.
func NewFileStore(dir string) (*FileStore, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("error opening datastore directory %s: %w", dir, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("datastore path %s is not a directory", dir)
	}
	if err := checkPermissions(fi); err != nil {
		return nil, fmt.Errorf("datastore directory %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error listing datastore directory %s: %w", dir, err)
	}
	for _, e := range entries {
		ok, err := fsutil.IsMetaFile(e)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		if err := checkPermissions(info); err != nil {
			return nil, fmt.Errorf("datastore file %s: %w", filepath.Join(dir, e.Name()), err)
		}
	}
	return &FileStore{dir: dir}, nil
}

// checkPermissions refuses group- or other-writable files. The client
// does not attempt to correct insecure files.
func checkPermissions(fi os.FileInfo) error {
	return fsutil.EnsureMaxPermission(fi, 0o755)
}

func (s *FileStore) Reader(name string) (io.ReadCloser, error) {
	path := filepath.Join(s.dir, name)
	fi, err := os.Stat(path)
	if err != nil {
		// pass fs.ErrNotExist through so callers can treat the
		// document as absent
		return nil, err
	}
	if err := checkPermissions(fi); err != nil {
		return nil, fmt.Errorf("datastore file %s: %w", path, err)
	}
	return os.Open(path)
}

func (s *FileStore) Create(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	// write to a temporary file and rename to avoid torn documents
	tmp, err := os.CreateTemp(s.dir, "datastore_tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileStore) Remove(name string) error {
	path := filepath.Join(s.dir, name)
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MemoryStore is an in-memory Datastore used by tests and callers who
// accept losing rollback protection between process runs.
type MemoryStore struct {
	docs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string][]byte{}}
}

func (s *MemoryStore) Reader(name string) (io.ReadCloser, error) {
	data, ok := s.docs[name]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) Create(name string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.docs[name] = cp
	return nil
}

func (s *MemoryStore) Remove(name string) error {
	delete(s.docs, name)
	return nil
}
