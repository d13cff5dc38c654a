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

// Package testrepo simulates a signed repository for tests. Metadata
// is signed on demand when fetched, so tests can mutate the role
// structs directly and the changes are immediately visible to clients.
// Root versions are the exception and require an explicit PublishRoot.
//
// The simulator implements fetcher.Fetcher and serves everything from
// memory under MetadataURL and TargetsURL; no network or file access
// happens.
package testrepo

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sigstore/sigstore/pkg/signature"

	"github.com/updatekit/taut/metadata"
	"github.com/updatekit/taut/metadata/fetcher"
)

const (
	// MetadataURL is the base URL the simulator serves metadata under.
	MetadataURL = "https://repo.invalid/metadata/"
	// TargetsURL is the base URL the simulator serves targets under.
	TargetsURL = "https://repo.invalid/targets/"
)

// Simulator holds the current repository state and serves it as a
// fetcher.Fetcher.
type Simulator struct {
	Root      *metadata.Metadata[metadata.RootType]
	Timestamp *metadata.Metadata[metadata.TimestampType]
	Snapshot  *metadata.Metadata[metadata.SnapshotType]
	Targets   *metadata.Metadata[metadata.TargetsType]

	// SignedRoots holds every published root version, index i serving
	// version i+1
	SignedRoots [][]byte

	// Signers are used on demand at fetch time, keyed role then key ID
	Signers map[string]map[string]signature.Signer

	// TargetData backs the target downloads, keyed by target name
	TargetData map[string][]byte

	// Overrides replaces the served bytes for a metadata filename,
	// letting tests serve stale or corrupt documents
	Overrides map[string][]byte

	// ComputeHashesAndLength fills in hashes and length for the meta
	// entries written by UpdateSnapshot and UpdateTimestamp
	ComputeHashesAndLength bool

	SafeExpiry time.Time
}

// New builds a minimal valid repository: one ed25519 key per role,
// threshold one, all metadata at version one, consistent snapshots on.
func New() *Simulator {
	expiry := time.Now().UTC().Truncate(time.Second).AddDate(0, 0, 30)
	s := &Simulator{
		Root:        metadata.Root(expiry),
		Timestamp:   metadata.Timestamp(expiry),
		Snapshot:    metadata.Snapshot(expiry),
		Targets:     metadata.Targets(expiry),
		SignedRoots: [][]byte{},
		Signers:     map[string]map[string]signature.Signer{},
		TargetData:  map[string][]byte{},
		Overrides:   map[string][]byte{},
		SafeExpiry:  expiry,
	}
	for _, role := range []string{metadata.ROOT, metadata.TIMESTAMP, metadata.SNAPSHOT, metadata.TARGETS} {
		key, signer := NewKey()
		if err := s.Root.Signed.AddKey(key, role); err != nil {
			panic(fmt.Sprintf("testrepo: add key: %v", err))
		}
		s.AddSigner(role, key.ID(), signer)
	}
	s.PublishRoot()
	return s
}

// NewKey generates an ed25519 keypair and returns the metadata key and
// its signer.
func NewKey() (*metadata.Key, signature.Signer) {
	public, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(fmt.Sprintf("testrepo: generate key: %v", err))
	}
	signer, err := signature.LoadSigner(private, crypto.Hash(0))
	if err != nil {
		panic(fmt.Sprintf("testrepo: load signer: %v", err))
	}
	key, err := metadata.KeyFromPublicKey(public)
	if err != nil {
		panic(fmt.Sprintf("testrepo: key conversion: %v", err))
	}
	return key, signer
}

func (s *Simulator) AddSigner(role, keyID string, signer signature.Signer) {
	if _, ok := s.Signers[role]; !ok {
		s.Signers[role] = map[string]signature.Signer{}
	}
	s.Signers[role][keyID] = signer
}

// RotateKeys replaces all keys for role with a fresh threshold of new
// ones. The caller still has to bump the root version and PublishRoot.
func (s *Simulator) RotateKeys(role string) {
	ids := append([]string{}, s.Root.Signed.Roles[role].KeyIDs...)
	for _, keyID := range ids {
		if err := s.Root.Signed.RevokeKey(keyID, role); err != nil {
			panic(fmt.Sprintf("testrepo: revoke key: %v", err))
		}
	}
	// keep old root signers around so the outgoing generation can
	// still countersign the rotation
	if role != metadata.ROOT {
		s.Signers[role] = map[string]signature.Signer{}
	}
	for i := 0; i < s.Root.Signed.Roles[role].Threshold; i++ {
		key, signer := NewKey()
		if err := s.Root.Signed.AddKey(key, role); err != nil {
			panic(fmt.Sprintf("testrepo: add key: %v", err))
		}
		s.AddSigner(role, key.ID(), signer)
	}
}

// PublishRoot signs and stores a new serialized root version.
func (s *Simulator) PublishRoot() {
	data := signMeta(metadata.ROOT, s.Root, s)
	s.SignedRoots = append(s.SignedRoots, data)
}

// AddTarget registers target content under name and lists it in the
// targets metadata. Callers bump versions and call UpdateSnapshot.
func (s *Simulator) AddTarget(name string, data []byte) *metadata.TargetFiles {
	target, err := (&metadata.TargetFiles{}).FromBytes(name, data, "sha256")
	if err != nil {
		panic(fmt.Sprintf("testrepo: target from bytes: %v", err))
	}
	s.Targets.Signed.Targets[name] = target
	s.TargetData[name] = data
	return target
}

// UpdateTimestamp points the timestamp at the current snapshot version
// and bumps the timestamp version.
func (s *Simulator) UpdateTimestamp() {
	meta := &metadata.MetaFiles{Version: s.Snapshot.Signed.Version}
	if s.ComputeHashesAndLength {
		meta.Hashes, meta.Length = s.hashesAndLength(metadata.SNAPSHOT)
	}
	s.Timestamp.Signed.Meta["snapshot.json"] = meta
	s.Timestamp.Signed.Version++
}

// UpdateSnapshot points the snapshot at the current targets version,
// bumps the snapshot version and cascades into UpdateTimestamp.
func (s *Simulator) UpdateSnapshot() {
	meta := &metadata.MetaFiles{Version: s.Targets.Signed.Version}
	if s.ComputeHashesAndLength {
		meta.Hashes, meta.Length = s.hashesAndLength(metadata.TARGETS)
	}
	s.Snapshot.Signed.Meta["targets.json"] = meta
	s.Snapshot.Signed.Version++
	s.UpdateTimestamp()
}

func (s *Simulator) hashesAndLength(role string) (metadata.Hashes, int64) {
	var data []byte
	switch role {
	case metadata.SNAPSHOT:
		data = signMeta(role, s.Snapshot, s)
	case metadata.TARGETS:
		data = signMeta(role, s.Targets, s)
	default:
		panic(fmt.Sprintf("testrepo: no meta entry for role %s", role))
	}
	digest := sha256.Sum256(data)
	return metadata.Hashes{"sha256": digest[:]}, int64(len(data))
}

// Fetch serves the simulated repository. Implements fetcher.Fetcher.
func (s *Simulator) Fetch(urlPath string) (io.ReadCloser, error) {
	if name, ok := strings.CutPrefix(urlPath, MetadataURL); ok {
		data, err := s.fetchMetadata(name, urlPath)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	if name, ok := strings.CutPrefix(urlPath, TargetsURL); ok {
		data, err := s.fetchTarget(name, urlPath)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil, metadata.ErrDownloadHTTP{StatusCode: 404, URL: urlPath}
}

func (s *Simulator) fetchMetadata(name, urlPath string) ([]byte, error) {
	if data, ok := s.Overrides[name]; ok {
		return data, nil
	}
	version, role := splitVersion(name)
	switch role {
	case metadata.ROOT + ".json":
		if version < 1 || version > int64(len(s.SignedRoots)) {
			return nil, metadata.ErrDownloadHTTP{StatusCode: 404, URL: urlPath}
		}
		return s.SignedRoots[version-1], nil
	case metadata.TIMESTAMP + ".json":
		return signMeta(metadata.TIMESTAMP, s.Timestamp, s), nil
	case metadata.SNAPSHOT + ".json":
		if version > 0 && version != s.Snapshot.Signed.Version {
			return nil, metadata.ErrDownloadHTTP{StatusCode: 404, URL: urlPath}
		}
		return signMeta(metadata.SNAPSHOT, s.Snapshot, s), nil
	case metadata.TARGETS + ".json":
		if version > 0 && version != s.Targets.Signed.Version {
			return nil, metadata.ErrDownloadHTTP{StatusCode: 404, URL: urlPath}
		}
		return signMeta(metadata.TARGETS, s.Targets, s), nil
	}
	return nil, metadata.ErrDownloadHTTP{StatusCode: 404, URL: urlPath}
}

func (s *Simulator) fetchTarget(name, urlPath string) ([]byte, error) {
	if data, ok := s.Overrides[name]; ok {
		return data, nil
	}
	// strip the hash prefix consistent snapshots put on the basename
	dir, base := "", name
	if i := strings.LastIndex(name, "/"); i >= 0 {
		dir, base = name[:i+1], name[i+1:]
	}
	if prefix, rest, ok := strings.Cut(base, "."); ok && isHexDigest(prefix) {
		base = rest
	}
	data, ok := s.TargetData[dir+base]
	if !ok {
		return nil, metadata.ErrDownloadHTTP{StatusCode: 404, URL: urlPath}
	}
	return data, nil
}

// splitVersion splits a "N.role.json" filename into its version prefix
// and bare role filename. Version 0 means no prefix.
func splitVersion(name string) (int64, string) {
	prefix, rest, ok := strings.Cut(name, ".")
	if !ok {
		return 0, name
	}
	version, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, name
	}
	return version, rest
}

func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func signMeta[T metadata.Roles](role string, md *metadata.Metadata[T], s *Simulator) []byte {
	md.ClearSignatures()
	for _, signer := range s.Signers[role] {
		if _, err := md.Sign(signer); err != nil {
			panic(fmt.Sprintf("testrepo: sign %s: %v", role, err))
		}
	}
	data, err := md.ToBytes(false)
	if err != nil {
		panic(fmt.Sprintf("testrepo: marshal %s: %v", role, err))
	}
	return data
}

var _ fetcher.Fetcher = &Simulator{}
