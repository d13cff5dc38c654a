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

// Package config holds the tunables of the repository client.
package config

// RepositoryConfig bounds the client's network reads. Root and
// timestamp sizes cannot be known in advance, so they are capped by
// the ceilings below; snapshot and targets sizes come from the
// already-verified metadata referencing them.
type RepositoryConfig struct {
	// MaxRootRotations bounds the root bootstrap walk.
	MaxRootRotations int64
	// RootMaxLength is the ceiling for each N.root.json candidate, in bytes.
	RootMaxLength int64
	// TimestampMaxLength is the ceiling for timestamp.json, in bytes.
	TimestampMaxLength int64
	// SnapshotMaxLength is the fallback ceiling for snapshot.json when
	// the verified timestamp does not declare its length.
	SnapshotMaxLength int64
	// TargetsMaxLength is the fallback ceiling for targets.json when
	// the verified snapshot does not declare its length.
	TargetsMaxLength int64
	// PrefixTargetsWithHash controls whether target filenames are
	// prefixed with their sha256 hash when consistent snapshots are
	// enabled on the repository.
	PrefixTargetsWithHash bool
}

// New creates a RepositoryConfig instance with the default bounds.
func New() *RepositoryConfig {
	return &RepositoryConfig{
		MaxRootRotations:      32,
		RootMaxLength:         512000,  // bytes
		TimestampMaxLength:    16384,   // bytes
		SnapshotMaxLength:     2000000, // bytes
		TargetsMaxLength:      5000000, // bytes
		PrefixTargetsWithHash: true,
	}
}
