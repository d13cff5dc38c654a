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

package repository

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updatekit/taut/internal/testrepo"
	"github.com/updatekit/taut/metadata"
	"github.com/updatekit/taut/metadata/datastore"
)

// load runs Load against the simulator with its version one root as
// the trusted root.
func load(sim *testrepo.Simulator, store datastore.Datastore) (*Repository, error) {
	return Load(bytes.NewReader(sim.SignedRoots[0]), store, testrepo.MetadataURL, testrepo.TargetsURL, nil, sim)
}

func fetchBytes(t *testing.T, sim *testrepo.Simulator, urlPath string) []byte {
	t.Helper()
	rc, err := sim.Fetch(urlPath)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestLoadAndReadTarget(t *testing.T) {
	sim := testrepo.New()
	content := []byte("hello from target a")
	sim.AddTarget("a.txt", content)
	sim.AddTarget("dir/b.bin", []byte{0x01, 0x02, 0x03})

	repo, err := load(sim, datastore.NewMemoryStore())
	require.NoError(t, err)

	targets := repo.Targets()
	require.Contains(t, targets, "a.txt")
	assert.Equal(t, int64(len(content)), targets["a.txt"].Length)
	assert.Equal(t, []string{"a.txt", "dir/b.bin"}, repo.TargetNames())

	rc, err := repo.ReadTarget("a.txt")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	// targets the catalog does not list are not an error
	rc, err = repo.ReadTarget("missing.txt")
	assert.NoError(t, err)
	assert.Nil(t, rc)
}

func TestLoadRequiresTrailingSlash(t *testing.T) {
	sim := testrepo.New()
	var verr metadata.ErrValue

	_, err := Load(bytes.NewReader(sim.SignedRoots[0]), datastore.NewMemoryStore(), "https://repo.invalid/metadata", testrepo.TargetsURL, nil, sim)
	assert.ErrorAs(t, err, &verr)

	_, err = Load(bytes.NewReader(sim.SignedRoots[0]), datastore.NewMemoryStore(), testrepo.MetadataURL, "https://repo.invalid/targets", nil, sim)
	assert.ErrorAs(t, err, &verr)
}

func TestLoadRejectsUnsignedTrustedRoot(t *testing.T) {
	sim := testrepo.New()
	root, err := metadata.Root().FromBytes(sim.SignedRoots[0])
	require.NoError(t, err)
	root.ClearSignatures()
	data, err := root.ToBytes(false)
	require.NoError(t, err)

	_, err = Load(bytes.NewReader(data), datastore.NewMemoryStore(), testrepo.MetadataURL, testrepo.TargetsURL, nil, sim)
	assert.ErrorIs(t, err, metadata.ErrUnsignedMetadata{Msg: "verifying root failed, not enough signatures, got 0, want 1"})
}

func TestLoadRejectsWrongKeys(t *testing.T) {
	sim := testrepo.New()
	other := testrepo.New()

	// a valid root from an unrelated repository must not verify this
	// repository's metadata
	_, err := Load(bytes.NewReader(other.SignedRoots[0]), datastore.NewMemoryStore(), testrepo.MetadataURL, testrepo.TargetsURL, nil, sim)
	assert.ErrorIs(t, err, metadata.ErrUnsignedMetadata{Msg: "verifying timestamp failed, not enough signatures, got 0, want 1"})
}

func TestRootWalkAdoptsNewVersions(t *testing.T) {
	sim := testrepo.New()
	sim.Root.Signed.Version = 2
	sim.PublishRoot()
	sim.RotateKeys(metadata.TIMESTAMP)
	sim.Root.Signed.Version = 3
	sim.PublishRoot()
	sim.Timestamp.Signed.Version = 2

	store := datastore.NewMemoryStore()
	_, err := load(sim, store)
	require.NoError(t, err)

	// the datastore keeps the newest verified root
	rc, err := store.Reader("root.json")
	require.NoError(t, err)
	defer rc.Close()
	cached, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, sim.SignedRoots[2], cached)
}

func TestRootWalkSurvivesRootKeyRotation(t *testing.T) {
	sim := testrepo.New()
	sim.RotateKeys(metadata.ROOT)
	sim.Root.Signed.Version = 2
	sim.PublishRoot()

	_, err := load(sim, datastore.NewMemoryStore())
	assert.NoError(t, err)
}

func TestRootRollback(t *testing.T) {
	sim := testrepo.New()
	sim.Root.Signed.Version = 2
	sim.PublishRoot()
	// replay version one under the next rotation filename
	sim.Overrides["3.root.json"] = sim.SignedRoots[0]

	_, err := load(sim, datastore.NewMemoryStore())
	assert.ErrorIs(t, err, metadata.ErrOlderMetadata{Role: metadata.ROOT, CurrentVersion: 2, NewVersion: 1})
}

func TestRootWalkStopsOnRepublishedVersion(t *testing.T) {
	sim := testrepo.New()
	sim.Overrides["2.root.json"] = sim.SignedRoots[0]

	_, err := load(sim, datastore.NewMemoryStore())
	assert.NoError(t, err)
}

func TestExpiredRootIsFatal(t *testing.T) {
	sim := testrepo.New()
	sim.Root.Signed.Version = 2
	sim.Root.Signed.Expires = time.Now().UTC().AddDate(0, 0, -1)
	sim.PublishRoot()

	_, err := load(sim, datastore.NewMemoryStore())
	assert.ErrorIs(t, err, metadata.ErrExpiredMetadata{Role: metadata.ROOT})
}

func TestExpiredRootCanStillRotate(t *testing.T) {
	// an expired root must not block the rotation that fixes it
	sim := testrepo.New()
	sim.Root.Signed.Version = 2
	sim.Root.Signed.Expires = time.Now().UTC().AddDate(0, 0, -1)
	sim.PublishRoot()
	sim.Root.Signed.Version = 3
	sim.Root.Signed.Expires = sim.SafeExpiry
	sim.PublishRoot()

	_, err := load(sim, datastore.NewMemoryStore())
	assert.NoError(t, err)
}

func TestTimestampReload(t *testing.T) {
	sim := testrepo.New()
	store := datastore.NewMemoryStore()
	_, err := load(sim, store)
	require.NoError(t, err)

	sim.UpdateTimestamp()
	_, err = load(sim, store)
	require.NoError(t, err)

	// reloading the same version again is fine
	_, err = load(sim, store)
	assert.NoError(t, err)
}

func TestTimestampRollback(t *testing.T) {
	sim := testrepo.New()
	oldTimestamp := fetchBytes(t, sim, testrepo.MetadataURL+"timestamp.json")
	sim.UpdateTimestamp()

	store := datastore.NewMemoryStore()
	_, err := load(sim, store)
	require.NoError(t, err)

	// replaying the old timestamp against the cache is an attack
	sim.Overrides["timestamp.json"] = oldTimestamp
	_, err = load(sim, store)
	assert.ErrorIs(t, err, metadata.ErrOlderMetadata{Role: metadata.TIMESTAMP, CurrentVersion: 2, NewVersion: 1})
}

func TestSnapshotRollbackViaTimestamp(t *testing.T) {
	sim := testrepo.New()
	sim.UpdateSnapshot()

	store := datastore.NewMemoryStore()
	_, err := load(sim, store)
	require.NoError(t, err)

	// a newer timestamp pointing the snapshot backwards is an attack
	sim.Timestamp.Signed.Version++
	sim.Timestamp.Signed.Meta["snapshot.json"] = metadata.MetaFile(1)
	_, err = load(sim, store)
	assert.ErrorIs(t, err, metadata.ErrOlderMetadata{Role: metadata.SNAPSHOT, CurrentVersion: 2, NewVersion: 1})
}

func TestSnapshotRollbackAgainstCachedSnapshot(t *testing.T) {
	sim := testrepo.New()
	oldTimestamp := fetchBytes(t, sim, testrepo.MetadataURL+"timestamp.json")
	oldSnapshot := fetchBytes(t, sim, testrepo.MetadataURL+"1.snapshot.json")
	sim.UpdateSnapshot()

	store := datastore.NewMemoryStore()
	_, err := load(sim, store)
	require.NoError(t, err)

	// with the cached timestamp gone the cached snapshot is the last
	// line of defense against a replayed timestamp and snapshot pair
	require.NoError(t, store.Remove("timestamp.json"))
	sim.Overrides["timestamp.json"] = oldTimestamp
	sim.Overrides["1.snapshot.json"] = oldSnapshot
	_, err = load(sim, store)
	assert.ErrorIs(t, err, metadata.ErrOlderMetadata{Role: metadata.SNAPSHOT, CurrentVersion: 2, NewVersion: 1})
}

func TestSnapshotVersionSubstitution(t *testing.T) {
	sim := testrepo.New()
	oldSnapshot := fetchBytes(t, sim, testrepo.MetadataURL+"1.snapshot.json")
	sim.UpdateSnapshot()

	// serve the correctly signed old snapshot under the new filename
	sim.Overrides["2.snapshot.json"] = oldSnapshot
	_, err := load(sim, datastore.NewMemoryStore())
	assert.ErrorIs(t, err, metadata.ErrVersionMismatch{Role: metadata.SNAPSHOT, Fetched: 1, Expected: 2})
}

func TestTargetsVersionSubstitution(t *testing.T) {
	sim := testrepo.New()
	oldTargets := fetchBytes(t, sim, testrepo.MetadataURL+"1.targets.json")
	sim.AddTarget("a.txt", []byte("content"))
	sim.Targets.Signed.Version = 2
	sim.UpdateSnapshot()

	sim.Overrides["2.targets.json"] = oldTargets
	_, err := load(sim, datastore.NewMemoryStore())
	assert.ErrorIs(t, err, metadata.ErrVersionMismatch{Role: metadata.TARGETS, Fetched: 1, Expected: 2})
}

func TestFreezeExpiredTimestamp(t *testing.T) {
	sim := testrepo.New()
	sim.Timestamp.Signed.Expires = time.Now().UTC().AddDate(0, 0, -1)

	_, err := load(sim, datastore.NewMemoryStore())
	assert.ErrorIs(t, err, metadata.ErrExpiredMetadata{Role: metadata.TIMESTAMP})
}

func TestFreezeExpiredSnapshot(t *testing.T) {
	sim := testrepo.New()
	sim.Snapshot.Signed.Expires = time.Now().UTC().AddDate(0, 0, -1)

	_, err := load(sim, datastore.NewMemoryStore())
	assert.ErrorIs(t, err, metadata.ErrExpiredMetadata{Role: metadata.SNAPSHOT})
}

func TestFreezeExpiredTargets(t *testing.T) {
	sim := testrepo.New()
	sim.Targets.Signed.Expires = time.Now().UTC().AddDate(0, 0, -1)

	_, err := load(sim, datastore.NewMemoryStore())
	assert.ErrorIs(t, err, metadata.ErrExpiredMetadata{Role: metadata.TARGETS})
}

func TestTimestampMetaMissing(t *testing.T) {
	sim := testrepo.New()
	delete(sim.Timestamp.Signed.Meta, "snapshot.json")

	_, err := load(sim, datastore.NewMemoryStore())
	assert.ErrorIs(t, err, metadata.ErrMetaMissing{File: "snapshot.json", Role: metadata.TIMESTAMP})
}

func TestSnapshotMetaMissing(t *testing.T) {
	sim := testrepo.New()
	delete(sim.Snapshot.Signed.Meta, "targets.json")

	_, err := load(sim, datastore.NewMemoryStore())
	assert.ErrorIs(t, err, metadata.ErrMetaMissing{File: "targets.json", Role: metadata.SNAPSHOT})
}

func TestFastForwardRecovery(t *testing.T) {
	sim := testrepo.New()
	store := datastore.NewMemoryStore()
	_, err := load(sim, store)
	require.NoError(t, err)

	// a compromised timestamp key fast-forwards the version number
	sim.Timestamp.Signed.Version = 99999
	_, err = load(sim, store)
	require.NoError(t, err)

	// the repository recovers by rotating the timestamp keys; the
	// client must drop its poisoned cache and accept the sane version
	sim.RotateKeys(metadata.TIMESTAMP)
	sim.Root.Signed.Version = 2
	sim.PublishRoot()
	sim.Timestamp.Signed.Version = 2

	_, err = load(sim, store)
	assert.NoError(t, err)
}

func TestFastForwardWithoutRotationIsRollback(t *testing.T) {
	sim := testrepo.New()
	store := datastore.NewMemoryStore()
	sim.Timestamp.Signed.Version = 99999
	_, err := load(sim, store)
	require.NoError(t, err)

	// without a key rotation the cache stays authoritative
	sim.Timestamp.Signed.Version = 2
	_, err = load(sim, store)
	assert.ErrorIs(t, err, metadata.ErrOlderMetadata{Role: metadata.TIMESTAMP, CurrentVersion: 99999, NewVersion: 2})
}

func TestMetaHashEnforcement(t *testing.T) {
	sim := testrepo.New()
	sim.ComputeHashesAndLength = true
	sim.UpdateSnapshot()

	_, err := load(sim, datastore.NewMemoryStore())
	require.NoError(t, err)

	// corrupt one byte of the served snapshot; the hashes in the
	// verified timestamp must catch it before any parsing
	data := append([]byte{}, fetchBytes(t, sim, testrepo.MetadataURL+"2.snapshot.json")...)
	data[len(data)/2] ^= 0xff
	sim.Overrides["2.snapshot.json"] = data

	_, err = load(sim, datastore.NewMemoryStore())
	assert.ErrorIs(t, err, metadata.ErrLengthOrHashMismatch{})
}

func TestTargetCorruption(t *testing.T) {
	sim := testrepo.New()
	content := []byte("legitimate target content")
	target := sim.AddTarget("a.txt", content)

	repo, err := load(sim, datastore.NewMemoryStore())
	require.NoError(t, err)

	// same length, different bytes, served under the consistent
	// snapshot filename
	corrupt := append([]byte{}, content...)
	corrupt[0] ^= 0xff
	sim.Overrides[target.Hashes["sha256"].String()+".a.txt"] = corrupt

	rc, err := repo.ReadTarget("a.txt")
	require.NoError(t, err)
	defer rc.Close()
	_, err = io.ReadAll(rc)
	assert.ErrorIs(t, err, metadata.ErrLengthOrHashMismatch{})
}

func TestTargetTruncation(t *testing.T) {
	sim := testrepo.New()
	content := []byte("legitimate target content")
	target := sim.AddTarget("a.txt", content)

	repo, err := load(sim, datastore.NewMemoryStore())
	require.NoError(t, err)

	sim.Overrides[target.Hashes["sha256"].String()+".a.txt"] = content[:4]
	rc, err := repo.ReadTarget("a.txt")
	require.NoError(t, err)
	defer rc.Close()
	_, err = io.ReadAll(rc)
	assert.ErrorIs(t, err, metadata.ErrDownloadLengthMismatch{})
}

func TestNonConsistentSnapshotLayout(t *testing.T) {
	sim := testrepo.New()
	sim.Root.Signed.ConsistentSnapshot = false
	sim.Root.Signed.Version = 2
	sim.PublishRoot()
	content := []byte("plain layout target")
	sim.AddTarget("plain.txt", content)

	repo, err := load(sim, datastore.NewMemoryStore())
	require.NoError(t, err)

	rc, err := repo.ReadTarget("plain.txt")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestReadTargetAfterExpiry(t *testing.T) {
	sim := testrepo.New()
	sim.AddTarget("a.txt", []byte("content"))

	repo, err := load(sim, datastore.NewMemoryStore())
	require.NoError(t, err)

	// metadata can expire while a loaded Repository sits around
	repo.earliestExpires = time.Now().UTC().AddDate(0, 0, -1)
	repo.earliestRole = metadata.TIMESTAMP

	rc, err := repo.ReadTarget("a.txt")
	assert.Nil(t, rc)
	assert.ErrorIs(t, err, metadata.ErrExpiredMetadata{Role: metadata.TIMESTAMP})
}

func TestCachedMetadataSurvivesRestart(t *testing.T) {
	// a FileStore carries the rollback baseline across client runs
	dir := t.TempDir()
	store, err := datastore.NewFileStore(dir)
	require.NoError(t, err)

	sim := testrepo.New()
	sim.UpdateTimestamp()
	oldTimestamp := fetchBytes(t, sim, testrepo.MetadataURL+"timestamp.json")
	sim.UpdateTimestamp()
	_, err = load(sim, store)
	require.NoError(t, err)

	restarted, err := datastore.NewFileStore(dir)
	require.NoError(t, err)
	sim.Overrides["timestamp.json"] = oldTimestamp
	_, err = load(sim, restarted)
	assert.ErrorIs(t, err, metadata.ErrOlderMetadata{Role: metadata.TIMESTAMP, CurrentVersion: 3, NewVersion: 2})
}
