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

// Package repository implements the client workflow: load and verify
// the four top level metadata roles in order, then serve verified
// target content. A Repository value only ever exists in a fully
// verified state; every verification failure aborts Load.
package repository

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/updatekit/taut/metadata"
	"github.com/updatekit/taut/metadata/config"
	"github.com/updatekit/taut/metadata/datastore"
	"github.com/updatekit/taut/metadata/fetcher"
)

// Repository is a verified view of a remote repository at one point in
// time. It is immutable after Load; reload by calling Load again.
type Repository struct {
	cfg             *config.RepositoryConfig
	fetcher         fetcher.Fetcher
	store           datastore.Datastore
	metadataBaseURL string
	targetBaseURL   string

	root      *metadata.Metadata[metadata.RootType]
	timestamp *metadata.Metadata[metadata.TimestampType]
	snapshot  *metadata.Metadata[metadata.SnapshotType]
	targets   *metadata.Metadata[metadata.TargetsType]

	consistentSnapshot bool
	// earliest expiration across the four roles, re-checked on each
	// ReadTarget so a long-lived Repository cannot outlive its metadata
	earliestExpires time.Time
	earliestRole    string
}

// Load verifies the full metadata chain and returns a Repository.
//
// trustedRoot supplies the root of trust, typically baked into the
// client image. store persists verified metadata between runs so that
// rollback and fast-forward checks survive restarts. Both base URLs
// must end in a slash. A nil cfg means config.New(); a nil f means the
// plain HTTP fetcher.
func Load(trustedRoot io.Reader, store datastore.Datastore, metadataBaseURL, targetBaseURL string, cfg *config.RepositoryConfig, f fetcher.Fetcher) (*Repository, error) {
	if !strings.HasSuffix(metadataBaseURL, "/") {
		return nil, metadata.ErrValue{Msg: fmt.Sprintf("metadata base URL %q must end in '/'", metadataBaseURL)}
	}
	if !strings.HasSuffix(targetBaseURL, "/") {
		return nil, metadata.ErrValue{Msg: fmt.Sprintf("target base URL %q must end in '/'", targetBaseURL)}
	}
	if cfg == nil {
		cfg = config.New()
	}
	if f == nil {
		f = fetcher.NewDefaultFetcher("")
	}
	r := &Repository{
		cfg:             cfg,
		fetcher:         f,
		store:           store,
		metadataBaseURL: metadataBaseURL,
		targetBaseURL:   targetBaseURL,
	}
	if err := r.loadRoot(trustedRoot); err != nil {
		return nil, err
	}
	if err := r.loadTimestamp(); err != nil {
		return nil, err
	}
	if err := r.loadSnapshot(); err != nil {
		return nil, err
	}
	if err := r.loadTargets(); err != nil {
		return nil, err
	}
	r.recordEarliestExpiration()
	log := metadata.GetLogger()
	log.Info("Loaded repository",
		"rootVersion", r.root.Signed.Version,
		"timestampVersion", r.timestamp.Signed.Version,
		"snapshotVersion", r.snapshot.Signed.Version,
		"targetsVersion", r.targets.Signed.Version,
		"targets", len(r.targets.Signed.Targets))
	return r, nil
}

// loadRoot establishes the trusted root: start from the caller's root
// or a newer cached one, then walk forward through N+1.root.json files
// until the remote runs out, verifying each step with both the old and
// the new key sets.
func (r *Repository) loadRoot(trustedRoot io.Reader) error {
	log := metadata.GetLogger()
	data, err := io.ReadAll(trustedRoot)
	if err != nil {
		return metadata.ErrDownload{Msg: fmt.Sprintf("failed to read trusted root: %v", err)}
	}
	root, err := parseRoot(data)
	if err != nil {
		return err
	}
	// the caller's root must stand on its own
	if err := root.VerifyRole(metadata.ROOT, root); err != nil {
		return err
	}
	log.Info("Loaded trusted root", "version", root.Signed.Version)

	// a previous run may have cached a newer root; prefer it when it
	// also self-verifies, otherwise fall back to the caller's copy
	if cached, err := r.cachedRoot(); err == nil && cached != nil {
		if cached.Signed.Version >= root.Signed.Version {
			log.Info("Using cached root", "version", cached.Signed.Version)
			root = cached
		}
	}
	walkStart := root

	// walk N+1.root.json forward, bounded so a malicious repository
	// cannot stall the client with an endless rotation chain
	for i := int64(0); i < r.cfg.MaxRootRotations; i++ {
		next := root.Signed.Version + 1
		data, err := r.fetchMetadata(fmt.Sprintf("%d.%s.json", next, metadata.ROOT), r.cfg.RootMaxLength)
		if err != nil {
			var httpErr metadata.ErrDownloadHTTP
			if errors.As(err, &httpErr) && (httpErr.StatusCode == 404 || httpErr.StatusCode == 403) {
				// chain exhausted, current root is the latest
				break
			}
			return err
		}
		candidate, err := parseRoot(data)
		if err != nil {
			return err
		}
		// both the outgoing and the incoming key sets must approve a
		// rotation, so a single compromised generation cannot rotate
		// trust away on its own
		if err := root.VerifyRole(metadata.ROOT, candidate); err != nil {
			return err
		}
		if err := candidate.VerifyRole(metadata.ROOT, candidate); err != nil {
			return err
		}
		switch {
		case candidate.Signed.Version < root.Signed.Version:
			return metadata.ErrOlderMetadata{Role: metadata.ROOT, CurrentVersion: root.Signed.Version, NewVersion: candidate.Signed.Version}
		case candidate.Signed.Version == root.Signed.Version:
			// the repository republished the version we already trust
			log.Info("Root walk reached current version, stopping", "version", root.Signed.Version)
		default:
			root = candidate
			if err := r.store.Create(rootFile, data); err != nil {
				return err
			}
			log.Info("Updated root", "version", root.Signed.Version)
			continue
		}
		break
	}

	// freeze check happens only after the walk so an expired root can
	// still rotate the client out of trouble
	if root.Signed.IsExpired(time.Now().UTC()) {
		return metadata.ErrExpiredMetadata{Role: metadata.ROOT}
	}

	// if timestamp or snapshot keys rotated, cached versions of those
	// roles may carry fast-forwarded version numbers; drop them so the
	// rollback checks below start from a clean slate
	if keysChanged(walkStart, root, metadata.TIMESTAMP) || keysChanged(walkStart, root, metadata.SNAPSHOT) {
		log.Info("Timestamp or snapshot keys rotated, purging cached metadata")
		if err := r.store.Remove(timestampFile); err != nil {
			return err
		}
		if err := r.store.Remove(snapshotFile); err != nil {
			return err
		}
	}
	r.root = root
	r.consistentSnapshot = root.Signed.ConsistentSnapshot
	return nil
}

// cachedRoot returns the datastore's root.json if present and
// self-verifying, (nil, nil) if absent and an error for anything else.
func (r *Repository) cachedRoot() (*metadata.Metadata[metadata.RootType], error) {
	data, err := r.readCached(rootFile)
	if err != nil || data == nil {
		return nil, err
	}
	root, err := parseRoot(data)
	if err != nil {
		return nil, err
	}
	if err := root.VerifyRole(metadata.ROOT, root); err != nil {
		return nil, err
	}
	return root, nil
}

// loadTimestamp fetches and verifies timestamp.json, guarding against
// rollback relative to the cached copy, and caches the new document.
func (r *Repository) loadTimestamp() error {
	log := metadata.GetLogger()
	data, err := r.fetchMetadata(timestampFile, r.cfg.TimestampMaxLength)
	if err != nil {
		return err
	}
	ts := &metadata.Metadata[metadata.TimestampType]{}
	if _, err := ts.FromBytes(data); err != nil {
		return metadata.ErrParse{Role: metadata.TIMESTAMP, Msg: err.Error()}
	}
	if err := r.root.VerifyRole(metadata.TIMESTAMP, ts); err != nil {
		return err
	}
	newSnapshotMeta, ok := ts.Signed.Meta[snapshotFile]
	if !ok {
		return metadata.ErrMetaMissing{File: snapshotFile, Role: metadata.TIMESTAMP}
	}

	// compare against the cached timestamp from a previous run, if it
	// still verifies under the current root
	if cached := r.cachedTimestamp(); cached != nil {
		if ts.Signed.Version < cached.Signed.Version {
			return metadata.ErrOlderMetadata{Role: metadata.TIMESTAMP, CurrentVersion: cached.Signed.Version, NewVersion: ts.Signed.Version}
		}
		if oldSnapshotMeta, ok := cached.Signed.Meta[snapshotFile]; ok {
			if newSnapshotMeta.Version < oldSnapshotMeta.Version {
				return metadata.ErrOlderMetadata{Role: metadata.SNAPSHOT, CurrentVersion: oldSnapshotMeta.Version, NewVersion: newSnapshotMeta.Version}
			}
		}
	}
	if ts.Signed.IsExpired(time.Now().UTC()) {
		return metadata.ErrExpiredMetadata{Role: metadata.TIMESTAMP}
	}
	if err := r.store.Create(timestampFile, data); err != nil {
		return err
	}
	log.Info("Loaded timestamp", "version", ts.Signed.Version)
	r.timestamp = ts
	return nil
}

// cachedTimestamp returns the datastore's timestamp.json when it
// parses and verifies under the current root, nil otherwise. A corrupt
// or unverifiable cache entry is treated as absent, not fatal.
func (r *Repository) cachedTimestamp() *metadata.Metadata[metadata.TimestampType] {
	data, err := r.readCached(timestampFile)
	if err != nil || data == nil {
		return nil
	}
	ts := &metadata.Metadata[metadata.TimestampType]{}
	if _, err := ts.FromBytes(data); err != nil {
		return nil
	}
	if err := r.root.VerifyRole(metadata.TIMESTAMP, ts); err != nil {
		return nil
	}
	return ts
}

// loadSnapshot fetches snapshot.json as referenced by the verified
// timestamp and caches the new document.
func (r *Repository) loadSnapshot() error {
	log := metadata.GetLogger()
	meta := r.timestamp.Signed.Meta[snapshotFile]
	maxLength := meta.Length
	if maxLength == 0 {
		maxLength = r.cfg.SnapshotMaxLength
	}
	name := snapshotFile
	if r.consistentSnapshot {
		name = fmt.Sprintf("%d.%s.json", meta.Version, metadata.SNAPSHOT)
	}
	data, err := r.fetchMetadata(name, maxLength)
	if err != nil {
		return err
	}
	if err := meta.VerifyLengthHashes(data); err != nil {
		return err
	}
	sn := &metadata.Metadata[metadata.SnapshotType]{}
	if _, err := sn.FromBytes(data); err != nil {
		return metadata.ErrParse{Role: metadata.SNAPSHOT, Msg: err.Error()}
	}
	if err := r.root.VerifyRole(metadata.SNAPSHOT, sn); err != nil {
		return err
	}
	// a version substitution attack serves an old, correctly signed
	// snapshot under the new filename; the declared version must match
	// what the timestamp demanded
	if sn.Signed.Version != meta.Version {
		return metadata.ErrVersionMismatch{Role: metadata.SNAPSHOT, Fetched: sn.Signed.Version, Expected: meta.Version}
	}
	newTargetsMeta, ok := sn.Signed.Meta[targetsFile]
	if !ok {
		return metadata.ErrMetaMissing{File: targetsFile, Role: metadata.SNAPSHOT}
	}
	// neither the snapshot version nor the targets version it pins may
	// decrease relative to the snapshot we last accepted; the cached
	// snapshot guards this even when the cached timestamp is gone
	if cached := r.cachedSnapshot(); cached != nil {
		if sn.Signed.Version < cached.Signed.Version {
			return metadata.ErrOlderMetadata{Role: metadata.SNAPSHOT, CurrentVersion: cached.Signed.Version, NewVersion: sn.Signed.Version}
		}
		if oldTargetsMeta, ok := cached.Signed.Meta[targetsFile]; ok {
			if newTargetsMeta.Version < oldTargetsMeta.Version {
				return metadata.ErrOlderMetadata{Role: metadata.TARGETS, CurrentVersion: oldTargetsMeta.Version, NewVersion: newTargetsMeta.Version}
			}
		}
	}
	if sn.Signed.IsExpired(time.Now().UTC()) {
		return metadata.ErrExpiredMetadata{Role: metadata.SNAPSHOT}
	}
	if err := r.store.Create(snapshotFile, data); err != nil {
		return err
	}
	log.Info("Loaded snapshot", "version", sn.Signed.Version)
	r.snapshot = sn
	return nil
}

// cachedSnapshot mirrors cachedTimestamp for snapshot.json.
func (r *Repository) cachedSnapshot() *metadata.Metadata[metadata.SnapshotType] {
	data, err := r.readCached(snapshotFile)
	if err != nil || data == nil {
		return nil
	}
	sn := &metadata.Metadata[metadata.SnapshotType]{}
	if _, err := sn.FromBytes(data); err != nil {
		return nil
	}
	if err := r.root.VerifyRole(metadata.SNAPSHOT, sn); err != nil {
		return nil
	}
	return sn
}

// loadTargets fetches targets.json as referenced by the verified
// snapshot. Targets metadata is not cached; its version is pinned by
// the cached snapshot.
func (r *Repository) loadTargets() error {
	log := metadata.GetLogger()
	meta := r.snapshot.Signed.Meta[targetsFile]
	maxLength := meta.Length
	if maxLength == 0 {
		maxLength = r.cfg.TargetsMaxLength
	}
	name := targetsFile
	if r.consistentSnapshot {
		name = fmt.Sprintf("%d.%s.json", meta.Version, metadata.TARGETS)
	}
	data, err := r.fetchMetadata(name, maxLength)
	if err != nil {
		return err
	}
	if err := meta.VerifyLengthHashes(data); err != nil {
		return err
	}
	tg := &metadata.Metadata[metadata.TargetsType]{}
	if _, err := tg.FromBytes(data); err != nil {
		return metadata.ErrParse{Role: metadata.TARGETS, Msg: err.Error()}
	}
	if err := r.root.VerifyRole(metadata.TARGETS, tg); err != nil {
		return err
	}
	if tg.Signed.Version != meta.Version {
		return metadata.ErrVersionMismatch{Role: metadata.TARGETS, Fetched: tg.Signed.Version, Expected: meta.Version}
	}
	if tg.Signed.IsExpired(time.Now().UTC()) {
		return metadata.ErrExpiredMetadata{Role: metadata.TARGETS}
	}
	log.Info("Loaded targets", "version", tg.Signed.Version)
	r.targets = tg
	return nil
}

// Targets returns the catalog of targets the verified metadata
// describes, keyed by target name.
func (r *Repository) Targets() map[string]*metadata.TargetFiles {
	targets := make(map[string]*metadata.TargetFiles, len(r.targets.Signed.Targets))
	for name, t := range r.targets.Signed.Targets {
		targets[name] = t
	}
	return targets
}

// TargetNames returns the sorted names of all targets in the catalog.
func (r *Repository) TargetNames() []string {
	names := make([]string, 0, len(r.targets.Signed.Targets))
	for name := range r.targets.Signed.Targets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ReadTarget opens the named target for reading. Bytes are verified
// against the catalog's length and hashes as they stream; a caller that
// reads to the end has read exactly the published content or received
// an error. Returns (nil, nil) when the catalog has no such target.
func (r *Repository) ReadTarget(name string) (io.ReadCloser, error) {
	if time.Now().UTC().After(r.earliestExpires) {
		return nil, metadata.ErrExpiredMetadata{Role: r.earliestRole}
	}
	target, ok := r.targets.Signed.Targets[name]
	if !ok {
		return nil, nil
	}
	urlPath := r.targetBaseURL + escapeTargetPath(r.targetPath(name, target))
	return fetcher.FetchVerified(r.fetcher, urlPath, target.Length, target.Hashes)
}

// targetPath maps a target name to its path below the target base URL,
// inserting the hash prefix consistent snapshots use.
func (r *Repository) targetPath(name string, target *metadata.TargetFiles) string {
	if !r.consistentSnapshot || !r.cfg.PrefixTargetsWithHash {
		return name
	}
	hash, ok := target.Hashes["sha256"]
	if !ok {
		return name
	}
	dir, base := "", name
	if i := strings.LastIndex(name, "/"); i >= 0 {
		dir, base = name[:i+1], name[i+1:]
	}
	return fmt.Sprintf("%s%s.%s", dir, hash.String(), base)
}

// fetchMetadata downloads one metadata file below the metadata base URL.
func (r *Repository) fetchMetadata(name string, maxLength int64) ([]byte, error) {
	return fetcher.FetchBounded(r.fetcher, r.metadataBaseURL+name, maxLength)
}

// readCached reads one datastore document, returning (nil, nil) when
// it does not exist.
func (r *Repository) readCached(name string) ([]byte, error) {
	rc, err := r.store.Reader(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (r *Repository) recordEarliestExpiration() {
	r.earliestExpires = r.root.Signed.Expires
	r.earliestRole = metadata.ROOT
	for _, c := range []struct {
		role    string
		expires time.Time
	}{
		{metadata.TIMESTAMP, r.timestamp.Signed.Expires},
		{metadata.SNAPSHOT, r.snapshot.Signed.Expires},
		{metadata.TARGETS, r.targets.Signed.Expires},
	} {
		if c.expires.Before(r.earliestExpires) {
			r.earliestExpires = c.expires
			r.earliestRole = c.role
		}
	}
}

// keysChanged reports whether the key ID set root designates for role
// differs between old and new.
func keysChanged(old, new *metadata.Metadata[metadata.RootType], role string) bool {
	oldRole, oldOK := old.Signed.Roles[role]
	newRole, newOK := new.Signed.Roles[role]
	if oldOK != newOK {
		return true
	}
	if !oldOK {
		return false
	}
	oldIDs := append([]string{}, oldRole.KeyIDs...)
	newIDs := append([]string{}, newRole.KeyIDs...)
	slices.Sort(oldIDs)
	slices.Sort(newIDs)
	return !slices.Equal(oldIDs, newIDs)
}

func parseRoot(data []byte) (*metadata.Metadata[metadata.RootType], error) {
	root := &metadata.Metadata[metadata.RootType]{}
	if _, err := root.FromBytes(data); err != nil {
		return nil, metadata.ErrParse{Role: metadata.ROOT, Msg: err.Error()}
	}
	return root, nil
}

// escapeTargetPath percent-encodes each segment of a target path while
// keeping the separators.
func escapeTargetPath(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

const (
	rootFile      = "root.json"
	timestampFile = "timestamp.json"
	snapshotFile  = "snapshot.json"
	targetsFile   = "targets.json"
)
