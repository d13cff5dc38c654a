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

package metadata

import (
	"encoding/json"
	"sync"
	"time"
)

// Generic type constraint
type Roles interface {
	RootType | SnapshotType | TimestampType | TargetsType
}

// Define version of the TUF specification
const (
	SPECIFICATION_VERSION = "1.0.31"
)

// Define top level role names
const (
	ROOT      = "root"
	SNAPSHOT  = "snapshot"
	TARGETS   = "targets"
	TIMESTAMP = "timestamp"
)

// Metadata is the signed envelope wrapping one of the four role
// payloads together with the signatures over its canonical form.
type Metadata[T Roles] struct {
	Signed             T              `json:"signed"`
	Signatures         []Signature    `json:"signatures"`
	UnrecognizedFields map[string]any `json:"-"`
}

type Signature struct {
	KeyID              string         `json:"keyid"`
	Signature          HexBytes       `json:"sig"`
	UnrecognizedFields map[string]any `json:"-"`
}

type RootType struct {
	Type               string           `json:"_type"`
	SpecVersion        string           `json:"spec_version"`
	ConsistentSnapshot bool             `json:"consistent_snapshot"`
	Version            int64            `json:"version"`
	Expires            time.Time        `json:"expires"`
	Keys               map[string]*Key  `json:"keys"`
	Roles              map[string]*Role `json:"roles"`
	Custom             *json.RawMessage `json:"custom,omitempty"`
	UnrecognizedFields map[string]any   `json:"-"`
}

type SnapshotType struct {
	Type               string                `json:"_type"`
	SpecVersion        string                `json:"spec_version"`
	Version            int64                 `json:"version"`
	Expires            time.Time             `json:"expires"`
	Meta               map[string]*MetaFiles `json:"meta"`
	Custom             *json.RawMessage      `json:"custom,omitempty"`
	UnrecognizedFields map[string]any        `json:"-"`
}

type TimestampType struct {
	Type               string                `json:"_type"`
	SpecVersion        string                `json:"spec_version"`
	Version            int64                 `json:"version"`
	Expires            time.Time             `json:"expires"`
	Meta               map[string]*MetaFiles `json:"meta"`
	Custom             *json.RawMessage      `json:"custom,omitempty"`
	UnrecognizedFields map[string]any        `json:"-"`
}

type TargetsType struct {
	Type               string                  `json:"_type"`
	SpecVersion        string                  `json:"spec_version"`
	Version            int64                   `json:"version"`
	Expires            time.Time               `json:"expires"`
	Targets            map[string]*TargetFiles `json:"targets"`
	Custom             *json.RawMessage        `json:"custom,omitempty"`
	UnrecognizedFields map[string]any          `json:"-"`
}

type Key struct {
	Type               string           `json:"keytype"`
	Scheme             string           `json:"scheme"`
	Value              KeyVal           `json:"keyval"`
	Custom             *json.RawMessage `json:"custom,omitempty"`
	UnrecognizedFields map[string]any   `json:"-"`
	id                 string
	idOnce             sync.Once
}

type KeyVal struct {
	PublicKey          string         `json:"public"`
	UnrecognizedFields map[string]any `json:"-"`
}

// Role carries the key ID set and signature threshold the root
// metadata designates for one of the top level roles.
type Role struct {
	KeyIDs             []string       `json:"keyids"`
	Threshold          int            `json:"threshold"`
	UnrecognizedFields map[string]any `json:"-"`
}

type HexBytes []byte

type Hashes map[string]HexBytes

// MetaFiles is a reference from timestamp or snapshot metadata to
// another metadata file: its version and, optionally, length and hashes.
type MetaFiles struct {
	Length             int64            `json:"length,omitempty"`
	Hashes             Hashes           `json:"hashes,omitempty"`
	Version            int64            `json:"version"`
	Custom             *json.RawMessage `json:"custom,omitempty"`
	UnrecognizedFields map[string]any   `json:"-"`
}

// TargetFiles describes one entry of the artifact catalog: the exact
// length, the hashes and any opaque custom metadata of a target.
type TargetFiles struct {
	Length             int64            `json:"length"`
	Hashes             Hashes           `json:"hashes"`
	Custom             *json.RawMessage `json:"custom,omitempty"`
	Path               string           `json:"-"`
	UnrecognizedFields map[string]any   `json:"-"`
}
