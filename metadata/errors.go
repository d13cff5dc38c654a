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
	"fmt"
)

// Define error types used by the client workflow. Error type names
// should start in 'Err' except where there is a good reason not to,
// and provide that reason in those cases.

// Repository errors

// ErrRepository - an error with a repository's state, such as a missing file.
// It covers all exceptions that come from the repository side when
// looking from the perspective of users of the metadata API or client
type ErrRepository struct {
	Msg string
}

func (e ErrRepository) Error() string {
	return fmt.Sprintf("repository error: %s", e.Msg)
}

// ErrUnsignedMetadata - an error about a metadata object with an
// insufficient threshold of signatures
type ErrUnsignedMetadata struct {
	Msg string
}

func (e ErrUnsignedMetadata) Error() string {
	return fmt.Sprintf("unsigned metadata error: %s", e.Msg)
}

// ErrUnsignedMetadata is a subset of ErrRepository
func (e ErrUnsignedMetadata) Is(target error) bool {
	return target == ErrRepository{} || target == ErrUnsignedMetadata{}
}

// ErrOlderMetadata - a downloaded metadata file has an older version than
// a previously trusted metadata file for the same role (rollback attack)
type ErrOlderMetadata struct {
	Role           string
	CurrentVersion int64
	NewVersion     int64
}

func (e ErrOlderMetadata) Error() string {
	return fmt.Sprintf("older metadata error: found version %d of %s metadata when we had previously trusted version %d", e.NewVersion, e.Role, e.CurrentVersion)
}

// ErrOlderMetadata is a subset of ErrRepository
func (e ErrOlderMetadata) Is(target error) bool {
	return target == ErrRepository{} || target == ErrOlderMetadata{}
}

// ErrVersionMismatch - the version declared inside a metadata file does not
// match the version demanded by the already trusted metadata referencing it
type ErrVersionMismatch struct {
	Role     string
	Fetched  int64
	Expected int64
}

func (e ErrVersionMismatch) Error() string {
	return fmt.Sprintf("version mismatch error: %s metadata declares version %d, expected %d", e.Role, e.Fetched, e.Expected)
}

// ErrVersionMismatch is a subset of ErrRepository
func (e ErrVersionMismatch) Is(target error) bool {
	return target == ErrRepository{} || target == ErrVersionMismatch{}
}

// ErrExpiredMetadata - a metadata file has expired (freeze attack)
type ErrExpiredMetadata struct {
	Role string
}

func (e ErrExpiredMetadata) Error() string {
	return fmt.Sprintf("expired metadata error: %s metadata is expired", e.Role)
}

// ErrExpiredMetadata is a subset of ErrRepository
func (e ErrExpiredMetadata) Is(target error) bool {
	return target == ErrRepository{} || target == ErrExpiredMetadata{}
}

// ErrMetaMissing - a required reference to a metadata file is missing from
// the metadata file that should carry it
type ErrMetaMissing struct {
	File string
	Role string
}

func (e ErrMetaMissing) Error() string {
	return fmt.Sprintf("meta missing error: meta for %q missing from %s metadata", e.File, e.Role)
}

// ErrMetaMissing is a subset of ErrRepository
func (e ErrMetaMissing) Is(target error) bool {
	return target == ErrRepository{} || target == ErrMetaMissing{}
}

// ErrLengthOrHashMismatch - an error while checking the length and hash
// values of an object
type ErrLengthOrHashMismatch struct {
	Msg string
}

func (e ErrLengthOrHashMismatch) Error() string {
	return fmt.Sprintf("length/hash verification error: %s", e.Msg)
}

// ErrLengthOrHashMismatch is a subset of ErrRepository
func (e ErrLengthOrHashMismatch) Is(target error) bool {
	return target == ErrRepository{} || target == ErrLengthOrHashMismatch{}
}

// ErrParse - a metadata file could not be parsed, either because it is not
// valid JSON or because it does not conform to the expected schema
type ErrParse struct {
	Role string
	Msg  string
}

func (e ErrParse) Error() string {
	return fmt.Sprintf("parse error: failed to parse %s metadata: %s", e.Role, e.Msg)
}

// ErrParse is a subset of ErrRepository
func (e ErrParse) Is(target error) bool {
	return target == ErrRepository{} || target == ErrParse{}
}

// Download errors

// ErrDownload - an error occurred while attempting to download a file
type ErrDownload struct {
	Msg string
}

func (e ErrDownload) Error() string {
	return fmt.Sprintf("download error: %s", e.Msg)
}

// ErrDownloadLengthMismatch - a size bound was violated while downloading
// a file
type ErrDownloadLengthMismatch struct {
	Msg string
}

func (e ErrDownloadLengthMismatch) Error() string {
	return fmt.Sprintf("download length mismatch error: %s", e.Msg)
}

// ErrDownloadLengthMismatch is a subset of ErrDownload
func (e ErrDownloadLengthMismatch) Is(target error) bool {
	return target == ErrDownload{} || target == ErrDownloadLengthMismatch{}
}

// ErrDownloadHTTP - returned by Fetcher implementations for HTTP errors
type ErrDownloadHTTP struct {
	StatusCode int
	URL        string
}

func (e ErrDownloadHTTP) Error() string {
	return fmt.Sprintf("failed to download %s, http status code: %d", e.URL, e.StatusCode)
}

// ErrDownloadHTTP is a subset of ErrDownload
func (e ErrDownloadHTTP) Is(target error) bool {
	return target == ErrDownload{} || target == ErrDownloadHTTP{}
}

// ValueError
type ErrValue struct {
	Msg string
}

func (e ErrValue) Error() string {
	return fmt.Sprintf("value error: %s", e.Msg)
}

// TypeError
type ErrType struct {
	Msg string
}

func (e ErrType) Error() string {
	return fmt.Sprintf("type error: %s", e.Msg)
}
