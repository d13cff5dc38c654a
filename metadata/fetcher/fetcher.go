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

// Package fetcher downloads repository files. Transport is pluggable
// through the Fetcher interface; size bounding and digest verification
// are layered on the returned stream so that no unverified byte is ever
// buffered beyond the caller's declared ceiling.
package fetcher

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/updatekit/taut/metadata"
)

// Fetcher interface
type Fetcher interface {
	// Fetch opens the file at urlPath for reading. Implementations
	// report transport failures; they do not bound or verify the
	// stream, that is the job of FetchBounded and FetchVerified.
	Fetch(urlPath string) (io.ReadCloser, error)
}

// DefaultFetcher implements Fetcher over plain HTTP(S).
type DefaultFetcher struct {
	httpUserAgent string
	timeout       time.Duration
}

// NewDefaultFetcher returns a DefaultFetcher with a per-request timeout
// and the given User-Agent header (empty means the Go default).
func NewDefaultFetcher(httpUserAgent string) *DefaultFetcher {
	return &DefaultFetcher{httpUserAgent: httpUserAgent, timeout: 15 * time.Second}
}

// Fetch opens urlPath and returns the response body for streaming.
func (d *DefaultFetcher) Fetch(urlPath string) (io.ReadCloser, error) {
	client := &http.Client{Timeout: d.timeout}
	req, err := http.NewRequest("GET", urlPath, nil)
	if err != nil {
		return nil, err
	}
	// Use in case of multiple sessions.
	if d.httpUserAgent != "" {
		req.Header.Set("User-Agent", d.httpUserAgent)
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, metadata.ErrDownload{Msg: fmt.Sprintf("failed to download %s: %v", urlPath, err)}
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, metadata.ErrDownloadHTTP{StatusCode: res.StatusCode, URL: urlPath}
	}
	return res.Body, nil
}

// FetchBounded downloads the file at urlPath in full, erroring out if
// more than maxLength bytes arrive. Used for metadata, which must be
// parsed as a whole anyway.
func FetchBounded(f Fetcher, urlPath string, maxLength int64) ([]byte, error) {
	body, err := f.Fetch(urlPath)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	// Read maxLength + 1 in order to check if the stream surpassed
	// our set limit.
	data, err := io.ReadAll(io.LimitReader(body, maxLength+1))
	if err != nil {
		return nil, metadata.ErrDownload{Msg: fmt.Sprintf("failed to download %s: %v", urlPath, err)}
	}
	if int64(len(data)) > maxLength {
		return nil, metadata.ErrDownloadLengthMismatch{Msg: fmt.Sprintf("download failed for %s, length %d is larger than expected %d", urlPath, len(data), maxLength)}
	}
	return data, nil
}

// FetchVerified opens the file at urlPath for streaming and arranges
// for every byte handed to the caller to count against the declared
// length and the expected digests. Reads past length fail with a
// length mismatch; a stream that ends with the wrong digest or short
// of length fails with a hash mismatch on the final read.
func FetchVerified(f Fetcher, urlPath string, length int64, hashes metadata.Hashes) (io.ReadCloser, error) {
	body, err := f.Fetch(urlPath)
	if err != nil {
		return nil, err
	}
	verifier, err := hashVerifier(hashes)
	if err != nil {
		body.Close()
		return nil, err
	}
	return &verifyingReader{
		body:     body,
		url:      urlPath,
		length:   length,
		verifier: verifier,
	}, nil
}

// hashVerifier picks the strongest supported digest from hashes.
func hashVerifier(hashes metadata.Hashes) (digest.Verifier, error) {
	if h, ok := hashes["sha512"]; ok {
		return digest.NewDigestFromEncoded(digest.SHA512, h.String()).Verifier(), nil
	}
	if h, ok := hashes["sha256"]; ok {
		return digest.NewDigestFromEncoded(digest.SHA256, h.String()).Verifier(), nil
	}
	return nil, metadata.ErrValue{Msg: "no supported hash algorithm found"}
}

// verifyingReader feeds every byte read from body into the digest
// verifier and enforces the declared length. The digest check fires on
// the read that observes EOF, so a caller that reads to completion is
// guaranteed to have seen only verified bytes or an error.
type verifyingReader struct {
	body     io.ReadCloser
	url      string
	length   int64
	read     int64
	verifier digest.Verifier
	done     bool
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	n, err := r.body.Read(p)
	if n > 0 {
		r.read += int64(n)
		if r.read > r.length {
			return 0, metadata.ErrDownloadLengthMismatch{Msg: fmt.Sprintf("download failed for %s, length %d is larger than expected %d", r.url, r.read, r.length)}
		}
		if _, werr := r.verifier.Write(p[:n]); werr != nil {
			return 0, werr
		}
	}
	if err == io.EOF {
		r.done = true
		if r.read != r.length {
			return n, metadata.ErrDownloadLengthMismatch{Msg: fmt.Sprintf("download failed for %s, length %d, expected %d", r.url, r.read, r.length)}
		}
		if !r.verifier.Verified() {
			return n, metadata.ErrLengthOrHashMismatch{Msg: fmt.Sprintf("hash verification failed for %s", r.url)}
		}
	}
	return n, err
}

func (r *verifyingReader) Close() error {
	return r.body.Close()
}

var _ io.ReadCloser = &verifyingReader{}
