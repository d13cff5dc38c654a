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

package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updatekit/taut/metadata"
)

type fakeS3 struct {
	objects map[string][]byte // "bucket/key" -> content
	lastKey string
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.lastKey = *params.Bucket + "/" + *params.Key
	data, ok := f.objects[f.lastKey]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3FetcherFetch(t *testing.T) {
	body := []byte("timestamp bytes")
	fake := &fakeS3{objects: map[string][]byte{
		"repo-bucket/metadata/timestamp.json": body,
	}}
	f := &S3Fetcher{api: fake}

	rc, err := f.Fetch("s3://repo-bucket/metadata/timestamp.json")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, data)
	assert.Equal(t, "repo-bucket/metadata/timestamp.json", fake.lastKey)
}

func TestS3FetcherMissingKey(t *testing.T) {
	f := &S3Fetcher{api: &fakeS3{objects: map[string][]byte{}}}

	_, err := f.Fetch("s3://repo-bucket/metadata/2.root.json")
	var httpErr metadata.ErrDownloadHTTP
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
}

func TestS3FetcherRejectsBadURLs(t *testing.T) {
	f := &S3Fetcher{api: &fakeS3{}}
	for _, url := range []string{
		"https://repo-bucket/metadata/timestamp.json",
		"s3://",
		"s3://bucket-only",
		"s3://bucket-only/",
	} {
		_, err := f.Fetch(url)
		var verr metadata.ErrValue
		assert.ErrorAs(t, err, &verr, url)
	}
}
