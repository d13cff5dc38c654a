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
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/updatekit/taut/metadata"
)

// s3API is the slice of the S3 client the fetcher needs. Narrowed for
// testability with a fake.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher implements Fetcher for repositories published to an S3
// bucket. It serves s3://bucket/key URLs.
type S3Fetcher struct {
	api s3API
}

// NewS3Fetcher builds an S3Fetcher from the ambient AWS configuration
// (environment, shared config files, instance role).
func NewS3Fetcher(region string) (*S3Fetcher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3Fetcher{api: s3.NewFromConfig(cfg)}, nil
}

// Fetch retrieves s3://bucket/key and returns the object body for
// streaming. Missing keys surface as an HTTP 404 download error so
// callers treat S3 and plain HTTP repositories uniformly.
func (f *S3Fetcher) Fetch(urlPath string) (io.ReadCloser, error) {
	bucket, key, err := parseS3URL(urlPath)
	if err != nil {
		return nil, err
	}
	out, err := f.api.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, metadata.ErrDownloadHTTP{StatusCode: http.StatusNotFound, URL: urlPath}
		}
		return nil, metadata.ErrDownload{Msg: fmt.Sprintf("failed to download %s: %v", urlPath, err)}
	}
	return out.Body, nil
}

func parseS3URL(urlPath string) (bucket, key string, err error) {
	u, err := url.Parse(urlPath)
	if err != nil {
		return "", "", metadata.ErrValue{Msg: fmt.Sprintf("invalid S3 URL %s: %v", urlPath, err)}
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", metadata.ErrValue{Msg: fmt.Sprintf("not an s3:// URL: %s", urlPath)}
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", metadata.ErrValue{Msg: fmt.Sprintf("S3 URL %s has no object key", urlPath)}
	}
	return u.Host, key, nil
}

var _ Fetcher = &S3Fetcher{}
