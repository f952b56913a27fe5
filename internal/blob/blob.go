// Copyright (c) 2026 The Claimsflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package blob stores attachment payloads in S3-compatible object
// storage. Object keys are tenant-prefixed and date-partitioned so
// retention policies can operate on prefixes.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/claimsflow/ingestion/internal/models"
)

// Store writes and reads attachment objects in one bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// Config carries the S3 endpoint settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// New connects to the object store and creates the bucket if missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
		slog.Info("created attachment bucket", "bucket", cfg.Bucket)
	}

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads one attachment and returns its object key. The key embeds
// a fresh UUID so same-named attachments never collide.
func (s *Store) Put(ctx context.Context, tenantID string, receivedAt time.Time, att *models.AttachmentPart) (string, error) {
	key := objectKey(tenantID, receivedAt, att.Filename)
	_, err := s.client.PutObject(ctx, s.bucket, key,
		bytes.NewReader(att.Data), int64(len(att.Data)),
		minio.PutObjectOptions{ContentType: att.ContentType})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}
	return key, nil
}

// Get streams an attachment object back. The caller closes the reader.
func (s *Store) Get(ctx context.Context, key string) (*minio.Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", key, err)
	}
	return obj, nil
}

// Remove deletes an attachment object.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}

func objectKey(tenantID string, receivedAt time.Time, filename string) string {
	day := receivedAt.UTC().Format("2006/01/02")
	return path.Join("tenant", tenantID, day, uuid.New().String()+"-"+path.Base(filename))
}
