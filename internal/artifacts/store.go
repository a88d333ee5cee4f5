// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

// Package artifacts persists generated bundles in versioned object storage
// under stable per-repository paths. Writes create new versions; reads serve
// the latest.
package artifacts

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"

	"github.com/sirpi/sirpi/pkg/workflow"
)

// S3API is the object-store surface the store needs.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Presigner issues time-limited read links.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// linkTTL bounds presigned read links.
const linkTTL = time.Hour

// Store reads and writes artifact bundles in one bucket.
type Store struct {
	client  S3API
	presign Presigner
	bucket  string
}

// New creates a Store over the service bucket.
func New(client S3API, presign Presigner, bucket string) *Store {
	return &Store{client: client, presign: presign, bucket: bucket}
}

// Key returns the stable object key for a file of a repository's bundle.
// Infra-code files nest under terraform/ so the recipe and the bundle can be
// fetched independently.
func Key(owner, repo string, f workflow.File) string {
	base := path.Join("repositories", owner, repo)
	if f.Kind == workflow.KindInfraCode {
		return path.Join(base, "terraform", f.Name)
	}
	return path.Join(base, f.Name)
}

// SaveBundle writes every file and returns the version identifier per file
// name. The returned versions are the ones a subsequent latest-read observes
// until a later write supersedes them.
func (s *Store) SaveBundle(ctx context.Context, owner, repo string, files []workflow.File) (map[string]string, error) {
	versions := make(map[string]string, len(files))
	for _, f := range files {
		key := Key(owner, repo, f)
		out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader([]byte(f.Content)),
			ContentType: aws.String("text/plain"),
		})
		if err != nil {
			return nil, errors.Wrapf(err, "writing %s", key)
		}
		versions[f.Name] = aws.ToString(out.VersionId)
	}
	return versions, nil
}

// LoadRecipe reads the latest container recipe for a repository.
func (s *Store) LoadRecipe(ctx context.Context, owner, repo string) (string, error) {
	return s.read(ctx, Key(owner, repo, workflow.File{Name: "Dockerfile", Kind: workflow.KindContainerRecipe}))
}

// LoadTerraform reads the latest infra-code bundle keyed by filename.
func (s *Store) LoadTerraform(ctx context.Context, owner, repo string) (map[string]string, error) {
	prefix := path.Join("repositories", owner, repo, "terraform") + "/"
	list, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", prefix)
	}
	files := make(map[string]string, len(list.Contents))
	for _, obj := range list.Contents {
		key := aws.ToString(obj.Key)
		content, err := s.read(ctx, key)
		if err != nil {
			return nil, err
		}
		files[strings.TrimPrefix(key, prefix)] = content
	}
	return files, nil
}

func (s *Store) read(ctx context.Context, key string) (string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", key)
	}
	defer out.Body.Close()
	content, err := io.ReadAll(out.Body)
	if err != nil {
		return "", errors.Wrapf(err, "reading body of %s", key)
	}
	return string(content), nil
}

// PresignedLinks returns one-hour read links for the given bundle files.
func (s *Store) PresignedLinks(ctx context.Context, owner, repo string, files []workflow.File) (map[string]string, error) {
	links := make(map[string]string, len(files))
	for _, f := range files {
		key := Key(owner, repo, f)
		req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}, func(o *s3.PresignOptions) { o.Expires = linkTTL })
		if err != nil {
			return nil, errors.Wrapf(err, "presigning %s", key)
		}
		links[f.Name] = req.URL
	}
	return links, nil
}

// BundleFromMaps assembles a workflow file list from a recipe and a
// terraform bundle.
func BundleFromMaps(recipe string, terraform map[string]string) []workflow.File {
	var files []workflow.File
	if recipe != "" {
		files = append(files, workflow.File{Name: "Dockerfile", Content: recipe, Kind: workflow.KindContainerRecipe})
	}
	for name, content := range terraform {
		files = append(files, workflow.File{Name: name, Content: content, Kind: workflow.KindInfraCode})
	}
	return files
}
