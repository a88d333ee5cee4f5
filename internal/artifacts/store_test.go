// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package artifacts

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/sirpi/sirpi/pkg/workflow"
)

type objVersion struct {
	id           string
	content      string
	deleteMarker bool
}

// fakeS3 is an in-memory versioned bucket.
type fakeS3 struct {
	objects map[string][]objVersion
	nextID  int
	expires time.Duration
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]objVersion)}
}

func (f *fakeS3) put(key, content string, deleteMarker bool) string {
	f.nextID++
	id := fmt.Sprintf("v%d", f.nextID)
	f.objects[key] = append(f.objects[key], objVersion{id: id, content: content, deleteMarker: deleteMarker})
	return id
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	id := f.put(aws.ToString(in.Key), string(body), false)
	return &s3.PutObjectOutput{VersionId: aws.String(id)}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	versions := f.objects[aws.ToString(in.Key)]
	if len(versions) == 0 || versions[len(versions)-1].deleteMarker {
		return nil, errors.New("NoSuchKey")
	}
	latest := versions[len(versions)-1]
	return &s3.GetObjectOutput{
		Body:      io.NopCloser(strings.NewReader(latest.content)),
		VersionId: aws.String(latest.id),
	}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var out s3.ListObjectsV2Output
	for key, versions := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) && !versions[len(versions)-1].deleteMarker {
			out.Contents = append(out.Contents, s3types.Object{Key: aws.String(key)})
		}
	}
	return &out, nil
}

func (f *fakeS3) ListObjectVersions(_ context.Context, in *s3.ListObjectVersionsInput, _ ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error) {
	var out s3.ListObjectVersionsOutput
	out.IsTruncated = aws.Bool(false)
	for key, versions := range f.objects {
		if !strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			continue
		}
		for _, v := range versions {
			if v.deleteMarker {
				out.DeleteMarkers = append(out.DeleteMarkers, s3types.DeleteMarkerEntry{
					Key: aws.String(key), VersionId: aws.String(v.id),
				})
			} else {
				out.Versions = append(out.Versions, s3types.ObjectVersion{
					Key: aws.String(key), VersionId: aws.String(v.id),
				})
			}
		}
	}
	return &out, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	key, versionID := aws.ToString(in.Key), aws.ToString(in.VersionId)
	kept := f.objects[key][:0]
	for _, v := range f.objects[key] {
		if v.id != versionID {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		delete(f.objects, key)
	} else {
		f.objects[key] = kept
	}
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	f.expires = opts.Expires
	return &v4.PresignedHTTPRequest{
		URL: fmt.Sprintf("https://bucket.example/%s?X-Amz-Expires=%d", aws.ToString(in.Key), int(opts.Expires.Seconds())),
	}, nil
}

func testBundle() []workflow.File {
	return []workflow.File{
		{Name: "Dockerfile", Content: "FROM python:3.12\n", Kind: workflow.KindContainerRecipe},
		{Name: "main.tf", Content: "resource {}\n", Kind: workflow.KindInfraCode},
		{Name: "variables.tf", Content: "variable {}\n", Kind: workflow.KindInfraCode},
	}
}

func TestKeyLayout(t *testing.T) {
	recipe := workflow.File{Name: "Dockerfile", Kind: workflow.KindContainerRecipe}
	tf := workflow.File{Name: "main.tf", Kind: workflow.KindInfraCode}
	if got := Key("acme", "demo", recipe); got != "repositories/acme/demo/Dockerfile" {
		t.Errorf("recipe key = %q", got)
	}
	if got := Key("acme", "demo", tf); got != "repositories/acme/demo/terraform/main.tf" {
		t.Errorf("terraform key = %q", got)
	}
}

func TestSaveBundleLatestReadObservesWrite(t *testing.T) {
	fake := newFakeS3()
	store := New(fake, fake, "sirpi-artifacts")
	ctx := context.Background()

	v1, err := store.SaveBundle(ctx, "acme", "demo", testBundle())
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.LoadRecipe(ctx, "acme", "demo")
	if err != nil {
		t.Fatal(err)
	}
	if got != "FROM python:3.12\n" {
		t.Errorf("recipe = %q", got)
	}

	updated := testBundle()
	updated[0].Content = "FROM python:3.13\n"
	v2, err := store.SaveBundle(ctx, "acme", "demo", updated)
	if err != nil {
		t.Fatal(err)
	}
	if v1["Dockerfile"] == v2["Dockerfile"] {
		t.Error("rewrite must produce a new version id")
	}
	got, err = store.LoadRecipe(ctx, "acme", "demo")
	if err != nil {
		t.Fatal(err)
	}
	if got != "FROM python:3.13\n" {
		t.Errorf("latest read = %q, want the superseding write", got)
	}
}

func TestLoadTerraform(t *testing.T) {
	fake := newFakeS3()
	store := New(fake, fake, "sirpi-artifacts")
	ctx := context.Background()
	if _, err := store.SaveBundle(ctx, "acme", "demo", testBundle()); err != nil {
		t.Fatal(err)
	}
	got, err := store.LoadTerraform(ctx, "acme", "demo")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"main.tf": "resource {}\n", "variables.tf": "variable {}\n"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bundle (-want +got):\n%s", diff)
	}
}

func TestPresignedLinksExpireInAnHour(t *testing.T) {
	fake := newFakeS3()
	store := New(fake, fake, "sirpi-artifacts")
	links, err := store.PresignedLinks(context.Background(), "acme", "demo", testBundle())
	if err != nil {
		t.Fatal(err)
	}
	if fake.expires != time.Hour {
		t.Errorf("expiry = %v, want 1h", fake.expires)
	}
	if !strings.Contains(links["main.tf"], "repositories/acme/demo/terraform/main.tf") {
		t.Errorf("link = %q", links["main.tf"])
	}
}

func TestPurgeStateRemovesAllVersionsAndMarkers(t *testing.T) {
	fake := newFakeS3()
	fake.put("states/p1/terraform.tfstate", "s1", false)
	fake.put("states/p1/terraform.tfstate", "s2", false)
	fake.put("states/p1/terraform.tfstate", "", true)
	fake.put("states/p2/terraform.tfstate", "other", false)

	removed, err := PurgeState(context.Background(), fake, "sirpi-terraform-states-123", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}
	if _, ok := fake.objects["states/p1/terraform.tfstate"]; ok {
		t.Error("state versions left behind")
	}
	if _, ok := fake.objects["states/p2/terraform.tfstate"]; !ok {
		t.Error("unrelated project state must survive")
	}
}
