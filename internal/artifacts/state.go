// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package artifacts

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
)

// StateAPI is the object-store surface needed to purge terraform state.
// It is satisfied by an s3 client built on the caller's brokered credentials;
// the state bucket lives in the caller's account, not ours.
type StateAPI interface {
	ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// PurgeState deletes every version and delete marker of a project's
// terraform state so a destroyed project leaves nothing recoverable behind.
// Returns the number of versions removed.
func PurgeState(ctx context.Context, client StateAPI, bucket, projectID string) (int, error) {
	prefix := fmt.Sprintf("states/%s/", projectID)
	removed := 0
	input := &s3.ListObjectVersionsInput{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	for {
		page, err := client.ListObjectVersions(ctx, input)
		if err != nil {
			return removed, errors.Wrapf(err, "listing state versions under %s", prefix)
		}
		type target struct{ key, version string }
		var targets []target
		for _, v := range page.Versions {
			targets = append(targets, target{aws.ToString(v.Key), aws.ToString(v.VersionId)})
		}
		for _, m := range page.DeleteMarkers {
			targets = append(targets, target{aws.ToString(m.Key), aws.ToString(m.VersionId)})
		}
		for _, t := range targets {
			_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket:    aws.String(bucket),
				Key:       aws.String(t.key),
				VersionId: aws.String(t.version),
			})
			if err != nil {
				return removed, errors.Wrapf(err, "deleting %s@%s", t.key, t.version)
			}
			removed++
		}
		if !aws.ToBool(page.IsTruncated) {
			return removed, nil
		}
		input.KeyMarker = page.NextKeyMarker
		input.VersionIdMarker = page.NextVersionIdMarker
	}
}
