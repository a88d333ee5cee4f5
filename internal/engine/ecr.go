// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/pkg/errors"

	"github.com/sirpi/sirpi/pkg/workflow"
)

// ECRAPI is the registry surface the deployment pipeline needs.
type ECRAPI interface {
	CreateRepository(ctx context.Context, in *ecr.CreateRepositoryInput, opts ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
}

// IAMAPI is the identity surface the deployment pipeline needs.
type IAMAPI interface {
	CreateServiceLinkedRole(ctx context.Context, in *iam.CreateServiceLinkedRoleInput, opts ...func(*iam.Options)) (*iam.CreateServiceLinkedRoleOutput, error)
}

// ensureRepository creates the image repository in the caller's account,
// treating an existing repository as success.
func ensureRepository(ctx context.Context, client ECRAPI, name string) error {
	_, err := client.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName:     aws.String(name),
		ImageTagMutability: ecrtypes.ImageTagMutabilityMutable,
		ImageScanningConfiguration: &ecrtypes.ImageScanningConfiguration{
			ScanOnPush: true,
		},
	})
	var exists *ecrtypes.RepositoryAlreadyExistsException
	if errors.As(err, &exists) {
		return nil
	}
	return errors.Wrapf(err, "creating image repository %s", name)
}

// ensureServiceRole creates the service-linked role a first-time account
// needs before the orchestrator can place tasks. A role that already exists
// is success.
func ensureServiceRole(ctx context.Context, client IAMAPI, service string) error {
	_, err := client.CreateServiceLinkedRole(ctx, &iam.CreateServiceLinkedRoleInput{
		AWSServiceName: aws.String(service),
	})
	if err != nil && strings.Contains(err.Error(), "has been taken") {
		return nil
	}
	return errors.Wrapf(err, "creating service-linked role for %s", service)
}

// serviceRolesFor lists the service-linked roles each shape depends on.
func serviceRolesFor(shape workflow.Shape) []string {
	if shape == workflow.ContainerService {
		return []string{"ecs.amazonaws.com"}
	}
	return nil
}

// imageRef is the fully qualified tag the build pushes and the templates
// reference.
func imageRef(accountID, region, repoName string) string {
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com/%s:latest", accountID, region, repoName)
}
