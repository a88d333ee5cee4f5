// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sirpi/sirpi/internal/artifacts"
	"github.com/sirpi/sirpi/internal/broker"
)

// AWSClients builds SDK clients from brokered credentials. Each deployment
// gets fresh clients scoped to its own short-lived session.
type AWSClients struct{}

func provider(creds broker.Credentials) aws.CredentialsProvider {
	return credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)
}

func (AWSClients) ECR(creds broker.Credentials, region string) ECRAPI {
	return ecr.New(ecr.Options{Region: region, Credentials: provider(creds)})
}

func (AWSClients) IAM(creds broker.Credentials, region string) IAMAPI {
	return iam.New(iam.Options{Region: region, Credentials: provider(creds)})
}

func (AWSClients) StateStore(creds broker.Credentials, region string) artifacts.StateAPI {
	return s3.New(s3.Options{Region: region, Credentials: provider(creds)})
}
