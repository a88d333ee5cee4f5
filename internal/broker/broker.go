// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker exchanges a caller-registered role reference plus a
// caller-bound nonce for short-lived credentials in the caller's cloud
// account. Credentials are returned to the caller of Assume and are never
// persisted anywhere.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/pkg/errors"
)

// Status of a cloud connection.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
)

// Connection is the caller's registered cross-account trust.
type Connection struct {
	UserID     string
	RoleARN    string
	ExternalID string
	AccountID  string
	Status     Status
}

// Usable reports whether the connection may mint deployment credentials.
func (c Connection) Usable() bool {
	return c.Status == StatusVerified
}

// STSAPI is the token-service surface the broker needs.
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

const (
	// probeDuration keeps verification assumptions short.
	probeDuration = 15 * time.Minute
	// deployDuration covers a full build-and-apply run.
	deployDuration = time.Hour
)

// Broker mints and verifies cross-account credentials.
type Broker struct {
	sts       STSAPI
	accountID string // our account, the trusted principal in the caller's role
	template  string // CloudFormation template URL for the setup stack
	region    string
}

// New creates a Broker. accountID is this service's own cloud account id and
// template the public URL of the role-setup stack template.
func New(stsClient STSAPI, accountID, template, region string) *Broker {
	return &Broker{sts: stsClient, accountID: accountID, template: template, region: region}
}

// Initiate registers a new pending connection for the user and returns it
// with the console quick-create URL the user opens to provision the role.
// The nonce binds the trust to this service and is required on every later
// assumption.
func (b *Broker) Initiate(userID string) (Connection, string, error) {
	nonce, err := newNonce()
	if err != nil {
		return Connection{}, "", err
	}
	conn := Connection{
		UserID:     userID,
		ExternalID: nonce,
		Status:     StatusPending,
	}
	return conn, b.setupURL(nonce), nil
}

func newNonce() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", errors.Wrap(err, "generating external id")
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func (b *Broker) setupURL(nonce string) string {
	params := url.Values{}
	params.Set("templateURL", b.template)
	params.Set("stackName", "sirpi-integration")
	params.Set("param_SirpiAccountId", b.accountID)
	params.Set("param_ExternalId", nonce)
	return fmt.Sprintf("https://console.aws.amazon.com/cloudformation/home?region=%s#/stacks/quickcreate?%s",
		b.region, params.Encode())
}

// Verify probes the registered role with a short assumption and fills in the
// account id parsed from the assumed-role ARN. The returned connection is
// verified on success and failed otherwise.
func (b *Broker) Verify(ctx context.Context, conn Connection) (Connection, error) {
	out, err := b.sts.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(conn.RoleARN),
		RoleSessionName: aws.String(sessionName("verify", conn.UserID)),
		ExternalId:      aws.String(conn.ExternalID),
		DurationSeconds: aws.Int32(int32(probeDuration.Seconds())),
	})
	if err != nil {
		conn.Status = StatusFailed
		return conn, errors.Wrapf(err, "assuming role %s", conn.RoleARN)
	}
	account, err := accountFromARN(aws.ToString(out.AssumedRoleUser.Arn))
	if err != nil {
		conn.Status = StatusFailed
		return conn, err
	}
	conn.AccountID = account
	conn.Status = StatusVerified
	return conn, nil
}

// Credentials are short-lived deployment credentials. They live in memory
// for the duration of one deployment operation only.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
}

// Assume mints one-hour credentials for a verified connection.
func (b *Broker) Assume(ctx context.Context, conn Connection) (Credentials, error) {
	if !conn.Usable() {
		return Credentials{}, errors.Errorf("connection for %s is %s, not verified", conn.UserID, conn.Status)
	}
	out, err := b.sts.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(conn.RoleARN),
		RoleSessionName: aws.String(sessionName("deploy", conn.UserID)),
		ExternalId:      aws.String(conn.ExternalID),
		DurationSeconds: aws.Int32(int32(deployDuration.Seconds())),
	})
	if err != nil {
		return Credentials{}, errors.Wrapf(err, "assuming role %s", conn.RoleARN)
	}
	c := out.Credentials
	return Credentials{
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretAccessKey),
		SessionToken:    aws.ToString(c.SessionToken),
		Expiration:      aws.ToTime(c.Expiration),
	}, nil
}

// EnvFile renders the credentials as a shell file the sandbox sources before
// running cloud tooling.
func EnvFile(creds Credentials, region string) string {
	return fmt.Sprintf(`export AWS_ACCESS_KEY_ID=%q
export AWS_SECRET_ACCESS_KEY=%q
export AWS_SESSION_TOKEN=%q
export AWS_DEFAULT_REGION=%q
`, creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken, region)
}

// accountFromARN extracts the account id from an assumed-role ARN like
// arn:aws:sts::123456789012:assumed-role/name/session.
func accountFromARN(arn string) (string, error) {
	parts := strings.Split(arn, ":")
	if len(parts) < 6 || parts[4] == "" {
		return "", errors.Errorf("malformed assumed-role ARN %q", arn)
	}
	return parts[4], nil
}

// sessionName keeps role session names within the 64-character limit.
func sessionName(kind, userID string) string {
	name := fmt.Sprintf("sirpi-%s-%s", kind, userID)
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}
