// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the request and response messages of the service
// API. Requests validate themselves; handlers and stubs share these types.
package schema

import (
	"github.com/pkg/errors"

	"github.com/sirpi/sirpi/pkg/workflow"
)

// Message is a request type usable with the api handler and stub helpers.
type Message interface {
	Validate() error
}

// GenerateRequest starts the generation pipeline for a repository.
type GenerateRequest struct {
	ProjectID string         `json:"project_id"`
	UserID    string         `json:"user_id"`
	Owner     string         `json:"owner"`
	Repo      string         `json:"repo"`
	Shape     workflow.Shape `json:"shape"`
}

func (r GenerateRequest) Validate() error {
	if r.ProjectID == "" || r.UserID == "" {
		return errors.New("project_id and user_id are required")
	}
	if r.Owner == "" || r.Repo == "" {
		return errors.New("owner and repo are required")
	}
	if !workflow.KnownShape(r.Shape) {
		return errors.Errorf("unknown deployment shape %q", r.Shape)
	}
	return nil
}

// GenerateResponse reports the session that was started.
type GenerateResponse struct {
	SessionID string          `json:"session_id"`
	Status    workflow.Status `json:"status"`
}

// StatusRequest asks for a project's current state.
type StatusRequest struct {
	ProjectID string `json:"project_id"`
}

func (r StatusRequest) Validate() error {
	if r.ProjectID == "" {
		return errors.New("project_id is required")
	}
	return nil
}

// StatusResponse is the project's live state plus generation metadata.
type StatusResponse struct {
	ProjectID      string            `json:"project_id"`
	SessionID      string            `json:"session_id,omitempty"`
	Status         workflow.Status   `json:"status"`
	Error          string            `json:"error,omitempty"`
	Files          []string          `json:"files,omitempty"`
	Links          map[string]string `json:"links,omitempty"`
	PRNumber       int               `json:"pr_number,omitempty"`
	PRURL          string            `json:"pr_url,omitempty"`
	ApplicationURL string            `json:"application_url,omitempty"`
}

// LogsRequest fetches buffered log entries past a cursor without streaming.
type LogsRequest struct {
	ProjectID string `json:"project_id"`
	Cursor    int    `json:"cursor"`
}

func (r LogsRequest) Validate() error {
	if r.ProjectID == "" {
		return errors.New("project_id is required")
	}
	return nil
}

// LogsResponse carries entries and the cursor to resume from.
type LogsResponse struct {
	Entries []workflow.LogEntry `json:"entries"`
	Cursor  int                 `json:"cursor"`
}

// DeployRequest starts a deployment sub-operation for a reviewed project.
// An empty operation requests the full build-plan-apply pipeline.
type DeployRequest struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Operation string `json:"operation,omitempty"`
}

func (r DeployRequest) Validate() error {
	if r.ProjectID == "" || r.UserID == "" {
		return errors.New("project_id and user_id are required")
	}
	if r.Operation != "" && !workflow.KnownOperation(r.Operation) {
		return errors.Errorf("unknown operation %q", r.Operation)
	}
	return nil
}

// DeployResponse acknowledges the queued pipeline.
type DeployResponse struct {
	Status workflow.Status `json:"status"`
}

// DestroyRequest tears down a project's deployed infrastructure.
type DestroyRequest struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
}

func (r DestroyRequest) Validate() error {
	if r.ProjectID == "" || r.UserID == "" {
		return errors.New("project_id and user_id are required")
	}
	return nil
}

// DestroyResponse acknowledges the queued teardown.
type DestroyResponse struct {
	Status workflow.Status `json:"status"`
}

// ConnectInitRequest registers a new cloud connection for a user.
type ConnectInitRequest struct {
	UserID string `json:"user_id"`
}

func (r ConnectInitRequest) Validate() error {
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	return nil
}

// ConnectInitResponse carries the console URL the user opens to provision
// the role. The external id is echoed so the caller can show it; the role
// must be created with it.
type ConnectInitResponse struct {
	SetupURL   string `json:"setup_url"`
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
}

// ConnectVerifyRequest probes a provisioned role.
type ConnectVerifyRequest struct {
	UserID  string `json:"user_id"`
	RoleARN string `json:"role_arn"`
}

func (r ConnectVerifyRequest) Validate() error {
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	if r.RoleARN == "" {
		return errors.New("role_arn is required")
	}
	return nil
}

// ConnectVerifyResponse reports the probe outcome.
type ConnectVerifyResponse struct {
	AccountID string `json:"account_id,omitempty"`
	Status    string `json:"status"`
}

// PRMergedRequest reports that a project's change request was merged.
type PRMergedRequest struct {
	ProjectID string `json:"project_id"`
	PRNumber  int    `json:"pr_number"`
}

func (r PRMergedRequest) Validate() error {
	if r.ProjectID == "" {
		return errors.New("project_id is required")
	}
	if r.PRNumber <= 0 {
		return errors.New("pr_number is required")
	}
	return nil
}

// PRMergedResponse reports the resulting session state.
type PRMergedResponse struct {
	Status workflow.Status `json:"status"`
}

// AssistantContextRequest reconstructs the stage-memory context of a
// generation session.
type AssistantContextRequest struct {
	SessionID string `json:"session_id"`
}

func (r AssistantContextRequest) Validate() error {
	if r.SessionID == "" {
		return errors.New("session_id is required")
	}
	return nil
}

// AssistantContextResponse is the rendered context block.
type AssistantContextResponse struct {
	SessionID string `json:"session_id"`
	Context   string `json:"context"`
}
