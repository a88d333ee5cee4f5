// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

// Package apiservice implements the service endpoints over the workflow
// engine, the credential broker and the relational store.
package apiservice

import (
	"context"
	"database/sql"
	"log"

	"github.com/pkg/errors"

	"github.com/sirpi/sirpi/internal/api"
	"github.com/sirpi/sirpi/internal/broker"
	"github.com/sirpi/sirpi/internal/engine"
	"github.com/sirpi/sirpi/internal/store"
	"github.com/sirpi/sirpi/pkg/schema"
	"github.com/sirpi/sirpi/pkg/workflow"
)

// Store is the relational surface the endpoints need.
type Store interface {
	GetProject(ctx context.Context, id string) (store.Project, error)
	CreateProject(ctx context.Context, p store.Project) error
	GetConnection(ctx context.Context, userID string) (broker.Connection, error)
	SaveConnection(ctx context.Context, c broker.Connection) error
	LatestGeneration(ctx context.Context, projectID string) (store.Generation, error)
	MarkPRMerged(ctx context.Context, projectID string, prNumber int) error
}

// Deps carries the shared endpoint dependencies.
type Deps struct {
	Engine *engine.Engine
	Broker *broker.Broker
	Store  Store
}

// Generate registers the project if needed, starts a generation session and
// returns immediately; progress streams through the session log.
func Generate(ctx context.Context, req schema.GenerateRequest, deps *Deps) (*schema.GenerateResponse, error) {
	if _, err := deps.Store.GetProject(ctx, req.ProjectID); err != nil {
		if err := deps.Store.CreateProject(ctx, store.Project{
			ID:              req.ProjectID,
			UserID:          req.UserID,
			Owner:           req.Owner,
			Repo:            req.Repo,
			DeploymentShape: req.Shape,
		}); err != nil {
			return nil, err
		}
	}
	s := deps.Engine.NewSession(req.ProjectID, req.UserID, req.Owner, req.Repo, req.Shape)
	go deps.Engine.Generate(context.WithoutCancel(ctx), s)
	return &schema.GenerateResponse{SessionID: s.ID, Status: workflow.StatusPending}, nil
}

// Status reports the project's live state, falling back to the persisted row
// when no session is in memory.
func Status(ctx context.Context, req schema.StatusRequest, deps *Deps) (*schema.StatusResponse, error) {
	resp := &schema.StatusResponse{ProjectID: req.ProjectID}
	if s, ok := deps.Engine.SessionForProject(req.ProjectID); ok {
		status, errDesc := s.Status()
		resp.SessionID = s.ID
		resp.Status = status
		resp.Error = errDesc
		for _, f := range s.Files() {
			resp.Files = append(resp.Files, f.Name)
		}
		resp.Links = s.Links()
	} else {
		p, err := deps.Store.GetProject(ctx, req.ProjectID)
		if err != nil {
			return nil, errors.Wrapf(api.ErrNotFound, "project %s", req.ProjectID)
		}
		resp.Status = p.Status
		resp.Error = p.Error
		resp.ApplicationURL = p.ApplicationURL
	}
	if gen, err := deps.Store.LatestGeneration(ctx, req.ProjectID); err == nil {
		resp.PRNumber = gen.PRNumber
		resp.PRURL = gen.PRURL
	}
	return resp, nil
}

// Logs returns buffered entries past the cursor without blocking. A project
// with no live session is resolved against the persisted row, so late
// callers still see the terminal state rather than a miss. The SSE stream is
// the live variant of this endpoint.
func Logs(ctx context.Context, req schema.LogsRequest, deps *Deps) (*schema.LogsResponse, error) {
	s, err := sessionFor(ctx, deps, req.ProjectID)
	if err != nil {
		return nil, err
	}
	entries, cursor := s.Log.Since(req.Cursor)
	return &schema.LogsResponse{Entries: entries, Cursor: cursor}, nil
}

// Deploy queues a deployment sub-operation for a reviewed project. An empty
// operation runs the full build-plan-apply pipeline.
func Deploy(ctx context.Context, req schema.DeployRequest, deps *Deps) (*schema.DeployResponse, error) {
	conn, err := deps.Store.GetConnection(ctx, req.UserID)
	if err != nil {
		return nil, errors.Wrapf(api.ErrNotFound, "no cloud connection for %s", req.UserID)
	}
	if !conn.Usable() {
		return nil, errors.Wrapf(api.ErrConflict, "connection for %s is %s, not verified", req.UserID, conn.Status)
	}
	s, err := sessionFor(ctx, deps, req.ProjectID)
	if err != nil {
		return nil, err
	}
	run := deps.Engine.Deploy
	switch req.Operation {
	case "", workflow.OpDeploy:
	case workflow.OpBuildImage:
		run = deps.Engine.BuildImage
	case workflow.OpPlan:
		run = deps.Engine.Plan
	case workflow.OpApply:
		run = deps.Engine.Apply
	}
	// the queued job must survive this request's lifetime
	if err := run(context.WithoutCancel(ctx), s, conn); err != nil {
		return nil, err
	}
	status, _ := s.Status()
	return &schema.DeployResponse{Status: status}, nil
}

// Destroy queues teardown of a deployed project.
func Destroy(ctx context.Context, req schema.DestroyRequest, deps *Deps) (*schema.DestroyResponse, error) {
	conn, err := deps.Store.GetConnection(ctx, req.UserID)
	if err != nil {
		return nil, errors.Wrapf(api.ErrNotFound, "no cloud connection for %s", req.UserID)
	}
	if !conn.Usable() {
		return nil, errors.Wrapf(api.ErrConflict, "connection for %s is %s, not verified", req.UserID, conn.Status)
	}
	s, err := sessionFor(ctx, deps, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := deps.Engine.Destroy(context.WithoutCancel(ctx), s, conn); err != nil {
		return nil, err
	}
	status, _ := s.Status()
	return &schema.DestroyResponse{Status: status}, nil
}

// ConnectInit registers a pending cloud connection and returns the console
// URL that provisions the cross-account role.
func ConnectInit(ctx context.Context, req schema.ConnectInitRequest, deps *Deps) (*schema.ConnectInitResponse, error) {
	conn, setupURL, err := deps.Broker.Initiate(req.UserID)
	if err != nil {
		return nil, err
	}
	if err := deps.Store.SaveConnection(ctx, conn); err != nil {
		return nil, err
	}
	return &schema.ConnectInitResponse{
		SetupURL:   setupURL,
		ExternalID: conn.ExternalID,
		Status:     string(conn.Status),
	}, nil
}

// ConnectVerify probes the provisioned role. The outcome is persisted either
// way; a failed probe is reported in the response, not as a transport error.
func ConnectVerify(ctx context.Context, req schema.ConnectVerifyRequest, deps *Deps) (*schema.ConnectVerifyResponse, error) {
	conn, err := deps.Store.GetConnection(ctx, req.UserID)
	if err != nil {
		return nil, errors.Wrapf(api.ErrNotFound, "no cloud connection for %s", req.UserID)
	}
	conn.RoleARN = req.RoleARN
	verified, verifyErr := deps.Broker.Verify(ctx, conn)
	if err := deps.Store.SaveConnection(ctx, verified); err != nil {
		return nil, err
	}
	resp := &schema.ConnectVerifyResponse{
		AccountID: verified.AccountID,
		Status:    string(verified.Status),
	}
	if verifyErr != nil {
		log.Printf("verifying connection for %s: %v", req.UserID, verifyErr)
	}
	return resp, nil
}

// PRMerged records the merged change request and moves the session to
// ready-to-deploy.
func PRMerged(ctx context.Context, req schema.PRMergedRequest, deps *Deps) (*schema.PRMergedResponse, error) {
	if err := deps.Store.MarkPRMerged(ctx, req.ProjectID, req.PRNumber); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(api.ErrNotFound, "no change request #%d for project %s", req.PRNumber, req.ProjectID)
		}
		return nil, err
	}
	s, err := sessionFor(ctx, deps, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := deps.Engine.MarkReady(ctx, s); err != nil {
		return nil, err
	}
	status, _ := s.Status()
	return &schema.PRMergedResponse{Status: status}, nil
}

// sessionFor resolves the live session for a project, restoring one from
// the persisted row when the in-memory registry lost it.
func sessionFor(ctx context.Context, deps *Deps, projectID string) (*engine.Session, error) {
	if s, ok := deps.Engine.SessionForProject(projectID); ok {
		return s, nil
	}
	p, err := deps.Store.GetProject(ctx, projectID)
	if err != nil {
		return nil, errors.Wrapf(api.ErrNotFound, "project %s", projectID)
	}
	return deps.Engine.RestoreSession(p.ID, p.UserID, p.Owner, p.Repo, p.DeploymentShape, p.Status), nil
}

// AssistantContext renders a generation session's stage memory into a
// context block for later readers.
func AssistantContext(_ context.Context, req schema.AssistantContextRequest, deps *Deps) (*schema.AssistantContextResponse, error) {
	if len(deps.Engine.Memory.Items(req.SessionID)) == 0 {
		return nil, errors.Wrapf(api.ErrNotFound, "no stage memory for session %s", req.SessionID)
	}
	return &schema.AssistantContextResponse{
		SessionID: req.SessionID,
		Context:   deps.Engine.Memory.Summary(req.SessionID),
	}, nil
}
