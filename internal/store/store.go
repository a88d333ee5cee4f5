// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists the durable subset of workflow state: users, cloud
// connections, projects, generation records and deployment operations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "embed"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/sirpi/sirpi/internal/broker"
	"github.com/sirpi/sirpi/pkg/workflow"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed schema.sql
var schema string

// Store wraps the relational database.
type Store struct {
	db *sqlx.DB
}

// Open connects to postgres and returns a Store.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to database")
	}
	return &Store{db: db}, nil
}

// New wraps an existing connection, mostly for tests.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return errors.Wrap(err, "applying schema")
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// User is an authenticated caller.
type User struct {
	ID             string `db:"id"`
	GithubLogin    string `db:"github_login"`
	InstallationID int64  `db:"installation_id"`
}

// UpsertUser creates or refreshes a user row.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, github_login, installation_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET github_login = $2, installation_id = $3, updated_at = now()`,
		u.ID, u.GithubLogin, u.InstallationID)
	return errors.Wrapf(err, "upserting user %s", u.ID)
}

// SaveConnection persists connection metadata. Role credentials are never
// part of this record.
func (s *Store) SaveConnection(ctx context.Context, c broker.Connection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aws_connections (user_id, role_arn, external_id, account_id, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET role_arn = $2, external_id = $3, account_id = $4, status = $5, updated_at = now()`,
		c.UserID, c.RoleARN, c.ExternalID, c.AccountID, string(c.Status))
	return errors.Wrapf(err, "saving connection for %s", c.UserID)
}

// GetConnection loads a user's connection.
func (s *Store) GetConnection(ctx context.Context, userID string) (broker.Connection, error) {
	var row struct {
		UserID     string `db:"user_id"`
		RoleARN    string `db:"role_arn"`
		ExternalID string `db:"external_id"`
		AccountID  string `db:"account_id"`
		Status     string `db:"status"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, role_arn, external_id, account_id, status
		FROM aws_connections WHERE user_id = $1`, userID)
	if err != nil {
		return broker.Connection{}, errors.Wrapf(err, "loading connection for %s", userID)
	}
	return broker.Connection{
		UserID:     row.UserID,
		RoleARN:    row.RoleARN,
		ExternalID: row.ExternalID,
		AccountID:  row.AccountID,
		Status:     broker.Status(row.Status),
	}, nil
}

// Project is a repository bound to a deployment shape.
type Project struct {
	ID              string          `db:"id"`
	UserID          string          `db:"user_id"`
	Owner           string          `db:"owner"`
	Repo            string          `db:"repo"`
	DeploymentShape workflow.Shape  `db:"deployment_shape"`
	Status          workflow.Status `db:"status"`
	Error           string          `db:"error"`
	ApplicationURL  string          `db:"application_url"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// CreateProject inserts a new project in the pending state.
func (s *Store) CreateProject(ctx context.Context, p Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, user_id, owner, repo, deployment_shape, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.UserID, p.Owner, p.Repo, string(p.DeploymentShape), string(workflow.StatusPending))
	return errors.Wrapf(err, "creating project %s", p.ID)
}

// GetProject loads one project.
func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, `
		SELECT id, user_id, owner, repo, deployment_shape, status, error, application_url, created_at, updated_at
		FROM projects WHERE id = $1`, id)
	return p, errors.Wrapf(err, "loading project %s", id)
}

// SetProjectStatus records a state transition, clearing or setting the error
// description.
func (s *Store) SetProjectStatus(ctx context.Context, id string, status workflow.Status, errDesc string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET status = $2, error = $3, updated_at = now() WHERE id = $1`,
		id, string(status), errDesc)
	return errors.Wrapf(err, "updating project %s to %s", id, status)
}

// SetProjectOutputs persists the apply results.
func (s *Store) SetProjectOutputs(ctx context.Context, id, applicationURL string, outputs, summary any) error {
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return errors.Wrap(err, "encoding outputs")
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return errors.Wrap(err, "encoding summary")
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE projects
		SET application_url = $2, terraform_outputs = $3, deployment_summary = $4, updated_at = now()
		WHERE id = $1`,
		id, applicationURL, outputsJSON, summaryJSON)
	return errors.Wrapf(err, "saving outputs for %s", id)
}

// ClearProjectOutputs wipes deployment results after a destroy.
func (s *Store) ClearProjectOutputs(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET application_url = '', terraform_outputs = NULL, deployment_summary = NULL, updated_at = now()
		WHERE id = $1`, id)
	return errors.Wrapf(err, "clearing outputs for %s", id)
}

// Generation records one generation pipeline run.
type Generation struct {
	ID        string `db:"id"`
	ProjectID string `db:"project_id"`
	SessionID string `db:"session_id"`
	MemoryID  string `db:"memory_id"`
	// RepoContext is the encoded analyzer output.
	RepoContext json.RawMessage `db:"repo_context"`
	PRNumber    int             `db:"pr_number"`
	PRURL       string          `db:"pr_url"`
	PRMerged    bool            `db:"pr_merged"`
	PRMergedAt  sql.NullTime    `db:"pr_merged_at"`
}

// SaveGeneration inserts a generation record.
func (s *Store) SaveGeneration(ctx context.Context, g Generation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generations (id, project_id, session_id, memory_id, repo_context, pr_number, pr_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.ID, g.ProjectID, g.SessionID, g.MemoryID, g.RepoContext, g.PRNumber, g.PRURL)
	return errors.Wrapf(err, "saving generation %s", g.ID)
}

// LatestGeneration returns the most recent generation for a project.
func (s *Store) LatestGeneration(ctx context.Context, projectID string) (Generation, error) {
	var g Generation
	err := s.db.GetContext(ctx, &g, `
		SELECT id, project_id, session_id, memory_id, repo_context, pr_number, pr_url, pr_merged, pr_merged_at
		FROM generations WHERE project_id = $1
		ORDER BY created_at DESC LIMIT 1`, projectID)
	return g, errors.Wrapf(err, "loading latest generation for %s", projectID)
}

// MarkPRMerged flips the merge flag when the webhook reports the change
// request merged.
func (s *Store) MarkPRMerged(ctx context.Context, projectID string, prNumber int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE generations SET pr_merged = TRUE, pr_merged_at = now()
		WHERE project_id = $1 AND pr_number = $2`, projectID, prNumber)
	if err != nil {
		return errors.Wrapf(err, "marking pr %d merged", prNumber)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Operation is one deployment-pipeline step run.
type Operation struct {
	ID         string       `db:"id"`
	ProjectID  string       `db:"project_id"`
	Kind       string       `db:"kind"`
	Status     string       `db:"status"`
	Error      string       `db:"error"`
	StartedAt  time.Time    `db:"started_at"`
	FinishedAt sql.NullTime `db:"finished_at"`
}

// BeginOperation records the start of a deployment step.
func (s *Store) BeginOperation(ctx context.Context, op Operation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_operations (id, project_id, kind, status)
		VALUES ($1, $2, $3, 'running')`,
		op.ID, op.ProjectID, op.Kind)
	return errors.Wrapf(err, "recording operation %s", op.ID)
}

// FinishOperation records the outcome of a deployment step.
func (s *Store) FinishOperation(ctx context.Context, id, status, errDesc string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployment_operations
		SET status = $2, error = $3, finished_at = now() WHERE id = $1`,
		id, status, errDesc)
	return errors.Wrapf(err, "finishing operation %s", id)
}
