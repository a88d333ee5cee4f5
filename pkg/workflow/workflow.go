// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflow defines the shared types of the generation and deployment
// pipelines: session lifecycle states, deployment shapes, repository
// snapshots and the repository context contract between generation stages.
package workflow

import (
	"time"
)

// Shape selects the infrastructure template for a deployment.
type Shape string

const (
	ContainerService Shape = "container-service"
	VM               Shape = "vm"
	Serverless       Shape = "serverless"
)

// KnownShape reports whether s is one of the supported deployment shapes.
func KnownShape(s Shape) bool {
	switch s {
	case ContainerService, VM, Serverless:
		return true
	}
	return false
}

// Status is a session lifecycle state.
type Status string

const (
	StatusPending          Status = "pending"
	StatusAnalyzing        Status = "analyzing"
	StatusGenerating       Status = "generating"
	StatusAwaitingReview   Status = "awaiting-review"
	StatusReadyToDeploy    Status = "ready-to-deploy"
	StatusBuilding         Status = "building"
	StatusPlanning         Status = "planning"
	StatusApplying         Status = "applying"
	StatusDestroying       Status = "destroying"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusDeploymentFailed Status = "deployment_failed"
	StatusDestroyed        Status = "destroyed"
)

// Terminal reports whether a session is at rest in s: no pipeline is running
// and any further progress needs a new operation. Completed and
// deployment_failed sessions still accept deployment operations.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDeploymentFailed, StatusDestroyed:
		return true
	}
	return false
}

// transitions is the forward edge set of the session state machine.
// Deployment sub-operations are independently invokable once a generation is
// reviewed, so ready-to-deploy, completed and deployment_failed all fan out
// to the running deployment states.
var transitions = map[Status][]Status{
	StatusPending:          {StatusAnalyzing},
	StatusAnalyzing:        {StatusGenerating},
	StatusGenerating:       {StatusAwaitingReview},
	StatusAwaitingReview:   {StatusReadyToDeploy},
	StatusReadyToDeploy:    {StatusBuilding, StatusPlanning, StatusApplying},
	StatusBuilding:         {StatusPlanning, StatusReadyToDeploy},
	StatusPlanning:         {StatusApplying, StatusReadyToDeploy},
	StatusApplying:         {StatusCompleted},
	StatusCompleted:        {StatusBuilding, StatusPlanning, StatusApplying, StatusDestroying},
	StatusDeploymentFailed: {StatusBuilding, StatusPlanning, StatusApplying, StatusDestroying},
	StatusDestroying:       {StatusDestroyed},
}

// CanTransition reports whether the state machine permits moving from one
// status to another. Generation failure is reachable from every running
// state; deployment failure is reachable from the deployment phase and is
// retryable.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusFailed:
		return !from.Terminal()
	case StatusDeploymentFailed:
		switch from {
		case StatusReadyToDeploy, StatusBuilding, StatusPlanning, StatusApplying,
			StatusDestroying, StatusCompleted, StatusDeploymentFailed:
			return true
		}
		return false
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Operation names the separately invokable deployment sub-operations.
const (
	OpDeploy     = "deploy"
	OpBuildImage = "build-image"
	OpPlan       = "plan"
	OpApply      = "apply"
	OpDestroy    = "destroy"
)

// KnownOperation reports whether op names a deployment sub-operation a client
// may request. Destroy has its own endpoint.
func KnownOperation(op string) bool {
	switch op {
	case OpDeploy, OpBuildImage, OpPlan, OpApply:
		return true
	}
	return false
}

// Kind distinguishes the two artifact groups a generation produces.
type Kind string

const (
	KindContainerRecipe Kind = "container-recipe"
	KindInfraCode       Kind = "infra-code"
)

// File is a single generated artifact.
type File struct {
	Name    string
	Content string
	Kind    Kind
}

// Severity of a session log entry.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// LogEntry is one element of a session's append-only log buffer.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Producer  string    `json:"producer"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
}
