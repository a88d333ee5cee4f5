// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine orchestrates the generation and deployment pipelines: a
// per-session state machine with a streaming log buffer, ordered agent
// invocation over shared stage memory, artifact validation and storage, and
// sandboxed build/apply runs under brokered credentials.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sirpi/sirpi/internal/agentgw"
	"github.com/sirpi/sirpi/internal/artifacts"
	"github.com/sirpi/sirpi/internal/broker"
	"github.com/sirpi/sirpi/internal/github"
	"github.com/sirpi/sirpi/internal/inspector"
	"github.com/sirpi/sirpi/internal/memory"
	"github.com/sirpi/sirpi/internal/sandbox"
	"github.com/sirpi/sirpi/internal/store"
	"github.com/sirpi/sirpi/internal/syncx"
	"github.com/sirpi/sirpi/pkg/workflow"
)

// retention keeps finished sessions queryable before they are reaped.
const retention = 30 * time.Minute

// courtesyWait spaces consecutive agent calls to stay under the reasoning
// service's burst limits.
const courtesyWait = 3 * time.Second

// Session is one live workflow.
type Session struct {
	ID        string
	ProjectID string
	UserID    string
	Owner     string
	Repo      string
	Shape     workflow.Shape
	Log       *LogBuffer
	CreatedAt time.Time

	mu       sync.Mutex
	status   workflow.Status
	errDesc  string
	files    []workflow.File
	links    map[string]string
	updated  time.Time
	finished time.Time
}

// Status returns the current lifecycle state and error description.
func (s *Session) Status() (workflow.Status, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.errDesc
}

// Files returns the artifacts produced so far.
func (s *Session) Files() []workflow.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]workflow.File, len(s.files))
	copy(out, s.files)
	return out
}

func (s *Session) setFiles(files []workflow.File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = files
}

// Links returns the read links issued for the stored artifact bundle.
func (s *Session) Links() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.links))
	for k, v := range s.links {
		out[k] = v
	}
	return out
}

func (s *Session) setLinks(links map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = links
}

// SourceHost is the repository surface the engine drives directly.
type SourceHost interface {
	inspector.Host
	EnsureBranch(ctx context.Context, owner, repo string) (string, error)
	CommitFiles(ctx context.Context, owner, repo, branch string, files []workflow.File) error
	OpenPullRequest(ctx context.Context, owner, repo, title, body string) (*github.PullRequest, error)
}

// Agents names the remote agent variants the pipelines invoke.
type Agents struct {
	Analyzer  agentgw.Agent
	RecipeGen agentgw.Agent
}

// Datastore is the durable-state surface the engine writes through.
type Datastore interface {
	SetProjectStatus(ctx context.Context, id string, status workflow.Status, errDesc string) error
	SetProjectOutputs(ctx context.Context, id, applicationURL string, outputs, summary any) error
	ClearProjectOutputs(ctx context.Context, id string) error
	SaveGeneration(ctx context.Context, g store.Generation) error
	LatestGeneration(ctx context.Context, projectID string) (store.Generation, error)
	BeginOperation(ctx context.Context, op store.Operation) error
	FinishOperation(ctx context.Context, id, status, errDesc string) error
}

// ArtifactStore is the generated-artifact surface the engine uses.
type ArtifactStore interface {
	SaveBundle(ctx context.Context, owner, repo string, files []workflow.File) (map[string]string, error)
	PresignedLinks(ctx context.Context, owner, repo string, files []workflow.File) (map[string]string, error)
	LoadRecipe(ctx context.Context, owner, repo string) (string, error)
	LoadTerraform(ctx context.Context, owner, repo string) (map[string]string, error)
}

// Clients builds per-deployment cloud clients from brokered credentials.
// Deployment resources live in the caller's account, so none of these can be
// process-wide singletons.
type Clients interface {
	ECR(creds broker.Credentials, region string) ECRAPI
	IAM(creds broker.Credentials, region string) IAMAPI
	StateStore(creds broker.Credentials, region string) artifacts.StateAPI
}

// Engine drives all workflow sessions.
type Engine struct {
	Inspector *inspector.Inspector
	Gateway   *agentgw.Gateway
	Agents    Agents
	Memory    *memory.Memory
	Artifacts ArtifactStore
	Broker    *broker.Broker
	Store     Datastore
	Host      SourceHost
	Sandboxes sandbox.Provider
	Pool      *sandbox.Pool
	Clients   Clients
	Region    string

	sessions syncx.Map[string, *Session]
	// sleep is swapped in tests.
	sleep func(time.Duration)
	now   func() time.Time
}

// New wires an Engine. All dependency fields must be set by the caller.
func New(e Engine) *Engine {
	e.sleep = time.Sleep
	e.now = time.Now
	return &e
}

// NewSession registers a session for a project in the pending state.
func (e *Engine) NewSession(projectID, userID, owner, repo string, shape workflow.Shape) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		UserID:    userID,
		Owner:     owner,
		Repo:      repo,
		Shape:     shape,
		Log:       NewLogBuffer(),
		CreatedAt: e.now(),
		status:    workflow.StatusPending,
	}
	e.sessions.Store(s.ID, s)
	return s
}

// RestoreSession registers a session for a project whose pipeline state
// lives only in the store, typically after a service restart. The session
// starts with an empty log; artifacts are reloaded from the artifact store
// on demand.
func (e *Engine) RestoreSession(projectID, userID, owner, repo string, shape workflow.Shape, status workflow.Status) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		UserID:    userID,
		Owner:     owner,
		Repo:      repo,
		Shape:     shape,
		Log:       NewLogBuffer(),
		CreatedAt: e.now(),
		status:    status,
	}
	if status.Terminal() {
		s.finished = e.now()
	}
	e.sessions.Store(s.ID, s)
	return s
}

// Session returns a live session by id.
func (e *Engine) Session(id string) (*Session, bool) {
	return e.sessions.Load(id)
}

// SessionForProject returns the most recent live session for a project.
func (e *Engine) SessionForProject(projectID string) (*Session, bool) {
	var best *Session
	e.sessions.Range(func(_ string, s *Session) bool {
		if s.ProjectID == projectID && (best == nil || s.CreatedAt.After(best.CreatedAt)) {
			best = s
		}
		return true
	})
	return best, best != nil
}

// Reap drops sessions that have been terminal longer than the retention
// window, along with their stage memory.
func (e *Engine) Reap() {
	cutoff := e.now().Add(-retention)
	e.sessions.Range(func(id string, s *Session) bool {
		s.mu.Lock()
		done := s.status.Terminal() && !s.finished.IsZero() && s.finished.Before(cutoff)
		s.mu.Unlock()
		if done {
			e.sessions.Delete(id)
			e.Memory.Drop(s.ID)
		}
		return true
	})
}

// transition moves the session to next, enforcing the state machine, and
// mirrors the change to the relational store.
func (e *Engine) transition(ctx context.Context, s *Session, next workflow.Status) error {
	s.mu.Lock()
	from := s.status
	if !workflow.CanTransition(from, next) {
		s.mu.Unlock()
		return errors.Errorf("illegal transition %s -> %s", from, next)
	}
	s.status = next
	s.errDesc = ""
	s.updated = e.now()
	if next.Terminal() {
		s.finished = e.now()
	} else {
		// a retried operation takes the session out of the reap window
		s.finished = time.Time{}
	}
	s.mu.Unlock()
	s.Log.Append("engine", workflow.SeverityInfo, "status: "+string(next))
	if err := e.Store.SetProjectStatus(ctx, s.ProjectID, next, ""); err != nil {
		// the in-memory machine stays authoritative for the live session
		log.Printf("session %s: persisting status %s: %v", s.ID, next, err)
	}
	return nil
}

// fail moves the session to the given failure status and records the cause.
// Generation failures land in failed; deployment operation failures land in
// deployment_failed, which stays retryable. Failing is stop-the-line: callers
// return immediately after.
func (e *Engine) fail(ctx context.Context, s *Session, to workflow.Status, cause error) {
	desc := cause.Error()
	s.mu.Lock()
	if workflow.CanTransition(s.status, to) {
		s.status = to
		s.errDesc = desc
		s.finished = e.now()
	}
	s.mu.Unlock()
	s.Log.Append("engine", workflow.SeverityError, desc)
	if err := e.Store.SetProjectStatus(ctx, s.ProjectID, to, desc); err != nil {
		log.Printf("session %s: persisting failure: %v", s.ID, err)
	}
}

// MarkReady moves an awaiting-review session to ready-to-deploy, typically
// when the change request is reported merged.
func (e *Engine) MarkReady(ctx context.Context, s *Session) error {
	return e.transition(ctx, s, workflow.StatusReadyToDeploy)
}
