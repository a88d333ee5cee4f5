// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/pkg/errors"

	"github.com/sirpi/sirpi/internal/agentgw"
	"github.com/sirpi/sirpi/internal/artifacts"
	"github.com/sirpi/sirpi/internal/broker"
	"github.com/sirpi/sirpi/internal/github"
	"github.com/sirpi/sirpi/internal/inspector"
	"github.com/sirpi/sirpi/internal/memory"
	"github.com/sirpi/sirpi/internal/sandbox"
	"github.com/sirpi/sirpi/internal/store"
	"github.com/sirpi/sirpi/pkg/workflow"
)

// fakeHost serves a repository from a path->content map and records the
// branch, commits and change request the pipeline produces.

type fakeHost struct {
	files map[string]string

	branches  []string
	committed map[string]string
	prTitle   string
	prBody    string
}

func (h *fakeHost) ListDirectory(_ context.Context, _, _, dir string) ([]workflow.TreeEntry, error) {
	prefix := ""
	if dir != "" {
		prefix = strings.TrimSuffix(dir, "/") + "/"
	}
	seen := map[string]workflow.TreeEntry{}
	for p, content := range h.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			name := rest[:i]
			seen[name] = workflow.TreeEntry{Name: name, Path: prefix + name, Type: workflow.EntryDir}
		} else {
			seen[rest] = workflow.TreeEntry{Name: rest, Path: p, Type: workflow.EntryFile, Size: len(content)}
		}
	}
	out := make([]workflow.TreeEntry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (h *fakeHost) ReadFile(_ context.Context, _, _, path string) (string, bool, error) {
	content, ok := h.files[path]
	return content, ok, nil
}

func (h *fakeHost) EnsureBranch(_ context.Context, _, _ string) (string, error) {
	h.branches = append(h.branches, github.WorkBranch)
	return github.WorkBranch, nil
}

func (h *fakeHost) CommitFiles(_ context.Context, _, _, _ string, files []workflow.File) error {
	if h.committed == nil {
		h.committed = map[string]string{}
	}
	for _, f := range files {
		h.committed[f.Name] = f.Content
	}
	return nil
}

func (h *fakeHost) OpenPullRequest(_ context.Context, _, _, title, body string) (*github.PullRequest, error) {
	h.prTitle, h.prBody = title, body
	return &github.PullRequest{Number: 7, URL: "https://github.test/acme/demo/pull/7"}, nil
}

type fakeStream struct {
	data string
	done bool
}

func (s *fakeStream) Recv() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	return []byte(s.data), nil
}

func (s *fakeStream) Close() error { return nil }

type fakeRuntime struct {
	responses map[string]string
	errs      map[string]error
	calls     map[string]int
}

func (r *fakeRuntime) InvokeAgent(_ context.Context, agentID, _, _, _ string) (agentgw.ChunkStream, error) {
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[agentID]++
	if err := r.errs[agentID]; err != nil {
		return nil, err
	}
	return &fakeStream{data: r.responses[agentID]}, nil
}

type savedOutputs struct {
	url     string
	outputs any
	summary any
}

type fakeDatastore struct {
	statuses []workflow.Status
	lastErr  string
	gens     []store.Generation
	latest   store.Generation
	latestOK bool
	ops      map[string]string // id -> kind
	opStates map[string]string // id -> final status
	outputs  *savedOutputs
	cleared  bool
}

func (d *fakeDatastore) SetProjectStatus(_ context.Context, _ string, status workflow.Status, errDesc string) error {
	d.statuses = append(d.statuses, status)
	d.lastErr = errDesc
	return nil
}

func (d *fakeDatastore) SetProjectOutputs(_ context.Context, _, applicationURL string, outputs, summary any) error {
	d.outputs = &savedOutputs{url: applicationURL, outputs: outputs, summary: summary}
	return nil
}

func (d *fakeDatastore) ClearProjectOutputs(_ context.Context, _ string) error {
	d.cleared = true
	return nil
}

func (d *fakeDatastore) SaveGeneration(_ context.Context, g store.Generation) error {
	d.gens = append(d.gens, g)
	return nil
}

func (d *fakeDatastore) LatestGeneration(_ context.Context, _ string) (store.Generation, error) {
	if !d.latestOK {
		return store.Generation{}, errors.New("no generation")
	}
	return d.latest, nil
}

func (d *fakeDatastore) BeginOperation(_ context.Context, op store.Operation) error {
	if d.ops == nil {
		d.ops = map[string]string{}
	}
	d.ops[op.ID] = op.Kind
	return nil
}

func (d *fakeDatastore) FinishOperation(_ context.Context, id, status, _ string) error {
	if d.opStates == nil {
		d.opStates = map[string]string{}
	}
	d.opStates[id] = status
	return nil
}

type fakeArtifacts struct {
	saved     []workflow.File
	recipe    string
	terraform map[string]string
}

func (a *fakeArtifacts) SaveBundle(_ context.Context, _, _ string, files []workflow.File) (map[string]string, error) {
	a.saved = files
	versions := map[string]string{}
	for _, f := range files {
		versions[f.Name] = "v1"
	}
	return versions, nil
}

func (a *fakeArtifacts) PresignedLinks(_ context.Context, _, _ string, files []workflow.File) (map[string]string, error) {
	links := map[string]string{}
	for _, f := range files {
		links[f.Name] = "https://links.test/" + f.Name
	}
	return links, nil
}

func (a *fakeArtifacts) LoadRecipe(_ context.Context, _, _ string) (string, error) {
	return a.recipe, nil
}

func (a *fakeArtifacts) LoadTerraform(_ context.Context, _, _ string) (map[string]string, error) {
	return a.terraform, nil
}

type fakeSTS struct{}

func (fakeSTS) AssumeRole(_ context.Context, _ *sts.AssumeRoleInput, _ ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	exp := time.Now().Add(time.Hour)
	return &sts.AssumeRoleOutput{
		AssumedRoleUser: &ststypes.AssumedRoleUser{
			Arn: aws.String("arn:aws:sts::210987654321:assumed-role/SirpiDeploy/session"),
		},
		Credentials: &ststypes.Credentials{
			AccessKeyId:     aws.String("AKIDTEST"),
			SecretAccessKey: aws.String("secret"),
			SessionToken:    aws.String("token"),
			Expiration:      &exp,
		},
	}, nil
}

type fakeECR struct {
	names []string
	err   error
}

func (f *fakeECR) CreateRepository(_ context.Context, in *ecr.CreateRepositoryInput, _ ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error) {
	f.names = append(f.names, aws.ToString(in.RepositoryName))
	if f.err != nil {
		return nil, f.err
	}
	return &ecr.CreateRepositoryOutput{}, nil
}

type fakeIAM struct {
	services []string
}

func (f *fakeIAM) CreateServiceLinkedRole(_ context.Context, in *iam.CreateServiceLinkedRoleInput, _ ...func(*iam.Options)) (*iam.CreateServiceLinkedRoleOutput, error) {
	f.services = append(f.services, aws.ToString(in.AWSServiceName))
	return &iam.CreateServiceLinkedRoleOutput{}, nil
}

type stateObject struct {
	key     string
	version string
	marker  bool
}

type fakeState struct {
	objects []stateObject
}

func (f *fakeState) ListObjectVersions(_ context.Context, in *s3.ListObjectVersionsInput, _ ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error) {
	out := &s3.ListObjectVersionsOutput{IsTruncated: aws.Bool(false)}
	for _, o := range f.objects {
		if !strings.HasPrefix(o.key, aws.ToString(in.Prefix)) {
			continue
		}
		if o.marker {
			out.DeleteMarkers = append(out.DeleteMarkers, s3types.DeleteMarkerEntry{
				Key: aws.String(o.key), VersionId: aws.String(o.version),
			})
		} else {
			out.Versions = append(out.Versions, s3types.ObjectVersion{
				Key: aws.String(o.key), VersionId: aws.String(o.version),
			})
		}
	}
	return out, nil
}

func (f *fakeState) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	kept := f.objects[:0]
	for _, o := range f.objects {
		if o.key == aws.ToString(in.Key) && o.version == aws.ToString(in.VersionId) {
			continue
		}
		kept = append(kept, o)
	}
	f.objects = kept
	return &s3.DeleteObjectOutput{}, nil
}

type fakeClients struct {
	ecr   *fakeECR
	iam   *fakeIAM
	state *fakeState
}

func (c *fakeClients) ECR(_ broker.Credentials, _ string) ECRAPI              { return c.ecr }
func (c *fakeClients) IAM(_ broker.Credentials, _ string) IAMAPI              { return c.iam }
func (c *fakeClients) StateStore(_ broker.Credentials, _ string) artifacts.StateAPI {
	return c.state
}

// fakeSandbox answers commands by longest matching substring.

type fakeSandbox struct {
	writes   map[string]string
	commands []string
	timeouts map[string]time.Duration
	respond  func(command string) sandbox.ExecResult
	killed   bool
}

func (f *fakeSandbox) ID() string { return "sb-1" }

func (f *fakeSandbox) WriteFile(_ context.Context, path, content string) error {
	if f.writes == nil {
		f.writes = map[string]string{}
	}
	f.writes[path] = content
	return nil
}

func (f *fakeSandbox) Run(_ context.Context, command string, timeout time.Duration, observer sandbox.LineObserver) (sandbox.ExecResult, error) {
	f.commands = append(f.commands, command)
	if f.timeouts == nil {
		f.timeouts = map[string]time.Duration{}
	}
	f.timeouts[command] = timeout
	res := f.respond(command)
	if observer != nil {
		for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
			if line != "" {
				observer(sandbox.Stdout, line)
			}
		}
	}
	return res, nil
}

func (f *fakeSandbox) Kill(_ context.Context) error {
	f.killed = true
	return nil
}

type fakeProvider struct {
	sb *fakeSandbox
}

func (p *fakeProvider) Create(_ context.Context) (sandbox.Sandbox, error) { return p.sb, nil }

type testEnv struct {
	eng      *Engine
	host     *fakeHost
	runtime  *fakeRuntime
	ds       *fakeDatastore
	art      *fakeArtifacts
	clients  *fakeClients
	provider *fakeProvider
}

const (
	analyzerID = "analyzer-id"
	recipeID   = "recipe-id"
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		host:     &fakeHost{files: map[string]string{}},
		runtime:  &fakeRuntime{responses: map[string]string{}, errs: map[string]error{}},
		ds:       &fakeDatastore{},
		art:      &fakeArtifacts{},
		clients:  &fakeClients{ecr: &fakeECR{}, iam: &fakeIAM{}, state: &fakeState{}},
		provider: &fakeProvider{sb: &fakeSandbox{}},
	}
	pool := sandbox.NewPool(1)
	env.eng = New(Engine{
		Inspector: &inspector.Inspector{Host: env.host},
		Gateway:   agentgw.NewGateway(env.runtime),
		Agents: Agents{
			Analyzer:  agentgw.Agent{Name: "context-analyzer", ID: analyzerID, AliasID: "a"},
			RecipeGen: agentgw.Agent{Name: "dockerfile-generator", ID: recipeID, AliasID: "a"},
		},
		Memory:    memory.New(),
		Artifacts: env.art,
		Broker:    broker.New(fakeSTS{}, "111111111111", "https://templates.test/sirpi.yaml", "us-east-1"),
		Store:     env.ds,
		Host:      env.host,
		Sandboxes: env.provider,
		Pool:      pool,
		Clients:   env.clients,
		Region:    "us-east-1",
	})
	env.eng.sleep = func(time.Duration) {}
	return env
}

func pythonRepo() map[string]string {
	return map[string]string{
		"app.py":           "print('hi')",
		"main.py":          "print('hi')",
		"requirements.txt": "flask\ngunicorn\n",
	}
}

const agentDockerfile = "```dockerfile\n" +
	"FROM python:3.12-slim AS builder\n" +
	"WORKDIR /app\n" +
	"COPY requirements.txt .\n" +
	"RUN pip install --no-cache-dir -r requirements.txt\n" +
	"COPY . .\n" +
	"RUN useradd --system app\n" +
	"USER app\n" +
	"EXPOSE 8000\n" +
	"CMD [\"python\", \"main.py\"]\n" +
	"```"

func TestGenerateHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.host.files = pythonRepo()
	env.runtime.responses[analyzerID] = `{"language":"python","framework":"flask","ports":[8000],"health_check_path":"/healthz"}`
	env.runtime.responses[recipeID] = agentDockerfile

	s := env.eng.NewSession("p1", "user-1", "acme", "demo", workflow.ContainerService)
	env.eng.Generate(context.Background(), s)

	status, errDesc := s.Status()
	if status != workflow.StatusAwaitingReview {
		t.Fatalf("status = %s (%s)", status, errDesc)
	}
	wantStatuses := []workflow.Status{workflow.StatusAnalyzing, workflow.StatusGenerating, workflow.StatusAwaitingReview}
	if len(env.ds.statuses) != len(wantStatuses) {
		t.Fatalf("persisted statuses = %v", env.ds.statuses)
	}
	for i, want := range wantStatuses {
		if env.ds.statuses[i] != want {
			t.Errorf("statuses[%d] = %s, want %s", i, env.ds.statuses[i], want)
		}
	}

	var haveRecipe, haveBackend bool
	for _, f := range env.art.saved {
		switch {
		case f.Kind == workflow.KindContainerRecipe:
			haveRecipe = true
			if !strings.HasPrefix(f.Content, "FROM python:3.12-slim") {
				t.Errorf("stored recipe starts %q", f.Content[:40])
			}
		case f.Name == "backend.tf":
			haveBackend = true
		}
	}
	if !haveRecipe || !haveBackend {
		t.Errorf("saved bundle missing recipe=%v backend=%v", haveRecipe, haveBackend)
	}

	if links := s.Links(); links["Dockerfile"] == "" {
		t.Errorf("artifact links = %v", links)
	}

	if _, ok := env.host.committed["Dockerfile"]; !ok {
		t.Error("Dockerfile not committed")
	}
	if _, ok := env.host.committed["terraform/backend.tf"]; !ok {
		t.Error("terraform files not committed under terraform/")
	}
	if env.host.prTitle != "Add deployment configuration for demo" {
		t.Errorf("pr title = %q", env.host.prTitle)
	}

	if len(env.ds.gens) != 1 {
		t.Fatalf("generations = %d", len(env.ds.gens))
	}
	gen := env.ds.gens[0]
	if gen.PRNumber != 7 || gen.MemoryID != env.eng.Memory.ID() || gen.SessionID != s.ID {
		t.Errorf("generation = %+v", gen)
	}

	for _, key := range []string{"github-analysis", "repository-context", "dockerfile", "terraform"} {
		if ok, _ := env.eng.Memory.Retrieve(s.ID, key, nil, "test"); !ok {
			t.Errorf("memory missing %q", key)
		}
	}
}

func TestGenerateReusesCompleteDockerfile(t *testing.T) {
	env := newTestEnv(t)
	existing := "FROM python:3.12-slim\nWORKDIR /app\nCOPY requirements.txt .\nRUN pip install -r requirements.txt\nCOPY . .\nUSER nobody\nEXPOSE 8000\nCMD [\"python\", \"main.py\"]\n"
	env.host.files = pythonRepo()
	env.host.files["Dockerfile"] = existing
	env.runtime.responses[analyzerID] = `{"language":"python","ports":[8000]}`
	env.runtime.errs[recipeID] = errors.New("generator must not be called")

	s := env.eng.NewSession("p1", "user-1", "acme", "demo", workflow.ContainerService)
	env.eng.Generate(context.Background(), s)

	if status, errDesc := s.Status(); status != workflow.StatusAwaitingReview {
		t.Fatalf("status = %s (%s)", status, errDesc)
	}
	if env.runtime.calls[recipeID] != 0 {
		t.Errorf("generator invoked %d times", env.runtime.calls[recipeID])
	}
	if got := env.host.committed["Dockerfile"]; got != existing {
		t.Errorf("committed Dockerfile does not match existing one:\n%s", got)
	}
}

func TestGenerateFailureStopsTheLine(t *testing.T) {
	env := newTestEnv(t)
	env.host.files = pythonRepo()
	env.runtime.errs[analyzerID] = errors.New("model endpoint unreachable")

	s := env.eng.NewSession("p1", "user-1", "acme", "demo", workflow.ContainerService)
	env.eng.Generate(context.Background(), s)

	status, errDesc := s.Status()
	if status != workflow.StatusFailed {
		t.Fatalf("status = %s", status)
	}
	if !strings.Contains(errDesc, "model endpoint unreachable") {
		t.Errorf("errDesc = %q", errDesc)
	}
	if env.host.prTitle != "" {
		t.Error("change request opened after failure")
	}
	if len(env.art.saved) != 0 {
		t.Error("artifacts stored before any were produced")
	}
	if last := env.ds.statuses[len(env.ds.statuses)-1]; last != workflow.StatusFailed {
		t.Errorf("last persisted status = %s", last)
	}
}

func TestGenerateRejectedRecipeKeepsArtifacts(t *testing.T) {
	env := newTestEnv(t)
	env.host.files = pythonRepo()
	env.runtime.responses[analyzerID] = `{"language":"python","framework":"flask","ports":[8000]}`
	env.runtime.responses[recipeID] = "```dockerfile\n" +
		"FROM python:3.12-slim\n" +
		"WORKDIR /app\n" +
		"COPY . .\n" +
		"# TODO pin versions\n" +
		"CMD [\"python\", \"main.py\"]\n" +
		"```"

	s := env.eng.NewSession("p1", "user-1", "acme", "demo", workflow.ContainerService)
	env.eng.Generate(context.Background(), s)

	status, errDesc := s.Status()
	if status != workflow.StatusFailed {
		t.Fatalf("status = %s", status)
	}
	if !strings.Contains(errDesc, "forbidden term") {
		t.Errorf("errDesc = %q", errDesc)
	}
	// a rejected bundle stays inspectable
	if len(env.art.saved) == 0 {
		t.Fatal("rejected bundle was not stored")
	}
	if len(s.Files()) == 0 {
		t.Error("rejected bundle missing from session")
	}
	if env.host.prTitle != "" {
		t.Error("change request opened for rejected bundle")
	}
}

func deployResponder(applyStdout, outputJSON string) func(string) sandbox.ExecResult {
	return func(command string) sandbox.ExecResult {
		switch {
		case strings.HasPrefix(command, "command -v"):
			return sandbox.ExecResult{ExitCode: 0}
		case strings.Contains(command, "terraform output"):
			return sandbox.ExecResult{ExitCode: 0, Stdout: outputJSON}
		case strings.Contains(command, "terraform apply"):
			return sandbox.ExecResult{ExitCode: 0, Stdout: applyStdout}
		default:
			return sandbox.ExecResult{ExitCode: 0}
		}
	}
}

func verifiedConn() broker.Connection {
	return broker.Connection{
		UserID:     "user-1",
		RoleARN:    "arn:aws:iam::210987654321:role/SirpiDeploy",
		ExternalID: "nonce",
		AccountID:  "210987654321",
		Status:     broker.StatusVerified,
	}
}

func deployableSession(env *testEnv) *Session {
	s := env.eng.NewSession("p1", "user-1", "acme", "demo", workflow.ContainerService)
	s.status = workflow.StatusReadyToDeploy
	s.setFiles([]workflow.File{
		{Name: "Dockerfile", Content: "FROM python:3.12-slim\nWORKDIR /app\nCOPY . .\nCMD [\"python\", \"main.py\"]\n", Kind: workflow.KindContainerRecipe},
		{Name: "main.tf", Content: "resource \"aws_ecs_service\" \"app\" {}\n", Kind: workflow.KindInfraCode},
	})
	return s
}

func TestDeployHappyPath(t *testing.T) {
	env := newTestEnv(t)
	applyOut := "aws_lb.app: Creation complete after 2m10s [id=app-lb]\n" +
		"aws_ecs_service.app: Creation complete after 1m2s [id=app]\n" +
		"Apply complete! Resources: 2 added, 0 changed, 0 destroyed.\n"
	env.provider.sb.respond = deployResponder(applyOut, `{"application_url":{"value":"http://demo.example.test"}}`)

	s := deployableSession(env)
	if err := env.eng.Deploy(context.Background(), s, verifiedConn()); err != nil {
		t.Fatal(err)
	}
	env.eng.Pool.Close()

	status, errDesc := s.Status()
	if status != workflow.StatusCompleted {
		t.Fatalf("status = %s (%s)", status, errDesc)
	}

	sb := env.provider.sb
	if !strings.Contains(sb.writes[sandbox.CredsPath], "AKIDTEST") {
		t.Error("credentials file not written to sandbox")
	}
	if !strings.Contains(sb.writes["/home/user/terraform/backend.tf"], "sirpi-terraform-states-210987654321") {
		t.Errorf("backend not rewritten for caller account:\n%s", sb.writes["/home/user/terraform/backend.tf"])
	}
	if sb.writes["/home/user/app/Dockerfile"] == "" {
		t.Error("Dockerfile not uploaded")
	}
	for cmd, timeout := range sb.timeouts {
		if strings.Contains(cmd, "docker build") && timeout != sandbox.MaxTimeout {
			t.Errorf("build timeout = %v, want %v", timeout, sandbox.MaxTimeout)
		}
	}
	if !sb.killed {
		t.Error("sandbox not released")
	}

	if len(env.clients.ecr.names) != 1 || env.clients.ecr.names[0] != "demo" {
		t.Errorf("ecr repositories = %v", env.clients.ecr.names)
	}
	if len(env.clients.iam.services) != 1 || env.clients.iam.services[0] != "ecs.amazonaws.com" {
		t.Errorf("service-linked roles = %v", env.clients.iam.services)
	}

	if env.ds.outputs == nil || env.ds.outputs.url != "http://demo.example.test" {
		t.Fatalf("outputs = %+v", env.ds.outputs)
	}

	var opID string
	for id, kind := range env.ds.ops {
		if kind == workflow.OpDeploy {
			opID = id
		}
	}
	if opID == "" || env.ds.opStates[opID] != "succeeded" {
		t.Errorf("operation record = %v / %v", env.ds.ops, env.ds.opStates)
	}

	wantStatuses := []workflow.Status{workflow.StatusBuilding, workflow.StatusPlanning, workflow.StatusApplying, workflow.StatusCompleted}
	if len(env.ds.statuses) != len(wantStatuses) {
		t.Fatalf("persisted statuses = %v", env.ds.statuses)
	}
	for i, want := range wantStatuses {
		if env.ds.statuses[i] != want {
			t.Errorf("statuses[%d] = %s, want %s", i, env.ds.statuses[i], want)
		}
	}
}

func TestDeployBuildFailure(t *testing.T) {
	env := newTestEnv(t)
	env.provider.sb.respond = func(command string) sandbox.ExecResult {
		if strings.Contains(command, "docker build") {
			return sandbox.ExecResult{ExitCode: 1, Stderr: "no space left on device"}
		}
		return sandbox.ExecResult{ExitCode: 0}
	}

	s := deployableSession(env)
	if err := env.eng.Deploy(context.Background(), s, verifiedConn()); err != nil {
		t.Fatal(err)
	}
	env.eng.Pool.Close()

	status, errDesc := s.Status()
	if status != workflow.StatusDeploymentFailed {
		t.Fatalf("status = %s", status)
	}
	if !strings.Contains(errDesc, "build and push exited 1") {
		t.Errorf("errDesc = %q", errDesc)
	}
	if !env.provider.sb.killed {
		t.Error("sandbox leaked after failure")
	}
	for id, kind := range env.ds.ops {
		if kind == workflow.OpDeploy && env.ds.opStates[id] != "failed" {
			t.Errorf("operation state = %q", env.ds.opStates[id])
		}
	}
}

func TestBuildImageOperation(t *testing.T) {
	env := newTestEnv(t)
	env.provider.sb.respond = deployResponder("", "{}")

	s := deployableSession(env)
	if err := env.eng.BuildImage(context.Background(), s, verifiedConn()); err != nil {
		t.Fatal(err)
	}
	env.eng.Pool.Close()

	if status, errDesc := s.Status(); status != workflow.StatusReadyToDeploy {
		t.Fatalf("status = %s (%s)", status, errDesc)
	}
	if len(env.clients.ecr.names) != 1 || env.clients.ecr.names[0] != "demo" {
		t.Errorf("ecr repositories = %v", env.clients.ecr.names)
	}
	for _, cmd := range env.provider.sb.commands {
		if strings.Contains(cmd, "terraform init") {
			t.Errorf("terraform ran during image build: %q", cmd)
		}
	}
	var kinds []string
	for _, kind := range env.ds.ops {
		kinds = append(kinds, kind)
	}
	if len(kinds) != 1 || kinds[0] != workflow.OpBuildImage {
		t.Errorf("operations = %v", kinds)
	}
}

func TestPlanOperation(t *testing.T) {
	env := newTestEnv(t)
	env.provider.sb.respond = deployResponder("", "{}")

	s := deployableSession(env)
	if err := env.eng.Plan(context.Background(), s, verifiedConn()); err != nil {
		t.Fatal(err)
	}
	env.eng.Pool.Close()

	if status, errDesc := s.Status(); status != workflow.StatusReadyToDeploy {
		t.Fatalf("status = %s (%s)", status, errDesc)
	}
	var planned bool
	for _, cmd := range env.provider.sb.commands {
		if strings.Contains(cmd, "terraform plan") {
			planned = true
		}
		if strings.Contains(cmd, "terraform apply") || strings.Contains(cmd, "docker build") {
			t.Errorf("plan ran %q", cmd)
		}
	}
	if !planned {
		t.Error("terraform plan never ran")
	}
	if len(env.clients.ecr.names) != 0 {
		t.Errorf("ecr repositories created during plan: %v", env.clients.ecr.names)
	}
	for id, kind := range env.ds.ops {
		if kind != workflow.OpPlan || env.ds.opStates[id] != "succeeded" {
			t.Errorf("operation = %s/%s", kind, env.ds.opStates[id])
		}
	}
}

func TestApplyOperation(t *testing.T) {
	env := newTestEnv(t)
	applyOut := "Apply complete! Resources: 2 added, 0 changed, 0 destroyed.\n"
	env.provider.sb.respond = deployResponder(applyOut, `{"application_url":{"value":"http://demo.example.test"}}`)

	s := deployableSession(env)
	if err := env.eng.Apply(context.Background(), s, verifiedConn()); err != nil {
		t.Fatal(err)
	}
	env.eng.Pool.Close()

	if status, errDesc := s.Status(); status != workflow.StatusCompleted {
		t.Fatalf("status = %s (%s)", status, errDesc)
	}
	if env.ds.outputs == nil || env.ds.outputs.url != "http://demo.example.test" {
		t.Fatalf("outputs = %+v", env.ds.outputs)
	}
	for _, cmd := range env.provider.sb.commands {
		if strings.Contains(cmd, "docker build") {
			t.Errorf("apply ran %q", cmd)
		}
	}
	for id, kind := range env.ds.ops {
		if kind != workflow.OpApply || env.ds.opStates[id] != "succeeded" {
			t.Errorf("operation = %s/%s", kind, env.ds.opStates[id])
		}
	}
	wantStatuses := []workflow.Status{workflow.StatusApplying, workflow.StatusCompleted}
	if len(env.ds.statuses) != len(wantStatuses) {
		t.Fatalf("persisted statuses = %v", env.ds.statuses)
	}
	for i, want := range wantStatuses {
		if env.ds.statuses[i] != want {
			t.Errorf("statuses[%d] = %s, want %s", i, env.ds.statuses[i], want)
		}
	}
}

func TestRetryAfterDeploymentFailure(t *testing.T) {
	env := newTestEnv(t)
	applyOut := "Apply complete! Resources: 1 added, 0 changed, 0 destroyed.\n"
	env.provider.sb.respond = deployResponder(applyOut, `{"application_url":{"value":"http://demo.example.test"}}`)

	s := deployableSession(env)
	s.status = workflow.StatusDeploymentFailed
	s.errDesc = "terraform apply exited 1"
	if err := env.eng.Apply(context.Background(), s, verifiedConn()); err != nil {
		t.Fatal(err)
	}
	env.eng.Pool.Close()

	status, errDesc := s.Status()
	if status != workflow.StatusCompleted {
		t.Fatalf("status = %s (%s)", status, errDesc)
	}
	if errDesc != "" {
		t.Errorf("stale error description %q survived retry", errDesc)
	}
}

func TestDestroyPurgesStateAndOutputs(t *testing.T) {
	env := newTestEnv(t)
	env.provider.sb.respond = deployResponder("", "{}")
	env.clients.state.objects = []stateObject{
		{key: "states/p1/terraform.tfstate", version: "v1"},
		{key: "states/p1/terraform.tfstate", version: "v2"},
		{key: "states/p1/terraform.tfstate", version: "v3", marker: true},
		{key: "states/other/terraform.tfstate", version: "v1"},
	}

	s := deployableSession(env)
	s.status = workflow.StatusCompleted
	if err := env.eng.Destroy(context.Background(), s, verifiedConn()); err != nil {
		t.Fatal(err)
	}
	env.eng.Pool.Close()

	if status, errDesc := s.Status(); status != workflow.StatusDestroyed {
		t.Fatalf("status = %s (%s)", status, errDesc)
	}
	if len(env.clients.state.objects) != 1 || env.clients.state.objects[0].key != "states/other/terraform.tfstate" {
		t.Errorf("remaining state objects = %+v", env.clients.state.objects)
	}
	if !env.ds.cleared {
		t.Error("project outputs not cleared")
	}

	var ran bool
	for _, cmd := range env.provider.sb.commands {
		if strings.Contains(cmd, "terraform destroy -auto-approve -no-color") {
			ran = true
		}
	}
	if !ran {
		t.Error("terraform destroy never ran")
	}
}

func TestEnsureRepositoryIgnoresExisting(t *testing.T) {
	client := &fakeECR{err: &ecrtypes.RepositoryAlreadyExistsException{}}
	if err := ensureRepository(context.Background(), client, "acme-demo"); err != nil {
		t.Errorf("existing repository treated as failure: %v", err)
	}
}

func TestParseOutputs(t *testing.T) {
	outputs, url := parseOutputs(`{"application_url":{"value":"http://a.test"},"cluster":{"value":"app"}}`)
	if url != "http://a.test" {
		t.Errorf("url = %q", url)
	}
	if outputs["cluster"] != "app" {
		t.Errorf("outputs = %v", outputs)
	}

	_, url = parseOutputs(`{"alb_url":{"value":"http://b.test"}}`)
	if url != "http://b.test" {
		t.Errorf("fallback url = %q", url)
	}

	if got, _ := parseOutputs("not json"); got != nil {
		t.Errorf("malformed json returned %v", got)
	}
}

func TestAdjustRecipeSwapsAlpineNodeForNextJS(t *testing.T) {
	env := newTestEnv(t)
	env.ds.latestOK = true
	env.ds.latest = store.Generation{RepoContext: []byte(`{"language":"javascript","framework":"nextjs","ports":[3000]}`)}

	s := env.eng.NewSession("p1", "user-1", "acme", "demo", workflow.ContainerService)
	alpine := "FROM node:18-alpine\nWORKDIR /app\nCOPY . .\nCMD [\"node\", \"server.js\"]\n"
	got := env.eng.adjustRecipe(context.Background(), s, alpine)
	if strings.Contains(got, "alpine") {
		t.Errorf("alpine base survived:\n%s", got)
	}
	if !strings.Contains(got, "node:20-slim") {
		t.Errorf("default recipe not substituted:\n%s", got)
	}

	// non-nextjs projects keep their recipe
	env.ds.latest = store.Generation{RepoContext: []byte(`{"language":"javascript","framework":"express"}`)}
	if got := env.eng.adjustRecipe(context.Background(), s, alpine); got != alpine {
		t.Error("express recipe was rewritten")
	}
}

func TestReapDropsExpiredSessions(t *testing.T) {
	env := newTestEnv(t)
	s := env.eng.NewSession("p1", "user-1", "acme", "demo", workflow.ContainerService)
	if err := env.eng.Memory.Store(s.ID, "dockerfile", "FROM scratch", "test"); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	s.status = workflow.StatusCompleted
	s.finished = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	env.eng.Reap()
	if _, ok := env.eng.Session(s.ID); ok {
		t.Error("expired session survived reap")
	}
	if ok, _ := env.eng.Memory.Retrieve(s.ID, "dockerfile", nil, "test"); ok {
		t.Error("stage memory survived reap")
	}
}

func TestReapKeepsLiveSessions(t *testing.T) {
	env := newTestEnv(t)
	s := env.eng.NewSession("p1", "user-1", "acme", "demo", workflow.ContainerService)
	env.eng.Reap()
	if _, ok := env.eng.Session(s.ID); !ok {
		t.Error("live session reaped")
	}
}

func TestSessionForProjectReturnsLatest(t *testing.T) {
	env := newTestEnv(t)
	old := env.eng.NewSession("p1", "user-1", "acme", "demo", workflow.ContainerService)
	old.CreatedAt = time.Now().Add(-time.Minute)
	latest := env.eng.NewSession("p1", "user-1", "acme", "demo", workflow.ContainerService)

	got, ok := env.eng.SessionForProject("p1")
	if !ok || got.ID != latest.ID {
		t.Errorf("SessionForProject = %v, want %s", got, latest.ID)
	}
	if _, ok := env.eng.SessionForProject("p2"); ok {
		t.Error("unknown project returned a session")
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	env := newTestEnv(t)
	s := env.eng.NewSession("p1", "user-1", "acme", "demo", workflow.ContainerService)
	if err := env.eng.transition(context.Background(), s, workflow.StatusApplying); err == nil {
		t.Error("pending -> applying allowed")
	}
}
