// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sirpi/sirpi/internal/artifacts"
	"github.com/sirpi/sirpi/internal/broker"
	"github.com/sirpi/sirpi/internal/sandbox"
	"github.com/sirpi/sirpi/internal/store"
	"github.com/sirpi/sirpi/internal/summary"
	"github.com/sirpi/sirpi/pkg/infra"
	"github.com/sirpi/sirpi/pkg/recipe"
	"github.com/sirpi/sirpi/pkg/workflow"
)

// Sandbox working directories. The app tree holds the Dockerfile and build
// context, the terraform tree holds the bundle with its rewritten backend.
const (
	appDir       = "/home/user/app"
	terraformDir = "/home/user/terraform"
)

// Deploy queues the full build-plan-apply pipeline for a reviewed session.
// The pipeline runs on the sandbox pool; progress lands in the session log.
func (e *Engine) Deploy(ctx context.Context, s *Session, conn broker.Connection) error {
	return e.submitOperation(ctx, s, conn, workflow.OpDeploy, e.deploy)
}

// BuildImage queues just the image build-and-push step. The session returns
// to ready-to-deploy on success, so plan and apply can follow separately.
func (e *Engine) BuildImage(ctx context.Context, s *Session, conn broker.Connection) error {
	return e.submitOperation(ctx, s, conn, workflow.OpBuildImage, e.buildImage)
}

// Plan queues a standalone terraform plan. A failed plan leaves any prior
// apply untouched; the session returns to ready-to-deploy on success.
func (e *Engine) Plan(ctx context.Context, s *Session, conn broker.Connection) error {
	return e.submitOperation(ctx, s, conn, workflow.OpPlan, e.plan)
}

// Apply queues a standalone terraform apply against the stored bundle.
func (e *Engine) Apply(ctx context.Context, s *Session, conn broker.Connection) error {
	return e.submitOperation(ctx, s, conn, workflow.OpApply, e.apply)
}

// Destroy queues teardown of a project's deployed infrastructure, including
// its remote state.
func (e *Engine) Destroy(ctx context.Context, s *Session, conn broker.Connection) error {
	return e.submitOperation(ctx, s, conn, workflow.OpDestroy, e.destroy)
}

// submitOperation queues one deployment sub-operation on the sandbox pool
// under its own operation record. Failures move the session to
// deployment_failed, which stays retryable.
func (e *Engine) submitOperation(ctx context.Context, s *Session, conn broker.Connection, kind string, run func(context.Context, *Session, broker.Connection) error) error {
	return e.Pool.Submit(ctx, func(ctx context.Context) {
		opID := uuid.NewString()
		if err := e.Store.BeginOperation(ctx, store.Operation{ID: opID, ProjectID: s.ProjectID, Kind: kind}); err != nil {
			e.fail(ctx, s, workflow.StatusDeploymentFailed, err)
			return
		}
		if err := run(ctx, s, conn); err != nil {
			e.fail(ctx, s, workflow.StatusDeploymentFailed, err)
			e.finishOperation(ctx, opID, "failed", err.Error())
			return
		}
		e.finishOperation(ctx, opID, "succeeded", "")
	})
}

// opEnv is the shared ground every deployment sub-operation runs on: brokered
// credentials, the artifact bundle with its backend rewritten to the caller's
// account, and a tooled sandbox.
type opEnv struct {
	creds     broker.Credentials
	recipe    string
	terraform map[string]string
	sb        sandbox.Sandbox
	observer  sandbox.LineObserver
}

func (e *Engine) openEnv(ctx context.Context, s *Session, conn broker.Connection, withRecipe bool) (*opEnv, func(), error) {
	creds, err := e.Broker.Assume(ctx, conn)
	if err != nil {
		return nil, nil, err
	}
	recipeText, terraform, err := e.loadArtifacts(ctx, s)
	if err != nil {
		return nil, nil, err
	}
	if withRecipe {
		recipeText = e.adjustRecipe(ctx, s, recipeText)
	}

	// State always lands in the caller's account bucket, whatever backend
	// the stored bundle carries.
	backend, err := infra.BackendOnly(infra.Params{
		ProjectID: s.ProjectID,
		AppName:   appName(s.Repo),
		Region:    e.Region,
		AccountID: conn.AccountID,
	})
	if err != nil {
		return nil, nil, err
	}
	terraform["backend.tf"] = backend

	sb, err := e.Sandboxes.Create(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating sandbox")
	}
	closer := func() {
		if err := sb.Kill(context.WithoutCancel(ctx)); err != nil {
			s.Log.Append("sandbox", workflow.SeverityWarn, "releasing sandbox: "+err.Error())
		}
	}
	s.Log.Append("sandbox", workflow.SeverityInfo, "sandbox "+sb.ID()+" ready")

	env := &opEnv{creds: creds, recipe: recipeText, terraform: terraform, sb: sb, observer: e.lineObserver(s)}
	if err := sandbox.InstallTools(ctx, sb, env.observer); err != nil {
		closer()
		return nil, nil, err
	}
	if err := sandbox.WriteCredentials(ctx, sb, broker.EnvFile(creds, e.Region)); err != nil {
		closer()
		return nil, nil, err
	}
	return env, closer, nil
}

func (e *Engine) uploadTerraform(ctx context.Context, env *opEnv) error {
	for name, content := range env.terraform {
		if err := env.sb.WriteFile(ctx, terraformDir+"/"+name, content); err != nil {
			return errors.Wrapf(err, "uploading %s", name)
		}
	}
	return nil
}

func (e *Engine) deploy(ctx context.Context, s *Session, conn broker.Connection) error {
	if err := e.transition(ctx, s, workflow.StatusBuilding); err != nil {
		return err
	}
	env, closer, err := e.openEnv(ctx, s, conn, true)
	if err != nil {
		return err
	}
	defer closer()
	if err := e.buildPush(ctx, s, env, conn); err != nil {
		return err
	}
	if err := e.transition(ctx, s, workflow.StatusPlanning); err != nil {
		return err
	}
	if err := e.uploadTerraform(ctx, env); err != nil {
		return err
	}
	if err := e.planStep(ctx, s, env); err != nil {
		return err
	}
	if err := e.transition(ctx, s, workflow.StatusApplying); err != nil {
		return err
	}
	if err := e.applyStep(ctx, s, env); err != nil {
		return err
	}
	return e.transition(ctx, s, workflow.StatusCompleted)
}

func (e *Engine) buildImage(ctx context.Context, s *Session, conn broker.Connection) error {
	if err := e.transition(ctx, s, workflow.StatusBuilding); err != nil {
		return err
	}
	env, closer, err := e.openEnv(ctx, s, conn, true)
	if err != nil {
		return err
	}
	defer closer()
	if err := e.buildPush(ctx, s, env, conn); err != nil {
		return err
	}
	return e.transition(ctx, s, workflow.StatusReadyToDeploy)
}

func (e *Engine) plan(ctx context.Context, s *Session, conn broker.Connection) error {
	if err := e.transition(ctx, s, workflow.StatusPlanning); err != nil {
		return err
	}
	env, closer, err := e.openEnv(ctx, s, conn, false)
	if err != nil {
		return err
	}
	defer closer()
	if err := e.uploadTerraform(ctx, env); err != nil {
		return err
	}
	if err := e.planStep(ctx, s, env); err != nil {
		return err
	}
	return e.transition(ctx, s, workflow.StatusReadyToDeploy)
}

func (e *Engine) apply(ctx context.Context, s *Session, conn broker.Connection) error {
	if err := e.transition(ctx, s, workflow.StatusApplying); err != nil {
		return err
	}
	env, closer, err := e.openEnv(ctx, s, conn, false)
	if err != nil {
		return err
	}
	defer closer()
	if err := e.uploadTerraform(ctx, env); err != nil {
		return err
	}
	if err := e.applyStep(ctx, s, env); err != nil {
		return err
	}
	return e.transition(ctx, s, workflow.StatusCompleted)
}

func (e *Engine) destroy(ctx context.Context, s *Session, conn broker.Connection) error {
	if err := e.transition(ctx, s, workflow.StatusDestroying); err != nil {
		return err
	}
	env, closer, err := e.openEnv(ctx, s, conn, false)
	if err != nil {
		return err
	}
	defer closer()
	if err := e.uploadTerraform(ctx, env); err != nil {
		return err
	}

	destroyCmd := fmt.Sprintf("cd %s && source %s && terraform init -no-color && terraform destroy -auto-approve -no-color", terraformDir, sandbox.CredsPath)
	res, err := env.sb.Run(ctx, destroyCmd, sandbox.MaxTimeout, env.observer)
	if err != nil {
		return errors.Wrap(err, "running terraform destroy")
	}
	if !res.Ok() {
		return errors.Errorf("terraform destroy exited %d", res.ExitCode)
	}

	// The state bucket is versioned, so the objects must go version by
	// version or the bucket can never be emptied.
	stateStore := e.Clients.StateStore(env.creds, e.Region)
	n, err := artifacts.PurgeState(ctx, stateStore, infra.StateBucket(conn.AccountID), s.ProjectID)
	if err != nil {
		return err
	}
	s.Log.Append("engine", workflow.SeverityInfo, fmt.Sprintf("purged %d state object versions", n))

	if err := e.Store.ClearProjectOutputs(ctx, s.ProjectID); err != nil {
		return err
	}
	return e.transition(ctx, s, workflow.StatusDestroyed)
}

// buildPush provisions the image repository and service-linked roles, then
// clones the source and builds and pushes the image inside the sandbox.
func (e *Engine) buildPush(ctx context.Context, s *Session, env *opEnv, conn broker.Connection) error {
	repoName := imageRepoName(s.Repo)
	if err := ensureRepository(ctx, e.Clients.ECR(env.creds, e.Region), repoName); err != nil {
		return err
	}
	for _, service := range serviceRolesFor(s.Shape) {
		if err := ensureServiceRole(ctx, e.Clients.IAM(env.creds, e.Region), service); err != nil {
			return err
		}
	}
	if err := env.sb.WriteFile(ctx, appDir+"/Dockerfile", env.recipe); err != nil {
		return errors.Wrap(err, "uploading Dockerfile")
	}

	image := imageRef(conn.AccountID, e.Region, repoName)
	cloneCmd := fmt.Sprintf(
		"git clone --depth 1 https://github.com/%s/%s.git %s/src && cp %s/Dockerfile %s/src/Dockerfile",
		s.Owner, s.Repo, appDir, appDir, appDir)
	if err := e.runStep(ctx, s, env.sb, "clone", cloneCmd, sandbox.DefaultTimeout, env.observer); err != nil {
		return err
	}
	buildCmd := fmt.Sprintf(
		"cd %s/src && source %s && aws ecr get-login-password --region %s | docker login --username AWS --password-stdin %s.dkr.ecr.%s.amazonaws.com && docker build -t %s . && docker push %s",
		appDir, sandbox.CredsPath, e.Region, conn.AccountID, e.Region, image, image)
	// image builds routinely run long, so the step gets the apply budget
	return e.runStep(ctx, s, env.sb, "build and push", buildCmd, sandbox.MaxTimeout, env.observer)
}

func (e *Engine) planStep(ctx context.Context, s *Session, env *opEnv) error {
	planCmd := fmt.Sprintf("cd %s && source %s && terraform init -no-color && terraform plan -no-color", terraformDir, sandbox.CredsPath)
	return e.runStep(ctx, s, env.sb, "terraform plan", planCmd, sandbox.DefaultTimeout, env.observer)
}

// applyStep runs terraform apply and records the exported outputs and the
// change summary on the project row.
func (e *Engine) applyStep(ctx context.Context, s *Session, env *opEnv) error {
	applyCmd := fmt.Sprintf("cd %s && source %s && terraform init -no-color && terraform apply -auto-approve -no-color", terraformDir, sandbox.CredsPath)
	s.Log.Append("sandbox", workflow.SeverityInfo, "running terraform apply")
	applyRes, err := env.sb.Run(ctx, applyCmd, sandbox.MaxTimeout, env.observer)
	if err != nil {
		return errors.Wrap(err, "running terraform apply")
	}
	if !applyRes.Ok() {
		return errors.Errorf("terraform apply exited %d", applyRes.ExitCode)
	}

	outputCmd := fmt.Sprintf("cd %s && source %s && terraform output -no-color -json", terraformDir, sandbox.CredsPath)
	outputRes, err := env.sb.Run(ctx, outputCmd, sandbox.DefaultTimeout, nil)
	if err != nil {
		return errors.Wrap(err, "reading terraform outputs")
	}
	outputs, appURL := parseOutputs(outputRes.Stdout)
	sum := summary.FromApplyOutput(applyRes.Stdout)
	if err := e.Store.SetProjectOutputs(ctx, s.ProjectID, appURL, outputs, sum); err != nil {
		return err
	}
	if appURL != "" {
		s.Log.Append("engine", workflow.SeverityInfo, "application available at "+appURL)
	}
	return nil
}

// loadArtifacts prefers the live session's files and falls back to the
// artifact store for sessions created after a restart.
func (e *Engine) loadArtifacts(ctx context.Context, s *Session) (string, map[string]string, error) {
	var recipeText string
	terraform := map[string]string{}
	for _, f := range s.Files() {
		switch f.Kind {
		case workflow.KindContainerRecipe:
			recipeText = f.Content
		case workflow.KindInfraCode:
			terraform[f.Name] = f.Content
		}
	}
	if recipeText != "" && len(terraform) > 0 {
		return recipeText, terraform, nil
	}
	recipeText, err := e.Artifacts.LoadRecipe(ctx, s.Owner, s.Repo)
	if err != nil {
		return "", nil, err
	}
	terraform, err = e.Artifacts.LoadTerraform(ctx, s.Owner, s.Repo)
	if err != nil {
		return "", nil, err
	}
	if len(terraform) == 0 {
		return "", nil, errors.Errorf("no stored terraform for %s/%s", s.Owner, s.Repo)
	}
	return recipeText, terraform, nil
}

// adjustRecipe swaps out base images known to break this repo's framework at
// build time.
func (e *Engine) adjustRecipe(ctx context.Context, s *Session, recipeText string) string {
	if !recipe.UsesAlpineNode(recipeText) {
		return recipeText
	}
	rc, ok := e.latestContext(ctx, s)
	if !ok || !strings.EqualFold(rc.Framework, "nextjs") {
		return recipeText
	}
	// musl-based node images miss the shared libs the standalone server
	// needs; fall back to the known-good default.
	fallback := recipe.Default(rc)
	if fallback == "" {
		return recipeText
	}
	s.Log.Append("engine", workflow.SeverityWarn, "alpine node base is unreliable for nextjs builds, substituting default Dockerfile")
	return fallback
}

func (e *Engine) latestContext(ctx context.Context, s *Session) (workflow.RepoContext, bool) {
	gen, err := e.Store.LatestGeneration(ctx, s.ProjectID)
	if err != nil {
		return workflow.RepoContext{}, false
	}
	var rc workflow.RepoContext
	if err := json.Unmarshal(gen.RepoContext, &rc); err != nil {
		return workflow.RepoContext{}, false
	}
	return rc, true
}

// runStep executes one named command, streaming output and failing on a
// non-zero exit.
func (e *Engine) runStep(ctx context.Context, s *Session, sb sandbox.Sandbox, name, command string, timeout time.Duration, observer sandbox.LineObserver) error {
	s.Log.Append("sandbox", workflow.SeverityInfo, "running "+name)
	res, err := sb.Run(ctx, command, timeout, observer)
	if err != nil {
		return errors.Wrapf(err, "running %s", name)
	}
	if !res.Ok() {
		return errors.Errorf("%s exited %d", name, res.ExitCode)
	}
	return nil
}

func (e *Engine) finishOperation(ctx context.Context, opID, status, errDesc string) {
	if err := e.Store.FinishOperation(ctx, opID, status, errDesc); err != nil {
		log.Printf("operation %s: recording outcome: %v", opID, err)
	}
}

// parseOutputs decodes `terraform output -json`, returning the flattened
// values and the application URL if one is exported.
func parseOutputs(raw string) (map[string]any, string) {
	var decoded map[string]struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, ""
	}
	outputs := make(map[string]any, len(decoded))
	for k, v := range decoded {
		outputs[k] = v.Value
	}
	if url, ok := outputs["application_url"].(string); ok {
		return outputs, url
	}
	for k, v := range outputs {
		if strings.HasSuffix(k, "_url") {
			if url, ok := v.(string); ok {
				return outputs, url
			}
		}
	}
	return outputs, ""
}

// lineObserver mirrors raw sandbox output into the session log.
func (e *Engine) lineObserver(s *Session) sandbox.LineObserver {
	return func(stream sandbox.Stream, line string) {
		severity := workflow.SeverityInfo
		if stream == sandbox.Stderr {
			severity = workflow.SeverityWarn
		}
		s.Log.Append("sandbox", severity, line)
	}
}
