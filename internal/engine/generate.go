// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sirpi/sirpi/internal/agentgw"
	"github.com/sirpi/sirpi/internal/artifacts"
	"github.com/sirpi/sirpi/internal/github"
	"github.com/sirpi/sirpi/internal/store"
	"github.com/sirpi/sirpi/internal/validate"
	"github.com/sirpi/sirpi/pkg/infra"
	"github.com/sirpi/sirpi/pkg/recipe"
	"github.com/sirpi/sirpi/pkg/workflow"
)

// Stage-memory keys shared between generation stages and the assistant.
const (
	memKeyAnalysis  = "github-analysis"
	memKeyContext   = "repository-context"
	memKeyRecipe    = "dockerfile"
	memKeyTerraform = "terraform"
)

// Generate runs the generation pipeline for a session: inspect, analyze,
// produce artifacts, persist, validate and raise the change request. Any
// stage failure stops the line.
func (e *Engine) Generate(ctx context.Context, s *Session) {
	if err := e.generate(ctx, s); err != nil {
		e.fail(ctx, s, workflow.StatusFailed, err)
	}
}

func (e *Engine) generate(ctx context.Context, s *Session) error {
	if err := e.transition(ctx, s, workflow.StatusAnalyzing); err != nil {
		return err
	}
	s.Log.Append("inspector", workflow.SeverityInfo, fmt.Sprintf("fetching %s/%s", s.Owner, s.Repo))
	snap, err := e.Inspector.Inspect(ctx, s.Owner, s.Repo)
	if err != nil {
		return err
	}
	if snap.Language != "" {
		s.Log.Append("inspector", workflow.SeverityInfo, "detected language: "+snap.Language)
	}
	if snap.RecipePath != "" {
		s.Log.Append("inspector", workflow.SeverityInfo, "found existing Dockerfile at "+snap.RecipePath)
	}
	if err := e.Memory.Store(s.ID, memKeyAnalysis, snap, "inspector"); err != nil {
		return err
	}

	e.sleep(courtesyWait)
	rc, err := e.analyze(ctx, s, snap)
	if err != nil {
		return err
	}
	if err := e.transition(ctx, s, workflow.StatusGenerating); err != nil {
		return err
	}

	e.sleep(courtesyWait)
	recipeText, err := e.produceRecipe(ctx, s, rc)
	if err != nil {
		return err
	}
	if err := e.Memory.Store(s.ID, memKeyRecipe, recipeText, "dockerfile-generator"); err != nil {
		return err
	}

	bundle, err := e.produceInfra(s, rc)
	if err != nil {
		return err
	}
	if err := e.Memory.Store(s.ID, memKeyTerraform, bundle, "terraform-generator"); err != nil {
		return err
	}

	// The bundle is stored before validation so a rejected generation still
	// leaves its artifacts inspectable.
	files := artifacts.BundleFromMaps(recipeText, bundle)
	s.setFiles(files)
	versions, err := e.Artifacts.SaveBundle(ctx, s.Owner, s.Repo, files)
	if err != nil {
		return err
	}
	s.Log.Append("engine", workflow.SeverityInfo, fmt.Sprintf("stored %d artifacts", len(versions)))
	if links, err := e.Artifacts.PresignedLinks(ctx, s.Owner, s.Repo, files); err != nil {
		s.Log.Append("engine", workflow.SeverityWarn, "issuing artifact links: "+err.Error())
	} else {
		s.setLinks(links)
	}

	if res := validate.Dockerfile(recipeText); !res.Valid {
		return errors.Errorf("generated Dockerfile rejected:\n%s", res.FormatErrors())
	} else if len(res.Warnings) > 0 {
		s.Log.Append("validator", workflow.SeverityWarn, res.FormatWarnings())
	}
	if res := validate.Terraform(bundle); !res.Valid {
		return errors.Errorf("generated terraform rejected:\n%s", res.FormatErrors())
	}

	pr, err := e.raisePR(ctx, s, files)
	if err != nil {
		return err
	}
	s.Log.Append("engine", workflow.SeverityInfo, fmt.Sprintf("opened change request #%d: %s", pr.Number, pr.URL))

	encoded, err := json.Marshal(rc)
	if err != nil {
		return errors.Wrap(err, "encoding repository context")
	}
	if err := e.Store.SaveGeneration(ctx, store.Generation{
		ID:          uuid.NewString(),
		ProjectID:   s.ProjectID,
		SessionID:   s.ID,
		MemoryID:    e.Memory.ID(),
		RepoContext: encoded,
		PRNumber:    pr.Number,
		PRURL:       pr.URL,
	}); err != nil {
		return err
	}

	return e.transition(ctx, s, workflow.StatusAwaitingReview)
}

// analyze invokes the context analyzer and records its output.
func (e *Engine) analyze(ctx context.Context, s *Session, snap *workflow.Snapshot) (workflow.RepoContext, error) {
	prompt := agentgw.AnalyzerPrompt(snap, s.Shape)
	raw, err := e.Gateway.Invoke(ctx, e.Agents.Analyzer, s.ID, prompt, e.chunkObserver(s))
	if err != nil {
		return workflow.RepoContext{}, err
	}
	rc, err := agentgw.DecodeContext(raw)
	if err != nil {
		return workflow.RepoContext{}, err
	}
	// inspector findings are authoritative for the pre-existing artifacts
	rc.HasExistingDockerfile = snap.ExistingRecipe != ""
	rc.ExistingDockerfileContent = snap.ExistingRecipe
	rc.HasExistingTerraform = len(snap.ExistingTerraform) > 0
	rc.ExistingTerraformFiles = snap.ExistingTerraform
	rc.TerraformLocation = snap.TerraformLocation
	rc.DeploymentShape = s.Shape
	if rc.Language == "" {
		rc.Language = snap.Language
	}
	if err := e.Memory.Store(s.ID, memKeyContext, rc, "context-analyzer"); err != nil {
		return workflow.RepoContext{}, err
	}
	s.Log.Append("context-analyzer", workflow.SeverityInfo,
		fmt.Sprintf("analysis complete: %s/%s on port %d", rc.Language, orUnknown(rc.Framework), rc.PrimaryPort()))
	return rc, nil
}

// produceRecipe reuses a complete existing Dockerfile, otherwise asks the
// generator agent and falls back to the framework default.
func (e *Engine) produceRecipe(ctx context.Context, s *Session, rc workflow.RepoContext) (string, error) {
	if recipe.IsComplete(rc.ExistingDockerfileContent) {
		s.Log.Append("dockerfile-generator", workflow.SeverityInfo, "existing Dockerfile is complete, skipping generation")
		return rc.ExistingDockerfileContent, nil
	}
	raw, err := e.Gateway.Invoke(ctx, e.Agents.RecipeGen, s.ID, agentgw.RecipePrompt(rc), e.chunkObserver(s))
	if err != nil {
		return "", err
	}
	cleaned := recipe.Clean(raw)
	if !strings.Contains(strings.ToUpper(cleaned), "FROM ") {
		fallback := recipe.Default(rc)
		if fallback == "" {
			return "", errors.Errorf("agent returned no usable Dockerfile for language %q", rc.Language)
		}
		s.Log.Append("dockerfile-generator", workflow.SeverityWarn, "agent response unusable, using framework default")
		return fallback, nil
	}
	return cleaned, nil
}

// produceInfra renders the deterministic template bundle for the shape. No
// agent call, so no rate-limit exposure.
func (e *Engine) produceInfra(s *Session, rc workflow.RepoContext) (map[string]string, error) {
	s.Log.Append("terraform-generator", workflow.SeverityInfo, "rendering infrastructure templates for "+string(s.Shape))
	return infra.Bundle(s.Shape, infra.Params{
		ProjectID:     s.ProjectID,
		AppName:       appName(s.Repo),
		Region:        e.Region,
		AccountID:     "000000000000", // rewritten with the caller's account at deploy time
		ECRRepository: imageRepoName(s.Repo),
		Port:          rc.PrimaryPort(),
		HealthPath:    rc.HealthPath(),
	})
}

func (e *Engine) raisePR(ctx context.Context, s *Session, files []workflow.File) (*github.PullRequest, error) {
	branch, err := e.Host.EnsureBranch(ctx, s.Owner, s.Repo)
	if err != nil {
		return nil, err
	}
	committed := make([]workflow.File, len(files))
	copy(committed, files)
	for i, f := range committed {
		if f.Kind == workflow.KindInfraCode {
			committed[i].Name = "terraform/" + f.Name
		}
	}
	if err := e.Host.CommitFiles(ctx, s.Owner, s.Repo, branch, committed); err != nil {
		return nil, err
	}
	var warnings []string
	if recipeFile := findFile(files, workflow.KindContainerRecipe); recipeFile != nil {
		warnings = validate.Dockerfile(recipeFile.Content).Warnings
	}
	title := fmt.Sprintf("Add deployment configuration for %s", s.Repo)
	return e.Host.OpenPullRequest(ctx, s.Owner, s.Repo, title, github.PRBody(committed, warnings))
}

// chunkObserver forwards agent stream chunks into the session log.
func (e *Engine) chunkObserver(s *Session) agentgw.Observer {
	return func(agent, chunk string) {
		trimmed := strings.TrimSpace(chunk)
		if trimmed != "" {
			s.Log.Append(agent, workflow.SeverityInfo, trimmed)
		}
	}
}

func findFile(files []workflow.File, kind workflow.Kind) *workflow.File {
	for i := range files {
		if files[i].Kind == kind {
			return &files[i]
		}
	}
	return nil
}

// appName derives a resource-safe name from the repo name.
func appName(repo string) string {
	return sanitizeName(repo)
}

// imageRepoName is the registry repository for a project's image. The
// repository lives in the caller's own account, so the repo name alone is
// unambiguous there.
func imageRepoName(repo string) string {
	return sanitizeName(repo)
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
