// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package agentgw

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirpi/sirpi/internal/inspector"
	"github.com/sirpi/sirpi/internal/textwrap"
	"github.com/sirpi/sirpi/pkg/workflow"
)

// promptFileLimit caps the tree listing included in analyzer prompts.
const promptFileLimit = 50

// AnalyzerPrompt renders the context-analyzer request from a snapshot.
func AnalyzerPrompt(snap *workflow.Snapshot, shape workflow.Shape) string {
	var b strings.Builder
	b.WriteString(textwrap.Dedent(`
		Analyze this repository and answer with a single JSON object, inside a
		` + "```json" + ` fence, with exactly these fields: language, framework,
		runtime, package_manager, dependencies (object), deployment_target,
		ports (array of numbers), environment_vars (array), health_check_path,
		start_command, build_command, has_existing_dockerfile,
		existing_dockerfile_content, has_existing_terraform,
		existing_terraform_files (object), terraform_location.
	`))
	fmt.Fprintf(&b, "\nRepository: %s/%s\n", snap.Owner, snap.Repo)
	fmt.Fprintf(&b, "Requested deployment target: %s\n", shape)
	if snap.Language != "" {
		fmt.Fprintf(&b, "Detected language: %s\n", snap.Language)
	}
	b.WriteString("\nFile tree:\n")
	b.WriteString(inspector.FileList(snap.Tree, promptFileLimit))
	writeFiles(&b, "Package manifests", snap.PackageFiles, snap.Digests)
	writeFiles(&b, "Configuration files", snap.ConfigFiles, snap.Digests)
	if snap.ExistingRecipe != "" {
		fmt.Fprintf(&b, "\nExisting Dockerfile at %s:\n%s\n", snap.RecipePath, snap.ExistingRecipe)
	}
	if len(snap.ExistingTerraform) > 0 {
		fmt.Fprintf(&b, "\nExisting terraform found at %s: %s\n", snap.TerraformLocation, strings.Join(sortedNames(snap.ExistingTerraform), ", "))
	}
	return b.String()
}

// RecipePrompt renders the dockerfile-generator request from the analyzed
// context: a fixed requirements list, then package-manager and framework
// guidance, then the context fields.
func RecipePrompt(rc workflow.RepoContext) string {
	var b strings.Builder
	b.WriteString(textwrap.Dedent(`
		Write a production-ready Dockerfile for the application described
		below. Requirements:
		1. Use a multi-stage build to keep the final image small.
		2. Use an official base image with a pinned version tag, for example
		   python:3.12-slim or node:20-alpine.
		3. Create and run as a non-root user.
		4. Copy package manifests before source code so dependency layers
		   cache across builds.
		5. Install production dependencies only.
		6. Set an explicit WORKDIR.
		7. EXPOSE the application port.
		8. Add a HEALTHCHECK against the health endpoint.
		9. End with the start command.
		10. Add OCI labels describing the image.
		Answer with only the Dockerfile content inside a fence, starting with
		the FROM instruction. No explanation before or after.
	`))
	if inst := packageManagerInstructions(rc.PackageManager, rc.Language); inst != "" {
		b.WriteString("\nPackage manager instructions:\n")
		b.WriteString(inst)
	}
	if guide := frameworkGuidance(rc.Framework); guide != "" {
		b.WriteString("\nFramework guidance:\n")
		b.WriteString(guide)
	}
	fmt.Fprintf(&b, "\nLanguage: %s\n", rc.Language)
	if rc.Framework != "" {
		fmt.Fprintf(&b, "Framework: %s\n", rc.Framework)
	}
	if rc.Runtime != "" {
		fmt.Fprintf(&b, "Runtime: %s\n", rc.Runtime)
	}
	if rc.PackageManager != "" {
		fmt.Fprintf(&b, "Package manager: %s\n", rc.PackageManager)
	}
	fmt.Fprintf(&b, "Port: %d\n", rc.PrimaryPort())
	fmt.Fprintf(&b, "Health check path: %s\n", rc.HealthPath())
	if rc.StartCommand != "" {
		fmt.Fprintf(&b, "Start command: %s\n", rc.StartCommand)
	}
	if rc.BuildCommand != "" {
		fmt.Fprintf(&b, "Build command: %s\n", rc.BuildCommand)
	}
	if len(rc.Dependencies) > 0 {
		deps := make([]string, 0, len(rc.Dependencies))
		for name, version := range rc.Dependencies {
			deps = append(deps, name+" "+version)
		}
		sort.Strings(deps)
		fmt.Fprintf(&b, "Dependencies: %s\n", strings.Join(deps, ", "))
	}
	if rc.HasExistingDockerfile && rc.ExistingDockerfileContent != "" {
		fmt.Fprintf(&b, "\nThe repository already has this Dockerfile; improve on it:\n%s\n", rc.ExistingDockerfileContent)
	}
	return b.String()
}

// packageManagerInstructions tells the generator how to install dependencies
// reproducibly for the detected toolchain.
func packageManagerInstructions(pm, language string) string {
	switch strings.ToLower(pm) {
	case "npm":
		return textwrap.Dedent(`
			Copy package.json and package-lock.json first, then install with
			npm ci --omit=dev.
		`)
	case "yarn":
		return textwrap.Dedent(`
			Copy package.json and yarn.lock first, then install with
			yarn install --frozen-lockfile --production.
		`)
	case "pnpm":
		return textwrap.Dedent(`
			Enable pnpm via corepack, copy package.json and pnpm-lock.yaml
			first, then install with pnpm install --frozen-lockfile --prod.
		`)
	case "pip", "pip3", "poetry":
		return textwrap.Dedent(`
			Copy requirements.txt first, then install with
			pip install --no-cache-dir -r requirements.txt.
		`)
	}
	if strings.EqualFold(language, "python") {
		return textwrap.Dedent(`
			Copy requirements.txt first, then install with
			pip install --no-cache-dir -r requirements.txt.
		`)
	}
	return ""
}

// frameworkGuidance carries the build quirks of the frameworks that most
// often break naive Dockerfiles.
func frameworkGuidance(framework string) string {
	switch strings.ToLower(framework) {
	case "nextjs", "next.js":
		return textwrap.Dedent(`
			Enable Next.js standalone output and copy .next/standalone,
			.next/static and public into the final stage; start with
			node server.js.
		`)
	case "react", "vue", "angular":
		return textwrap.Dedent(`
			This is a single-page app: build the static bundle in the builder
			stage and serve the output directory with a small static file
			server in the final stage.
		`)
	case "express", "fastify", "koa":
		return textwrap.Dedent(`
			This is a Node API server with no build step: install production
			dependencies, copy the source and start with node directly.
		`)
	case "flask", "django":
		return textwrap.Dedent(`
			Serve with gunicorn rather than the framework's development
			server, binding 0.0.0.0 on the application port.
		`)
	case "fastapi":
		return textwrap.Dedent(`
			Serve with uvicorn, binding 0.0.0.0 on the application port.
		`)
	}
	return ""
}

func writeFiles(b *strings.Builder, title string, files, digests map[string]string) {
	if len(files) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, name := range sortedNames(files) {
		if d, ok := digests[name]; ok {
			fmt.Fprintf(b, "--- %s (%s)\n%s\n", name, d, files[name])
		} else {
			fmt.Fprintf(b, "--- %s\n%s\n", name, files[name])
		}
	}
}

func sortedNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
