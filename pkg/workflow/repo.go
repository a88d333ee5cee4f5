// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

// EntryType distinguishes files from directories in a repository tree.
type EntryType string

const (
	EntryFile EntryType = "file"
	EntryDir  EntryType = "dir"
)

// TreeEntry is a single path in a repository listing.
type TreeEntry struct {
	Name string
	Path string
	Type EntryType
	Size int
}

// Snapshot is the raw repository data fetched by the inspector before any
// agent sees it. Manifest and config contents are size-capped at fetch time.
type Snapshot struct {
	Owner             string
	Repo              string
	Tree              []TreeEntry
	PackageFiles      map[string]string
	ConfigFiles       map[string]string
	Digests           map[string]string
	Language          string
	ExistingRecipe    string
	RecipePath        string
	ExistingTerraform map[string]string
	TerraformLocation string
}

// RepoContext is the structured inference output of the context-analyzer
// stage and the single shared contract between generation stages.
type RepoContext struct {
	Language        string            `json:"language"`
	Framework       string            `json:"framework"`
	Runtime         string            `json:"runtime"`
	PackageManager  string            `json:"package_manager"`
	Dependencies    map[string]string `json:"dependencies"`
	DeploymentShape Shape             `json:"deployment_target"`
	Ports           []int             `json:"ports"`
	EnvironmentVars []string          `json:"environment_vars"`
	HealthCheckPath string            `json:"health_check_path"`
	StartCommand    string            `json:"start_command"`
	BuildCommand    string            `json:"build_command"`

	HasExistingDockerfile     bool              `json:"has_existing_dockerfile"`
	ExistingDockerfileContent string            `json:"existing_dockerfile_content,omitempty"`
	HasExistingTerraform      bool              `json:"has_existing_terraform"`
	ExistingTerraformFiles    map[string]string `json:"existing_terraform_files,omitempty"`
	TerraformLocation         string            `json:"terraform_location,omitempty"`
}

// PrimaryPort returns the first exposed port, defaulting when unknown.
func (c *RepoContext) PrimaryPort() int {
	if len(c.Ports) > 0 {
		return c.Ports[0]
	}
	return 8000
}

// HealthPath returns the health-probe path, defaulting when unknown.
func (c *RepoContext) HealthPath() string {
	if c.HealthCheckPath != "" {
		return c.HealthCheckPath
	}
	return "/health"
}
