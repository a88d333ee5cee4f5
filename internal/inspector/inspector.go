// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

// Package inspector builds a repository snapshot from a source host: file
// tree, language classification, manifest and config contents, and any
// pre-existing container recipe or terraform bundle. The snapshot is sized
// for a bounded prompt budget, not for fidelity.
package inspector

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/sirpi/sirpi/pkg/workflow"
)

// Host is the source-host surface the inspector needs.
type Host interface {
	ListDirectory(ctx context.Context, owner, repo, path string) ([]workflow.TreeEntry, error)
	ReadFile(ctx context.Context, owner, repo, path string) (string, bool, error)
}

// maxFileBytes caps fetched manifest and config contents.
const maxFileBytes = 5 * 1024

const truncationMarker = "\n... [truncated]"

// extensionLanguages classifies files by extension.
var extensionLanguages = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".go":   "go",
	".java": "java",
	".rb":   "ruby",
	".php":  "php",
}

// manifestFiles lists package manifests per language.
var manifestFiles = map[string][]string{
	"python":     {"requirements.txt", "pyproject.toml", "Pipfile", "setup.py"},
	"javascript": {"package.json", "package-lock.json", "yarn.lock"},
	"typescript": {"package.json", "package-lock.json", "yarn.lock", "tsconfig.json"},
	"go":         {"go.mod", "go.sum"},
	"java":       {"pom.xml", "build.gradle"},
	"ruby":       {"Gemfile", "Gemfile.lock"},
	"php":        {"composer.json"},
}

// configFiles are fetched regardless of language. The recipe probe handles
// Dockerfile separately.
var configFiles = []string{"docker-compose.yml", "docker-compose.yaml", ".env.example", "README.md"}

// searchRoots bounds the recipe fallback search.
var searchRoots = []string{".docker", "docker", "docker/images", "docker/app", "app", "src"}

const searchDepth = 2

var excludedDirs = map[string]bool{
	"node_modules": true, ".git": true, "dist": true, "build": true,
	".next": true, "__pycache__": true, "packages": true, "cypress": true,
	".github": true, "test": true, "tests": true, ".vscode": true,
	"coverage": true, "docs": true,
}

// redHerringTokens disqualify recipe candidates found by the fallback search.
var redHerringTokens = []string{"base", "test", "dev", "example", "sample", "demo"}

// Inspector fetches snapshots from a Host.
type Inspector struct {
	Host Host
}

// Inspect builds the snapshot for owner/repo. Missing optional files are
// skipped silently; only the root listing is fatal.
func (i *Inspector) Inspect(ctx context.Context, owner, repo string) (*workflow.Snapshot, error) {
	tree, err := i.Host.ListDirectory(ctx, owner, repo, "")
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s/%s", owner, repo)
	}
	snap := &workflow.Snapshot{
		Owner:        owner,
		Repo:         repo,
		Tree:         tree,
		PackageFiles: make(map[string]string),
		ConfigFiles:  make(map[string]string),
		Digests:      make(map[string]string),
	}
	snap.Language = classifyLanguage(tree)

	for _, name := range manifestsFor(snap.Language) {
		if content, ok := i.fetch(ctx, owner, repo, name); ok {
			snap.PackageFiles[name] = content
		}
	}
	for _, name := range configFiles {
		if content, ok := i.fetch(ctx, owner, repo, name); ok {
			snap.ConfigFiles[name] = content
		}
	}
	for name, content := range snap.PackageFiles {
		if d, ok := digest(name, content); ok {
			snap.Digests[name] = d
		}
	}
	for name, content := range snap.ConfigFiles {
		if d, ok := digest(name, content); ok {
			snap.Digests[name] = d
		}
	}

	if p, content, found := i.findRecipe(ctx, owner, repo); found {
		snap.RecipePath = p
		snap.ExistingRecipe = content
	}
	i.findTerraform(ctx, owner, repo, snap)
	return snap, nil
}

// fetch reads one file, capping its size. Missing files and read errors both
// come back not-ok so callers skip silently.
func (i *Inspector) fetch(ctx context.Context, owner, repo, name string) (string, bool) {
	content, ok, err := i.Host.ReadFile(ctx, owner, repo, name)
	if err != nil || !ok {
		return "", false
	}
	if len(content) > maxFileBytes {
		content = content[:maxFileBytes] + truncationMarker
	}
	return content, true
}

func manifestsFor(language string) []string {
	names := manifestFiles[language]
	if language == "typescript" {
		return names
	}
	// Mixed repos often carry a package.json even when another language
	// dominates the tree.
	if language != "javascript" {
		names = append(append([]string{}, names...), "package.json")
	}
	return names
}

// classifyLanguage picks the extension-plurality winner, or "" for an empty
// or unclassifiable tree. Ties break alphabetically for determinism.
func classifyLanguage(tree []workflow.TreeEntry) string {
	counts := make(map[string]int)
	for _, e := range tree {
		if e.Type != workflow.EntryFile {
			continue
		}
		if lang, ok := extensionLanguages[path.Ext(e.Name)]; ok {
			counts[lang]++
		}
	}
	best := ""
	for lang, n := range counts {
		if best == "" || n > counts[best] || (n == counts[best] && lang < best) {
			best = lang
		}
	}
	return best
}

// findRecipe runs the priority probe list, then the bounded fallback search.
func (i *Inspector) findRecipe(ctx context.Context, owner, repo string) (string, string, bool) {
	probes := []string{
		"Dockerfile",
		".docker/Dockerfile",
		"docker/Dockerfile",
		repo + "/Dockerfile",
		"docker/" + repo + "/Dockerfile",
		"docker/images/" + repo + "/Dockerfile",
		"app/Dockerfile",
		"docker/app/Dockerfile",
	}
	for _, p := range probes {
		if content, ok := i.fetch(ctx, owner, repo, p); ok {
			return p, content, true
		}
	}

	var candidates []string
	for _, root := range searchRoots {
		i.searchRecipes(ctx, owner, repo, root, 0, &candidates)
	}
	best := pickCandidate(candidates, repo)
	if best == "" {
		return "", "", false
	}
	content, ok := i.fetch(ctx, owner, repo, best)
	return best, content, ok
}

func (i *Inspector) searchRecipes(ctx context.Context, owner, repo, dir string, depth int, out *[]string) {
	if depth > searchDepth {
		return
	}
	entries, err := i.Host.ListDirectory(ctx, owner, repo, dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		switch e.Type {
		case workflow.EntryDir:
			if excludedDirs[strings.ToLower(e.Name)] {
				continue
			}
			i.searchRecipes(ctx, owner, repo, e.Path, depth+1, out)
		case workflow.EntryFile:
			if strings.HasPrefix(e.Name, "Dockerfile") {
				*out = append(*out, e.Path)
			}
		}
	}
}

// pickCandidate drops red-herring paths and prefers those naming the repo.
func pickCandidate(candidates []string, repo string) string {
	var kept []string
	for _, c := range candidates {
		lower := strings.ToLower(c)
		herring := false
		for _, tok := range redHerringTokens {
			if strings.Contains(lower, tok) {
				herring = true
				break
			}
		}
		if !herring {
			kept = append(kept, c)
		}
	}
	for _, c := range kept {
		if strings.Contains(strings.ToLower(c), strings.ToLower(repo)) {
			return c
		}
	}
	if len(kept) > 0 {
		return kept[0]
	}
	return ""
}

// findTerraform fetches a pre-existing bundle from terraform/ or the root.
func (i *Inspector) findTerraform(ctx context.Context, owner, repo string, snap *workflow.Snapshot) {
	entries, err := i.Host.ListDirectory(ctx, owner, repo, "terraform")
	if err == nil && len(entries) > 0 {
		files := i.fetchTF(ctx, owner, repo, entries)
		if len(files) > 0 {
			snap.ExistingTerraform = files
			snap.TerraformLocation = "terraform"
			return
		}
	}
	files := i.fetchTF(ctx, owner, repo, snap.Tree)
	if len(files) > 0 {
		snap.ExistingTerraform = files
		snap.TerraformLocation = "root"
	}
}

func (i *Inspector) fetchTF(ctx context.Context, owner, repo string, entries []workflow.TreeEntry) map[string]string {
	files := make(map[string]string)
	for _, e := range entries {
		if e.Type != workflow.EntryFile || !strings.HasSuffix(e.Name, ".tf") {
			continue
		}
		if content, ok := i.fetch(ctx, owner, repo, e.Path); ok {
			files[e.Name] = content
		}
	}
	if len(files) == 0 {
		return nil
	}
	return files
}

// FileList renders the tree capped to limit entries for prompt inclusion.
func FileList(tree []workflow.TreeEntry, limit int) string {
	var b strings.Builder
	for n, e := range tree {
		if n == limit {
			fmt.Fprintf(&b, "... and %d more entries\n", len(tree)-limit)
			break
		}
		suffix := ""
		if e.Type == workflow.EntryDir {
			suffix = "/"
		}
		fmt.Fprintf(&b, "%s%s\n", e.Path, suffix)
	}
	return b.String()
}
