// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"net/http"

	gh "github.com/google/go-github/v69/github"
	"github.com/pkg/errors"

	"github.com/sirpi/sirpi/pkg/workflow"
)

// Client performs repository operations as one installation.
type Client struct {
	gh *gh.Client
}

// NewClient wraps an already-authenticated go-github client. Production code
// obtains one via App.ClientFor; tests inject their own.
func NewClient(g *gh.Client) *Client {
	return &Client{gh: g}
}

// DefaultBranch returns the repository's default branch name.
func (c *Client) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", errors.Wrapf(err, "fetching repository %s/%s", owner, repo)
	}
	return r.GetDefaultBranch(), nil
}

// ListDirectory returns the entries of a repository directory. Path "" lists
// the repository root. A missing path returns an empty list, not an error.
func (c *Client) ListDirectory(ctx context.Context, owner, repo, path string) ([]workflow.TreeEntry, error) {
	_, dir, resp, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "listing %s/%s:%s", owner, repo, path)
	}
	entries := make([]workflow.TreeEntry, 0, len(dir))
	for _, e := range dir {
		t := workflow.EntryFile
		if e.GetType() == "dir" {
			t = workflow.EntryDir
		}
		entries = append(entries, workflow.TreeEntry{
			Name: e.GetName(),
			Path: e.GetPath(),
			Type: t,
			Size: e.GetSize(),
		})
	}
	return entries, nil
}

// ReadFile returns the decoded content of a repository file. A missing file
// returns ok=false without error so probe loops stay quiet.
func (c *Client) ReadFile(ctx context.Context, owner, repo, path string) (string, bool, error) {
	fc, _, resp, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "reading %s/%s:%s", owner, repo, path)
	}
	if fc == nil {
		return "", false, nil
	}
	content, err := fc.GetContent()
	if err != nil {
		return "", false, errors.Wrapf(err, "decoding %s/%s:%s", owner, repo, path)
	}
	return content, true, nil
}
