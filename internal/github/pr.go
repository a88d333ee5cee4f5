// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	gh "github.com/google/go-github/v69/github"
	"github.com/pkg/errors"

	"github.com/sirpi/sirpi/pkg/workflow"
)

// WorkBranch is the branch all generated artifacts are committed to.
const WorkBranch = "sirpi/infrastructure-setup"

// PullRequest is the subset of change-request metadata the pipeline records.
type PullRequest struct {
	Number int
	URL    string
}

// EnsureBranch creates the work branch from the default branch head if it
// does not already exist and returns its name.
func (c *Client) EnsureBranch(ctx context.Context, owner, repo string) (string, error) {
	_, resp, err := c.gh.Git.GetRef(ctx, owner, repo, "heads/"+WorkBranch)
	if err == nil {
		return WorkBranch, nil
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		return "", errors.Wrapf(err, "checking branch %s", WorkBranch)
	}
	base, err := c.DefaultBranch(ctx, owner, repo)
	if err != nil {
		return "", err
	}
	baseRef, _, err := c.gh.Git.GetRef(ctx, owner, repo, "heads/"+base)
	if err != nil {
		return "", errors.Wrapf(err, "resolving base branch %s", base)
	}
	_, _, err = c.gh.Git.CreateRef(ctx, owner, repo, &gh.Reference{
		Ref:    gh.Ptr("refs/heads/" + WorkBranch),
		Object: &gh.GitObject{SHA: baseRef.Object.SHA},
	})
	if err != nil {
		return "", errors.Wrapf(err, "creating branch %s", WorkBranch)
	}
	return WorkBranch, nil
}

// CommitFiles writes generated artifacts to the work branch, one commit per
// file, updating in place when the path already exists on the branch.
func (c *Client) CommitFiles(ctx context.Context, owner, repo, branch string, files []workflow.File) error {
	for _, f := range files {
		opts := &gh.RepositoryContentFileOptions{
			Message: gh.Ptr(fmt.Sprintf("Add %s", f.Name)),
			Content: []byte(f.Content),
			Branch:  gh.Ptr(branch),
		}
		existing, _, resp, err := c.gh.Repositories.GetContents(ctx, owner, repo, f.Name, &gh.RepositoryContentGetOptions{Ref: branch})
		if err != nil && (resp == nil || resp.StatusCode != http.StatusNotFound) {
			return errors.Wrapf(err, "checking existing %s", f.Name)
		}
		if existing != nil {
			opts.Message = gh.Ptr(fmt.Sprintf("Update %s", f.Name))
			opts.SHA = existing.SHA
		}
		if _, _, err := c.gh.Repositories.CreateFile(ctx, owner, repo, f.Name, opts); err != nil {
			return errors.Wrapf(err, "committing %s", f.Name)
		}
	}
	return nil
}

// OpenPullRequest opens a change request from the work branch to the default
// branch. If one is already open for the branch it is returned instead.
func (c *Client) OpenPullRequest(ctx context.Context, owner, repo, title, body string) (*PullRequest, error) {
	base, err := c.DefaultBranch(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	pr, resp, err := c.gh.PullRequests.Create(ctx, owner, repo, &gh.NewPullRequest{
		Title: gh.Ptr(title),
		Head:  gh.Ptr(WorkBranch),
		Base:  gh.Ptr(base),
		Body:  gh.Ptr(body),
	})
	if err == nil {
		return &PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}, nil
	}
	if resp == nil || resp.StatusCode != http.StatusUnprocessableEntity {
		return nil, errors.Wrapf(err, "opening change request for %s/%s", owner, repo)
	}
	open, _, err := c.gh.PullRequests.List(ctx, owner, repo, &gh.PullRequestListOptions{
		State: "open",
		Head:  owner + ":" + WorkBranch,
	})
	if err != nil || len(open) == 0 {
		return nil, errors.Wrapf(err, "finding existing change request for %s/%s", owner, repo)
	}
	return &PullRequest{Number: open[0].GetNumber(), URL: open[0].GetHTMLURL()}, nil
}

// PRBody renders the change-request description from the generated artifacts
// and any validator warnings.
func PRBody(files []workflow.File, warnings []string) string {
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	body := "This change request was generated automatically from an analysis of the repository.\n\n## Files\n"
	for _, n := range names {
		body += fmt.Sprintf("- `%s`\n", n)
	}
	if len(warnings) > 0 {
		body += "\n## Review notes\n"
		for _, w := range warnings {
			body += fmt.Sprintf("- %s\n", w)
		}
	}
	body += "\nReview the artifacts, then mark the project ready to deploy.\n"
	return body
}
