package gitlab

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	gitlab "github.com/xanzy/go-gitlab"

	"github.com/secd-project/secd/pkg/run"
)

// ResultBranchPrefix marks refs pushed by this service itself when publishing
// results. Pushes to them loop back through the webhook and must be skipped,
// not rejected.
const ResultBranchPrefix = "refs/heads/" + run.NamespacePrefix

// ErrResultBranch is returned by Validate for pushes to a result branch. It is
// a skip, not a failure: the orchestrator acknowledges it and does nothing.
var ErrResultBranch = errors.New("push to a result branch")

// IsResultBranch reports whether a validation error is the result-branch skip.
func IsResultBranch(err error) bool {
	return errors.Cause(err) == ErrResultBranch
}

// Payload is the subset of the provider's push webhook this service reads.
// Unknown fields are ignored.
type Payload struct {
	EventName string   `json:"event_name"`
	Ref       string   `json:"ref"`
	UserID    int      `json:"user_id"`
	ProjectID int      `json:"project_id"`
	Project   Project  `json:"project"`
	Commits   []Commit `json:"commits"`
}

type Project struct {
	HTTPURL           string `json:"http_url"`
	PathWithNamespace string `json:"path_with_namespace"`
}

type Commit struct {
	ID string `json:"id"`
}

// Validate decides whether a push may become a run. Rules are evaluated in
// order and the first failure wins:
//
//  1. pushes to result branches are skipped (ErrResultBranch)
//  2. the event is a push
//  3. the push targets main
//  4. there is at least one commit and every commit carries a verified
//     signature
//  5. the repository carries a Dockerfile at the pushed ref
func (c *Client) Validate(ctx context.Context, payload Payload) error {
	if strings.HasPrefix(payload.Ref, ResultBranchPrefix) {
		return ErrResultBranch
	}

	if payload.EventName != "push" {
		return errors.Errorf("unsupported event %q", payload.EventName)
	}

	if payload.Ref != "refs/heads/main" {
		return errors.Errorf("push to %q, only refs/heads/main launches runs", payload.Ref)
	}

	if len(payload.Commits) == 0 {
		return errors.New("push carries no commits, nothing to verify")
	}

	for _, commit := range payload.Commits {
		if err := c.verifySignature(ctx, payload.ProjectID, commit.ID); err != nil {
			return err
		}
	}

	return c.verifyDockerfile(ctx, payload.ProjectID, payload.Ref)
}

func (c *Client) verifySignature(ctx context.Context, projectID int, sha string) error {
	signature, _, err := c.gitlab.Commits.GetGPGSignature(projectID, sha, gitlab.WithContext(ctx))
	if err != nil {
		return errors.Wrapf(err, "failed to get signature of commit %s", sha)
	}

	if signature == nil || signature.VerificationStatus != "verified" {
		return errors.Errorf("commit %s is not signed with a verified signature", sha)
	}

	return nil
}

func (c *Client) verifyDockerfile(ctx context.Context, projectID int, ref string) error {
	branch := strings.TrimPrefix(ref, "refs/heads/")

	_, _, err := c.gitlab.RepositoryFiles.GetFileMetaData(projectID, "Dockerfile", &gitlab.GetFileMetaDataOptions{
		Ref: gitlab.Ptr(branch),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return errors.Wrapf(err, "repository has no Dockerfile at %s", ref)
	}

	return nil
}
