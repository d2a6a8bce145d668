package gitlab

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"

	"github.com/secd-project/secd/pkg/run"
)

// branchDateFormat stamps result branches; distinct from run.DateFormat
// because branch names may not collide with the output directory scheme.
const branchDateFormat = "2006-01-02_15.04.05"

// Publish pushes whatever the run wrote into its checkout back to origin on a
// fresh result branch, then removes the checkout. Every git step is
// independently fallible and non-fatal: a commit with nothing staged or a
// rejected push still ends with the checkout removed. A checkout that no
// longer exists is a no-op.
func (c *Client) Publish(ctx context.Context, runID string) error {
	path := filepath.Join(c.repoRoot, runID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	defer func() {
		if err := os.RemoveAll(path); err != nil {
			c.logger.Error(err, "failed to remove checkout", "event", "repo.publish.cleanup", "run_id", runID)
		}
	}()

	logger := c.logger.WithValues("run_id", runID)
	now := c.now()
	branch := fmt.Sprintf("%s%s-%s", run.NamespacePrefix, now.Format(branchDateFormat), runID)

	repo, err := git.PlainOpen(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open checkout of run %s", runID)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return errors.Wrapf(err, "failed to open worktree of run %s", runID)
	}

	// Keep preserves the worktree: the run's outputs are untracked at this
	// point and a plain checkout would wipe them.
	if err := worktree.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
		Keep:   true,
	}); err != nil {
		logger.Error(err, "failed to create result branch", "event", "repo.publish.branch", "branch", branch)
	}

	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		logger.Error(err, "failed to stage results", "event", "repo.publish.add")
	}

	message := fmt.Sprintf("secd: Inserting result of run %s finished at %s", runID, now.Format(run.DateFormat))
	if _, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: c.username, Email: c.username + "@secd", When: now},
	}); err != nil {
		logger.Error(err, "failed to commit results", "event", "repo.publish.commit")
	}

	refspec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	if err := repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{refspec},
	}); err != nil {
		logger.Error(err, "failed to push result branch", "event", "repo.publish.push", "branch", branch)
	} else {
		logger.Info("published results", "event", "repo.publish", "branch", branch)
	}

	return nil
}
