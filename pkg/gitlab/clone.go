package gitlab

import (
	"context"
	"os"

	git "github.com/go-git/go-git/v5"
	"github.com/pkg/errors"
)

// Clone checks the repository out into dest, which must not pre-exist. The
// clone URL carries the service credentials so the later result push needs no
// separate auth.
func (c *Client) Clone(ctx context.Context, httpURL, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return errors.Errorf("checkout directory %s already exists", dest)
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to stat checkout directory %s", dest)
	}

	if _, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL: c.authenticatedURL(httpURL),
	}); err != nil {
		return errors.Wrapf(err, "failed to clone %s", httpURL)
	}

	c.logger.Info("cloned repository", "event", "repo.clone", "url", httpURL, "dest", dest)
	return nil
}
