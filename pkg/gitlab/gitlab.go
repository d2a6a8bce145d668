package gitlab

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	gitlab "github.com/xanzy/go-gitlab"
)

// Client is the repo-provider collaborator: it validates webhook payloads
// against the provider's REST API, clones checkouts, and publishes result
// branches back to origin.
type Client struct {
	gitlab *gitlab.Client
	logger logr.Logger

	// username pairs with the API token for authenticated clone and push URLs.
	username string
	token    string

	// repoRoot is the host directory checkouts live under, one subdirectory
	// per run id.
	repoRoot string

	now func() time.Time
}

type Config struct {
	URL      string
	Token    string
	Username string
	RepoRoot string
}

func NewClient(cfg Config, logger logr.Logger) (*Client, error) {
	return NewClientWithHTTPClient(cfg, &http.Client{}, logger)
}

// NewClientWithHTTPClient lets tests intercept the REST transport.
func NewClientWithHTTPClient(cfg Config, httpClient *http.Client, logger logr.Logger) (*Client, error) {
	client, err := gitlab.NewClient(cfg.Token, gitlab.WithBaseURL(cfg.URL), gitlab.WithHTTPClient(httpClient))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gitlab client")
	}

	return &Client{
		gitlab:   client,
		logger:   logger.WithValues("component", "gitlab"),
		username: cfg.Username,
		token:    cfg.Token,
		repoRoot: cfg.RepoRoot,
		now:      time.Now,
	}, nil
}

// IdentityUserID resolves a provider user to the external identity it logs in
// with, which is what the identity provider and the namespace annotations key
// on.
func (c *Client) IdentityUserID(ctx context.Context, userID int) (string, error) {
	user, _, err := c.gitlab.Users.GetUser(userID, gitlab.GetUsersOptions{}, gitlab.WithContext(ctx))
	if err != nil {
		return "", errors.Wrapf(err, "failed to get gitlab user %d", userID)
	}

	if len(user.Identities) == 0 {
		return "", errors.Errorf("gitlab user %d has no external identity", userID)
	}

	return user.Identities[0].ExternUID, nil
}

// authenticatedURL injects the clone credentials into a repository's https
// URL.
func (c *Client) authenticatedURL(httpURL string) string {
	return strings.Replace(httpURL, "https://", "https://"+c.username+":"+c.token+"@", 1)
}
