package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// Client speaks to the identity provider on two surfaces: the admin REST API
// (users, groups, client roles) and the OIDC token endpoints (password grant,
// introspection). The admin surface authenticates with a self-refreshing
// password-grant token source; the token surface authenticates as the
// configured confidential client.
type Client struct {
	cfg    Config
	admin  *http.Client
	http   *http.Client
	logger logr.Logger
}

type Config struct {
	URL   string
	Realm string

	// Username/Password authenticate the admin surface through AdminClientID.
	Username      string
	Password      string
	AdminClientID string

	// ClientID/ClientSecret identify the confidential client whose roles gate
	// database access and against which tokens are minted and introspected.
	ClientID     string
	ClientSecret string
}

func (c Config) adminURL(parts ...string) string {
	return c.URL + "/admin/realms/" + c.Realm + "/" + strings.Join(parts, "/")
}

func (c Config) tokenURL() string {
	return c.URL + "/realms/" + c.Realm + "/protocol/openid-connect/token"
}

func NewClient(cfg Config, logger logr.Logger) *Client {
	return NewClientWithHTTPClient(cfg, &http.Client{}, logger)
}

// NewClientWithHTTPClient lets tests intercept both surfaces' transports.
func NewClientWithHTTPClient(cfg Config, httpClient *http.Client, logger logr.Logger) *Client {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)

	conf := &oauth2.Config{
		ClientID: cfg.AdminClientID,
		Endpoint: oauth2.Endpoint{TokenURL: cfg.tokenURL()},
	}
	source := oauth2.ReuseTokenSource(nil, &passwordSource{
		ctx:      ctx,
		conf:     conf,
		username: cfg.Username,
		password: cfg.Password,
	})

	return &Client{
		cfg:    cfg,
		admin:  oauth2.NewClient(ctx, source),
		http:   httpClient,
		logger: logger.WithValues("component", "keycloak"),
	}
}

// passwordSource mints admin tokens with the resource-owner password grant.
// ReuseTokenSource wraps it so a token is only re-requested once expired.
type passwordSource struct {
	ctx      context.Context
	conf     *oauth2.Config
	username string
	password string
}

func (s *passwordSource) Token() (*oauth2.Token, error) {
	return s.conf.PasswordCredentialsToken(s.ctx, s.username, s.password)
}

type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type apiClient struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId"`
}

// CreateUser creates an enabled user with a password credential and returns
// its id, parsed from the Location header.
func (c *Client) CreateUser(ctx context.Context, username, password string) (string, error) {
	body := map[string]interface{}{
		"username": username,
		"email":    username + "@example.com",
		"enabled":  true,
		"credentials": []map[string]interface{}{
			{"type": "password", "value": password, "temporary": false},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode user")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.adminURL("users"), bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "failed to build create user request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.admin.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create user %s", username)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", errors.Errorf("failed to create user %s: status %d", username, resp.StatusCode)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", errors.Errorf("create user %s returned no Location header", username)
	}

	parts := strings.Split(location, "/")
	id := parts[len(parts)-1]

	c.logger.Info("created user", "event", "keycloak.user.create", "username", username, "user_id", id)
	return id, nil
}

func (c *Client) DeleteUser(ctx context.Context, userID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.adminURL("users", userID), nil)
	if err != nil {
		return errors.Wrap(err, "failed to build delete user request")
	}

	resp, err := c.admin.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to delete user %s", userID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return errors.Errorf("failed to delete user %s: status %d", userID, resp.StatusCode)
	}

	c.logger.Info("deleted user", "event", "keycloak.user.delete", "user_id", userID)
	return nil
}

// UserGroups lists the groups a user belongs to.
func (c *Client) UserGroups(ctx context.Context, userID string) ([]Group, error) {
	groups := []Group{}
	if err := c.getJSON(ctx, c.cfg.adminURL("users", userID, "groups"), &groups); err != nil {
		return nil, errors.Wrapf(err, "failed to list groups of user %s", userID)
	}

	return groups, nil
}

// UserClientRoles lists a user's roles scoped to the named client. The admin
// API keys role mappings on the client's internal id, which is resolved
// first.
func (c *Client) UserClientRoles(ctx context.Context, userID, clientID string) ([]Role, error) {
	internalID, err := c.clientInternalID(ctx, clientID)
	if err != nil {
		return nil, err
	}

	roles := []Role{}
	if err := c.getJSON(ctx, c.cfg.adminURL("users", userID, "role-mappings", "clients", internalID), &roles); err != nil {
		return nil, errors.Wrapf(err, "failed to list roles of user %s on client %s", userID, clientID)
	}

	return roles, nil
}

// IsInGroup reports whether the user's groups contain one named group.
func (c *Client) IsInGroup(ctx context.Context, userID, group string) (bool, error) {
	groups, err := c.UserGroups(ctx, userID)
	if err != nil {
		return false, err
	}

	for _, candidate := range groups {
		if candidate.Name == group {
			return true, nil
		}
	}

	return false, nil
}

// HasClientRole reports whether the user carries the named role on the named
// client.
func (c *Client) HasClientRole(ctx context.Context, userID, clientID, role string) (bool, error) {
	roles, err := c.UserClientRoles(ctx, userID, clientID)
	if err != nil {
		return false, err
	}

	for _, candidate := range roles {
		if candidate.Name == role {
			return true, nil
		}
	}

	return false, nil
}

func (c *Client) clientInternalID(ctx context.Context, clientID string) (string, error) {
	clients := []apiClient{}
	if err := c.getJSON(ctx, c.cfg.adminURL("clients")+"?clientId="+clientID, &clients); err != nil {
		return "", errors.Wrapf(err, "failed to look up client %s", clientID)
	}

	if len(clients) == 0 {
		return "", errors.Errorf("no client named %s", clientID)
	}

	return clients[0].ID, nil
}

func (c *Client) getJSON(ctx context.Context, url string, into interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.admin.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	return json.Unmarshal(body, into)
}
