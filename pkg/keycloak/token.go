package keycloak

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// Token requests a token for the given credentials using the resource-owner
// password grant against the configured confidential client.
func (c *Client) Token(ctx context.Context, username, password string) (*oauth2.Token, error) {
	conf := &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: c.cfg.tokenURL()},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	token, err := conf.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get token for %s", username)
	}

	return token, nil
}

// ValidateToken introspects a bearer token. Validity is exactly the
// introspection response's active flag.
func (c *Client) ValidateToken(ctx context.Context, token string) (bool, error) {
	form := url.Values{"token": {token}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.tokenURL()+"/introspect", strings.NewReader(form.Encode()))
	if err != nil {
		return false, errors.Wrap(err, "failed to build introspection request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "failed to introspect token")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, errors.Errorf("failed to introspect token: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, errors.Wrap(err, "failed to read introspection response")
	}

	introspection := struct {
		Active bool `json:"active"`
	}{}
	if err := json.Unmarshal(body, &introspection); err != nil {
		return false, errors.Wrap(err, "failed to parse introspection response")
	}

	return introspection.Active, nil
}
