package vault

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/hashicorp/vault/api"
	"github.com/pkg/errors"

	"github.com/secd-project/secd/pkg/controlflow"
)

// Client provisions the secrets broker objects a relational-DB run needs:
// a database connection, a dynamic-credentials role, a read policy, and the
// cluster auth role binding the run's service account to that policy.
type Client struct {
	vault  *api.Client
	logger logr.Logger
}

// Database describes one brokered database and the namespace of the run that
// wants credentials for it. The admin credentials let the broker mint
// per-request users; they never reach a pod.
type Database struct {
	Name          string
	Type          string
	Namespace     string
	AdminUsername string
	AdminPassword string
}

func (d Database) role() string      { return fmt.Sprintf("role-%s", d.Name) }
func (d Database) policy() string    { return fmt.Sprintf("policy-%s", d.Name) }
func (d Database) account() string   { return fmt.Sprintf("sa-%s", d.Name) }
func (d Database) credsPath() string { return fmt.Sprintf("database/creds/%s", d.role()) }

// authRole is unique per run: the same database may be bound into many
// namespaces at once.
func (d Database) authRole() string {
	return fmt.Sprintf("%s-%s", d.role(), d.Namespace)
}

func (d Database) connectionURL() string {
	return fmt.Sprintf("{{username}}:{{password}}@tcp(service-%s.%s:3306)/", d.Name, "storage.svc.cluster.local")
}

func NewClient(address, token string, logger logr.Logger) (*Client, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create vault client")
	}
	client.SetToken(token)

	return NewClientFrom(client, logger), nil
}

// NewClientFrom wraps an existing API client, letting tests intercept its
// transport.
func NewClientFrom(client *api.Client, logger logr.Logger) *Client {
	return &Client{
		vault:  client,
		logger: logger.WithValues("component", "vault"),
	}
}

// Ping verifies connectivity and authentication before the server starts
// accepting hooks.
func (c *Client) Ping(ctx context.Context) error {
	health, err := c.vault.Sys().HealthWithContext(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to reach vault")
	}
	if health.Sealed {
		return errors.New("vault is sealed")
	}

	return nil
}

// Setup provisions everything a relational run needs, in order. Every step is
// idempotent: concurrent runs against the same database converge on identical
// objects, and "already exists" never fails a run.
func (c *Client) Setup(ctx context.Context, db Database) error {
	return controlflow.All(
		func() error { return c.EnsureDatabaseEngine(ctx) },
		func() error { return c.EnsureKubernetesAuth(ctx) },
		func() error { return c.ConfigureConnection(ctx, db) },
		func() error { return c.CreateRole(ctx, db) },
		func() error { return c.CreatePolicy(ctx, db) },
		func() error { return c.CreateKubernetesAuthRole(ctx, db) },
	)
}

// EnsureDatabaseEngine mounts the database secrets engine, tolerating an
// existing mount.
func (c *Client) EnsureDatabaseEngine(ctx context.Context) error {
	err := c.vault.Sys().MountWithContext(ctx, "database", &api.MountInput{Type: "database"})
	if err != nil && !isAlreadyInUse(err) {
		return errors.Wrap(err, "failed to mount database secrets engine")
	}

	return nil
}

// EnsureKubernetesAuth enables the kubernetes auth method, tolerating an
// existing mount.
func (c *Client) EnsureKubernetesAuth(ctx context.Context) error {
	err := c.vault.Sys().EnableAuthWithOptionsWithContext(ctx, "kubernetes", &api.EnableAuthOptions{Type: "kubernetes"})
	if err != nil && !isAlreadyInUse(err) {
		return errors.Wrap(err, "failed to enable kubernetes auth")
	}

	return nil
}

// ConfigureConnection registers the database connection the dynamic roles
// draw from. Writes are upserts, so reconfiguring with identical values is a
// no-op.
func (c *Client) ConfigureConnection(ctx context.Context, db Database) error {
	_, err := c.vault.Logical().WriteWithContext(ctx, fmt.Sprintf("database/config/%s", db.Name), map[string]interface{}{
		"plugin_name":    fmt.Sprintf("%s-database-plugin", db.Type),
		"connection_url": db.connectionURL(),
		"allowed_roles":  db.role(),
		"username":       db.AdminUsername,
		"password":       db.AdminPassword,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to configure database connection %s", db.Name)
	}

	c.logger.Info("configured database connection", "event", "vault.connection.configure", "database", db.Name)
	return nil
}

// CreateRole registers the dynamic-credentials role: each read mints a
// SELECT-only database user living at most a day.
func (c *Client) CreateRole(ctx context.Context, db Database) error {
	_, err := c.vault.Logical().WriteWithContext(ctx, fmt.Sprintf("database/roles/%s", db.role()), map[string]interface{}{
		"db_name": db.Name,
		"creation_statements": []string{
			"CREATE USER '{{name}}'@'%' IDENTIFIED BY '{{password}}';",
			"GRANT SELECT ON *.* TO '{{name}}'@'%';",
		},
		"default_ttl": "1h",
		"max_ttl":     "24h",
	})
	if err != nil {
		return errors.Wrapf(err, "failed to create database role %s", db.role())
	}

	c.logger.Info("created database role", "event", "vault.role.create", "role", db.role())
	return nil
}

// CreatePolicy grants read on the role's credentials path and nothing else.
func (c *Client) CreatePolicy(ctx context.Context, db Database) error {
	rules := fmt.Sprintf(`path "%s" {
  capabilities = ["read"]
}
`, db.credsPath())

	if err := c.vault.Sys().PutPolicyWithContext(ctx, db.policy(), rules); err != nil {
		return errors.Wrapf(err, "failed to create policy %s", db.policy())
	}

	c.logger.Info("created policy", "event", "vault.policy.create", "policy", db.policy())
	return nil
}

// CreateKubernetesAuthRole binds the run's service account to the policy.
func (c *Client) CreateKubernetesAuthRole(ctx context.Context, db Database) error {
	_, err := c.vault.Logical().WriteWithContext(ctx, fmt.Sprintf("auth/kubernetes/role/%s", db.authRole()), map[string]interface{}{
		"bound_service_account_names":      db.account(),
		"bound_service_account_namespaces": db.Namespace,
		"token_policies":                   db.policy(),
		"token_ttl":                        "1h",
	})
	if err != nil {
		return errors.Wrapf(err, "failed to create kubernetes auth role %s", db.authRole())
	}

	c.logger.Info("created kubernetes auth role", "event", "vault.authrole.create", "role", db.authRole())
	return nil
}

func isAlreadyInUse(err error) bool {
	return err != nil && strings.Contains(err.Error(), "path is already in use")
}
