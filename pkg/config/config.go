package config

import (
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config is the settings tree for the whole service. It is loaded once at
// startup and read-only from then on; collaborators receive the sub-struct
// they need, never the file path.
type Config struct {
	HTTP     HTTP     `yaml:"http"`
	GitLab   GitLab   `yaml:"gitlab"`
	Keycloak Keycloak `yaml:"keycloak"`
	Vault    Vault    `yaml:"vault"`
	Registry Registry `yaml:"registry"`
	Database Database `yaml:"database"`
	K8s      K8s      `yaml:"k8s"`
	Path     Path     `yaml:"path"`
}

type HTTP struct {
	ListenAddress string `yaml:"listenAddress"`
}

type GitLab struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// Secret is the shared secret the provider sends in X-Gitlab-Token.
	Secret   string `yaml:"secret"`
	Username string `yaml:"username"`
}

type Keycloak struct {
	URL   string `yaml:"url"`
	Realm string `yaml:"realm"`
	// Username/Password authenticate the admin surface via the AdminClientID
	// public client.
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	AdminClientID string `yaml:"adminClientId"`
	// ClientID/ClientSecret identify the confidential client whose roles gate
	// database access and against which tokens are minted and introspected.
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
}

type Vault struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
}

type Registry struct {
	URL      string `yaml:"url"`
	Project  string `yaml:"project"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// CAPath optionally pins the registry's certificate authority.
	CAPath string `yaml:"caPath"`
	// Host is the Docker daemon endpoint; empty means the client's default.
	Host string `yaml:"host"`
}

// Database carries the admin credentials the secrets broker uses to mint
// per-run users. They never reach a pod.
type Database struct {
	AdminUsername string `yaml:"adminUsername"`
	AdminPassword string `yaml:"adminPassword"`
}

type K8s struct {
	// ConfigPath points at a kubeconfig; empty means in-cluster config.
	ConfigPath string `yaml:"configPath"`
	// PVCPath is the root of the NFS export the output and cache PVs serve
	// from.
	PVCPath string `yaml:"pvcPath"`
}

type Path struct {
	RepoPath  string `yaml:"repoPath"`
	CachePath string `yaml:"cachePath"`
}

// Load reads, defaults and validates the settings tree at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.ListenAddress == "" {
		c.HTTP.ListenAddress = ":8080"
	}
	if c.Keycloak.AdminClientID == "" {
		c.Keycloak.AdminClientID = "admin-cli"
	}
}

// Validate reports every missing required setting at once rather than one per
// restart.
func (c *Config) Validate() error {
	var result *multierror.Error

	required := []struct {
		value, name string
	}{
		{c.GitLab.URL, "gitlab.url"},
		{c.GitLab.Token, "gitlab.token"},
		{c.GitLab.Secret, "gitlab.secret"},
		{c.GitLab.Username, "gitlab.username"},
		{c.Keycloak.URL, "keycloak.url"},
		{c.Keycloak.Realm, "keycloak.realm"},
		{c.Keycloak.Username, "keycloak.username"},
		{c.Keycloak.Password, "keycloak.password"},
		{c.Keycloak.ClientID, "keycloak.clientId"},
		{c.Keycloak.ClientSecret, "keycloak.clientSecret"},
		{c.Vault.Address, "vault.address"},
		{c.Vault.Token, "vault.token"},
		{c.Registry.URL, "registry.url"},
		{c.Registry.Project, "registry.project"},
		{c.Registry.Username, "registry.username"},
		{c.Registry.Password, "registry.password"},
		{c.Database.AdminUsername, "database.adminUsername"},
		{c.Database.AdminPassword, "database.adminPassword"},
		{c.K8s.PVCPath, "k8s.pvcPath"},
		{c.Path.RepoPath, "path.repoPath"},
		{c.Path.CachePath, "path.cachePath"},
	}

	for _, field := range required {
		if field.value == "" {
			result = multierror.Append(result, errors.Errorf("missing required setting %s", field.name))
		}
	}

	return result.ErrorOrNil()
}
