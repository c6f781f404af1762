package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Required desired-state keys; convergence is blocked until all four are set.
const (
	KeyGPGKey        = "gpg-key"
	KeySchedule      = "schedule"
	KeyGitRef        = "git-ref"
	KeyGitRepository = "git-repository"
)

// Config represents the complete ddebsyncd configuration
type Config struct {
	Retriever RetrieverConfig `yaml:"retriever"`
	Paths     PathsConfig     `yaml:"paths"`
	Identity  IdentityConfig  `yaml:"identity"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Serve     ServeConfig     `yaml:"serve"`
}

// RetrieverConfig is the desired state for the managed retriever deployment.
// Empty fields are legal at load time: the reconciler reports them as a
// blocked status instead of refusing to start.
type RetrieverConfig struct {
	GPGKey        string `yaml:"gpg_key"`
	Schedule      string `yaml:"schedule"`
	GitRef        string `yaml:"git_ref"`
	GitRepository string `yaml:"git_repository"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	InstallDir       string `yaml:"install_dir"`
	ArchiveDir       string `yaml:"archive_dir"`
	StateDir         string `yaml:"state_dir"`
	UnitDir          string `yaml:"unit_dir"`
	ApacheConfDir    string `yaml:"apache_conf_dir"`
	ApacheEnabledDir string `yaml:"apache_enabled_dir"`
}

// IdentityConfig configures the system identity the retriever runs as
type IdentityConfig struct {
	User  string `yaml:"user"`
	Group string `yaml:"group"`
	Home  string `yaml:"home"`
}

// ProxyConfig carries the egress proxy settings rendered into the service unit
type ProxyConfig struct {
	HTTP    string `yaml:"http"`
	HTTPS   string `yaml:"https"`
	NoProxy string `yaml:"no_proxy"`
}

// ServeConfig configures the action HTTP server
type ServeConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddr       string `yaml:"listen_addr"`
	ActionSecretFile string `yaml:"action_secret_file"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Retriever.GPGKey = os.ExpandEnv(c.Retriever.GPGKey)
	c.Retriever.Schedule = os.ExpandEnv(c.Retriever.Schedule)
	c.Retriever.GitRef = os.ExpandEnv(c.Retriever.GitRef)
	c.Retriever.GitRepository = os.ExpandEnv(c.Retriever.GitRepository)
	c.Paths.InstallDir = os.ExpandEnv(c.Paths.InstallDir)
	c.Paths.ArchiveDir = os.ExpandEnv(c.Paths.ArchiveDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Paths.UnitDir = os.ExpandEnv(c.Paths.UnitDir)
	c.Paths.ApacheConfDir = os.ExpandEnv(c.Paths.ApacheConfDir)
	c.Paths.ApacheEnabledDir = os.ExpandEnv(c.Paths.ApacheEnabledDir)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.ActionSecretFile = os.ExpandEnv(c.Serve.ActionSecretFile)
}

// applyDefaults fills in zero-value fields with the standard host layout.
func (c *Config) applyDefaults() {
	if c.Paths.InstallDir == "" {
		c.Paths.InstallDir = "/opt/ddeb-retriever"
	}
	if c.Paths.ArchiveDir == "" {
		c.Paths.ArchiveDir = "/srv/ddebs"
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = "/var/lib/ddebsyncd"
	}
	if c.Paths.UnitDir == "" {
		c.Paths.UnitDir = "/etc/systemd/system"
	}
	if c.Paths.ApacheConfDir == "" {
		c.Paths.ApacheConfDir = "/etc/apache2/conf-available"
	}
	if c.Paths.ApacheEnabledDir == "" {
		c.Paths.ApacheEnabledDir = "/etc/apache2/conf-enabled"
	}
	if c.Identity.User == "" {
		c.Identity.User = "ddeb"
	}
	if c.Identity.Group == "" {
		c.Identity.Group = "www-data"
	}
	if c.Identity.Home == "" {
		c.Identity.Home = "/var/cache/ddeb"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	for name, path := range map[string]string{
		"paths.install_dir":        c.Paths.InstallDir,
		"paths.archive_dir":        c.Paths.ArchiveDir,
		"paths.state_dir":          c.Paths.StateDir,
		"paths.unit_dir":           c.Paths.UnitDir,
		"paths.apache_conf_dir":    c.Paths.ApacheConfDir,
		"paths.apache_enabled_dir": c.Paths.ApacheEnabledDir,
	} {
		if !filepath.IsAbs(path) {
			return fmt.Errorf("%s must be an absolute path: %s", name, path)
		}
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.ActionSecretFile == "" {
			return fmt.Errorf("serve.action_secret_file is required when serve is enabled")
		}
	}

	return nil
}

// MissingKeys returns the required desired-state keys with no value, in
// declaration order. An empty result means convergence may proceed.
func (r RetrieverConfig) MissingKeys() []string {
	var missing []string
	for _, kv := range []struct {
		key   string
		value string
	}{
		{KeyGPGKey, r.GPGKey},
		{KeySchedule, r.Schedule},
		{KeyGitRef, r.GitRef},
		{KeyGitRepository, r.GitRepository},
	} {
		if kv.value == "" {
			missing = append(missing, kv.key)
		}
	}
	return missing
}

// WithEnvFallback returns the proxy settings with empty fields filled from the
// process environment. Called once at the start of a convergence run so the
// values flow through by value instead of ambient globals.
func (p ProxyConfig) WithEnvFallback() ProxyConfig {
	if p.HTTP == "" {
		p.HTTP = os.Getenv("HTTP_PROXY")
	}
	if p.HTTPS == "" {
		p.HTTPS = os.Getenv("HTTPS_PROXY")
	}
	if p.NoProxy == "" {
		p.NoProxy = os.Getenv("NO_PROXY")
	}
	return p
}

// RunCommand returns the retriever invocation: the installed binary pointed at
// the archive directory.
func (c *Config) RunCommand() []string {
	return []string{filepath.Join(c.Paths.InstallDir, "ddeb-retriever"), "-r", c.Paths.ArchiveDir}
}

// StatusFilePath returns the path to the published status document
func (c *Config) StatusFilePath() string {
	return filepath.Join(c.Paths.StateDir, "status.json")
}
