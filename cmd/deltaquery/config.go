package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/ethanyzhang/delta-go"
	"github.com/ethanyzhang/delta-go/deltaauth/secrets"
)

const (
	envPrefix            = "DELTA"
	defaultConnection    = "default"
	connectionsFile      = "connections.toml"
	homeEnv              = "DELTA_HOME"
	secretStoreKeyVault  = "keyvault"
	secretStoreKeyring   = "keyring"
	secretStoreEnv       = "env"
	defaultHomeDirectory = ".delta"
)

// Config is the resolved connection configuration of one CLI invocation.
type Config struct {
	WorkspaceURL string `mapstructure:"workspace-url"`
	WorkspaceID  string `mapstructure:"workspace-id"`
	WarehouseID  string `mapstructure:"warehouse-id"`
	Token        string `mapstructure:"token"`
	Catalog      string `mapstructure:"catalog"`
	Schema       string `mapstructure:"schema"`
	Connection   string `mapstructure:"connection"`
	Secrets      string `mapstructure:"secrets"`
	VaultURL     string `mapstructure:"vault-url"`
	LogLevel     string `mapstructure:"log-level"`
	MetricsAddr  string `mapstructure:"metrics-addr"`

	PollInterval    time.Duration `mapstructure:"poll-interval"`
	MaxPollAttempts int           `mapstructure:"max-poll-attempts"`
}

// Profile is one named connection in connections.toml.
type Profile struct {
	WorkspaceURL string `toml:"workspace_url"`
	WorkspaceID  string `toml:"workspace_id"`
	WarehouseID  string `toml:"warehouse_id"`
	Token        string `toml:"token"`
	Catalog      string `toml:"catalog"`
	Schema       string `toml:"schema"`
}

// loadConfig reads flags, DELTA_* environment variables and the optional
// config file through v. Values of the selected connection profile fill the
// fields left empty.
func loadConfig(v *viper.Viper, configFile string) (*Config, error) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	profiles, path, err := loadProfiles()
	if err != nil {
		return nil, err
	}
	name := cfg.Connection
	if name == "" {
		name = defaultConnection
	}
	if p, ok := profiles[name]; ok {
		log.Debug().Str("connection", name).Str("file", path).Msg("using connection profile")
		cfg.apply(p)
	} else if cfg.Connection != "" {
		return nil, fmt.Errorf("connection %q not found in %s", cfg.Connection, path)
	}
	return &cfg, nil
}

func (c *Config) apply(p Profile) {
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&c.WorkspaceURL, p.WorkspaceURL},
		{&c.WorkspaceID, p.WorkspaceID},
		{&c.WarehouseID, p.WarehouseID},
		{&c.Token, p.Token},
		{&c.Catalog, p.Catalog},
		{&c.Schema, p.Schema},
	} {
		if *f.dst == "" {
			*f.dst = f.src
		}
	}
}

// loadProfiles decodes $DELTA_HOME/connections.toml, defaulting to
// ~/.delta/connections.toml. A missing file yields no profiles.
func loadProfiles() (map[string]Profile, string, error) {
	dir := os.Getenv(homeEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, "", nil
		}
		dir = filepath.Join(home, defaultHomeDirectory)
	}
	path := filepath.Join(dir, connectionsFile)

	profiles := make(map[string]Profile)
	if _, err := toml.DecodeFile(path, &profiles); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return profiles, path, nil
		}
		return nil, path, fmt.Errorf("parse %s: %w", path, err)
	}
	return profiles, path, nil
}

// secretStore opens the fetcher selected by --secrets, or returns nil.
func (c *Config) secretStore() (secrets.Fetcher, error) {
	switch strings.ToLower(c.Secrets) {
	case "":
		return nil, nil
	case secretStoreKeyVault:
		if c.VaultURL == "" {
			return secrets.NewKeyVaultFromEnv()
		}
		return secrets.NewKeyVault(c.VaultURL, nil)
	case secretStoreKeyring:
		return secrets.OpenKeyring("")
	case secretStoreEnv:
		return secrets.Env{}, nil
	default:
		return nil, fmt.Errorf("unknown secret store %q (want keyvault, keyring or env)", c.Secrets)
	}
}

// fillSecrets reads the credentials not given on the command line from the
// secret store.
func (c *Config) fillSecrets(ctx context.Context, f secrets.Fetcher) error {
	keys := secrets.DefaultKeyOptions()
	for _, item := range []struct {
		key    string
		dst    *string
		needed bool
	}{
		{keys.WorkspaceId, &c.WorkspaceID, c.WorkspaceURL == ""},
		{keys.WarehouseId, &c.WarehouseID, true},
		{keys.ApiToken, &c.Token, true},
	} {
		if !item.needed || *item.dst != "" {
			continue
		}
		v, err := f.FetchSecret(ctx, item.key)
		if errors.Is(err, secrets.ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		*item.dst = v
	}
	return nil
}

// workspaceURL prefers an explicit URL over one derived from the workspace id.
func (c *Config) workspaceURL() string {
	if c.WorkspaceURL != "" {
		return c.WorkspaceURL
	}
	if c.WorkspaceID != "" {
		return delta.WorkspaceURL(c.WorkspaceID)
	}
	return ""
}

// newSession builds a validated session from the configuration.
func (c *Config) newSession(ctx context.Context, metrics *delta.Metrics) (*delta.Session, error) {
	store, err := c.secretStore()
	if err != nil {
		return nil, err
	}
	if store != nil {
		if err := c.fillSecrets(ctx, store); err != nil {
			return nil, err
		}
	}

	client, err := delta.NewClient(c.workspaceURL(), c.Token)
	if err != nil {
		return nil, err
	}
	client.Metrics(metrics)
	if c.PollInterval > 0 {
		client.PollInterval(c.PollInterval)
	}
	if c.MaxPollAttempts > 0 {
		client.MaxPollAttempts(c.MaxPollAttempts)
	}

	session := client.NewSession().Warehouse(c.WarehouseID)
	if c.Catalog != "" {
		session.Catalog(c.Catalog)
	}
	if c.Schema != "" {
		session.Schema(c.Schema)
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}
	return session, nil
}
