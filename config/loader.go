package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// Loader loads configuration for a codebase.
type Loader interface {
	// Load loads configuration from file and environment variables.
	// Priority: defaults → config file → environment variables (env wins)
	Load() (*Config, error)
}

// LoaderOption customizes a loader.
type LoaderOption func(*loader)

// WithConfigFile reads path instead of searching the default locations.
func WithConfigFile(path string) LoaderOption {
	return func(l *loader) { l.configFile = path }
}

type loader struct {
	rootDir    string
	configFile string
}

// NewLoader creates a loader for the codebase at rootDir.
func NewLoader(rootDir string, opts ...LoaderOption) Loader {
	l := &loader{rootDir: rootDir}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load loads configuration with the following priority (highest to lowest):
// 1. Environment variables (CODECTX_*)
// 2. Config file (<root>/.code-context/config.yaml, then the user config dir)
// 3. Default values
func (l *loader) Load() (*Config, error) {
	v := viper.New()

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(l.rootDir, ".code-context"))
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, AppName))
	}

	// CODECTX_INDEX_DIR, CODECTX_ASTGREP_BACKEND, ...
	v.SetEnvPrefix("CODECTX")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// keys without a default are only seen through explicit binding
	v.BindEnv("astgrep.binary")
	v.BindEnv("astgrep.upstream.args")
	v.BindEnv("astgrep.upstream.tool")
	v.BindEnv("index.ignore")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("astgrep.backend", defaults.AstGrep.Backend)
	v.SetDefault("astgrep.docker_binary", defaults.AstGrep.DockerBinary)
	v.SetDefault("astgrep.docker_image", defaults.AstGrep.DockerImage)
	v.SetDefault("astgrep.timeout", defaults.AstGrep.Timeout)
	v.SetDefault("astgrep.upstream.command", defaults.AstGrep.Upstream.Command)

	v.SetDefault("templates.dir", defaults.Templates.Dir)
	v.SetDefault("templates.disable_builtin", defaults.Templates.DisableBuiltin)
	v.SetDefault("templates.override_builtin", defaults.Templates.OverrideBuiltin)

	v.SetDefault("index.dir", defaults.Index.Dir)
	v.SetDefault("index.prefilter", defaults.Index.Prefilter)
	v.SetDefault("index.auto_reindex", defaults.Index.AutoReindex)

	v.SetDefault("cache.enabled", defaults.Cache.Enabled)
	v.SetDefault("cache.size", defaults.Cache.Size)
	v.SetDefault("cache.ttl", defaults.Cache.TTL)

	v.SetDefault("watch", defaults.Watch)
	v.SetDefault("default_language", defaults.DefaultLanguage)

	v.SetDefault("limits.default", defaults.Limits.Default)
	v.SetDefault("limits.max", defaults.Limits.Max)

	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
}

// LoadConfigFromDir loads configuration for the codebase at rootDir.
func LoadConfigFromDir(rootDir string) (*Config, error) {
	return NewLoader(rootDir).Load()
}
