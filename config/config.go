// Package config loads code-context-agent settings from defaults, YAML
// files, environment variables and command-line overrides.
package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// AppName names the per-user config and data directories.
const AppName = "code-context-agent"

// Config is the complete agent configuration.
type Config struct {
	AstGrep         AstGrepConfig   `yaml:"astgrep" mapstructure:"astgrep"`
	Templates       TemplatesConfig `yaml:"templates" mapstructure:"templates"`
	Index           IndexConfig     `yaml:"index" mapstructure:"index"`
	Cache           CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Watch           bool            `yaml:"watch" mapstructure:"watch"`                       // watch the codebase for changes
	DefaultLanguage string          `yaml:"default_language" mapstructure:"default_language"` // used when a call names no language
	Limits          LimitsConfig    `yaml:"limits" mapstructure:"limits"`
	Log             LogConfig       `yaml:"log" mapstructure:"log"`
}

// AstGrepConfig selects and configures the ast-grep backend.
type AstGrepConfig struct {
	Backend      string         `yaml:"backend" mapstructure:"backend"`             // "local", "docker" or "mcp"
	Binary       string         `yaml:"binary" mapstructure:"binary"`               // empty means look up ast-grep, then sg
	DockerBinary string         `yaml:"docker_binary" mapstructure:"docker_binary"` // docker or a compatible CLI
	DockerImage  string         `yaml:"docker_image" mapstructure:"docker_image"`
	Timeout      time.Duration  `yaml:"timeout" mapstructure:"timeout"`
	Upstream     UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`
}

// UpstreamConfig describes the ast-grep MCP server used by the "mcp" backend.
type UpstreamConfig struct {
	Command string   `yaml:"command" mapstructure:"command"`
	Args    []string `yaml:"args" mapstructure:"args"` // empty means run the docker image with the codebase mounted
	Tool    string   `yaml:"tool" mapstructure:"tool"` // empty means the first tool the server lists
}

// TemplatesConfig controls where user templates come from.
type TemplatesConfig struct {
	Dir             string `yaml:"dir" mapstructure:"dir"`
	DisableBuiltin  bool   `yaml:"disable_builtin" mapstructure:"disable_builtin"`
	OverrideBuiltin bool   `yaml:"override_builtin" mapstructure:"override_builtin"`
}

// IndexConfig controls the trigram prefilter.
type IndexConfig struct {
	Dir         string   `yaml:"dir" mapstructure:"dir"`
	Prefilter   bool     `yaml:"prefilter" mapstructure:"prefilter"`
	AutoReindex bool     `yaml:"auto_reindex" mapstructure:"auto_reindex"`
	Ignore      []string `yaml:"ignore" mapstructure:"ignore"` // globs relative to the codebase root
}

// CacheConfig sizes the result cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Size    int           `yaml:"size" mapstructure:"size"` // entries
	TTL     time.Duration `yaml:"ttl" mapstructure:"ttl"` // 0 disables expiry
}

// LimitsConfig bounds the number of matches returned per call.
type LimitsConfig struct {
	Default int `yaml:"default" mapstructure:"default"`
	Max     int `yaml:"max" mapstructure:"max"`
}

// LogConfig configures the stderr logger.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // text, json, logfmt
}

// DefaultIndexDir is where prefilter shards live unless configured.
func DefaultIndexDir() string {
	return filepath.Join(xdg.DataHome, AppName, "index")
}

// DefaultTemplatesDir is the per-user template directory.
func DefaultTemplatesDir() string {
	return filepath.Join(xdg.ConfigHome, AppName, "templates")
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		AstGrep: AstGrepConfig{
			Backend:      "local",
			DockerBinary: "docker",
			DockerImage:  "mcp/ast-grep",
			Timeout:      30 * time.Second,
			Upstream: UpstreamConfig{
				Command: "docker",
			},
		},
		Templates: TemplatesConfig{
			Dir: DefaultTemplatesDir(),
		},
		Index: IndexConfig{
			Dir:       DefaultIndexDir(),
			Prefilter: true,
		},
		Cache: CacheConfig{
			Enabled: true,
			Size:    1000,
			TTL:     10 * time.Minute,
		},
		Watch:           true,
		DefaultLanguage: "python",
		Limits: LimitsConfig{
			Default: 50,
			Max:     500,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
