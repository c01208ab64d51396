package config

import (
	"errors"
	"fmt"

	"github.com/martin-wey/code-context-agent/astgrep"
)

var (
	ErrInvalidBackend  = errors.New("invalid ast-grep backend")
	ErrInvalidTimeout  = errors.New("invalid timeout")
	ErrInvalidLimits   = errors.New("invalid limits")
	ErrInvalidCache    = errors.New("invalid cache settings")
	ErrInvalidLog      = errors.New("invalid log settings")
	ErrInvalidLanguage = errors.New("invalid default language")
)

var (
	validBackends   = map[string]bool{"local": true, "docker": true, "mcp": true}
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"text": true, "json": true, "logfmt": true}
)

// Validate checks that the configuration is valid and complete. All problems
// are reported together.
func Validate(cfg *Config) error {
	var errs []error

	if !validBackends[cfg.AstGrep.Backend] {
		errs = append(errs, fmt.Errorf("%w: %q (must be local, docker or mcp)", ErrInvalidBackend, cfg.AstGrep.Backend))
	}
	if cfg.AstGrep.Backend == "mcp" && cfg.AstGrep.Upstream.Command == "" {
		errs = append(errs, fmt.Errorf("%w: astgrep.upstream.command is required for the mcp backend", ErrInvalidBackend))
	}
	if cfg.AstGrep.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: astgrep.timeout must be positive, got %s", ErrInvalidTimeout, cfg.AstGrep.Timeout))
	}

	if cfg.Limits.Default <= 0 {
		errs = append(errs, fmt.Errorf("%w: limits.default must be positive, got %d", ErrInvalidLimits, cfg.Limits.Default))
	}
	if cfg.Limits.Max < cfg.Limits.Default {
		errs = append(errs, fmt.Errorf("%w: limits.max (%d) must be at least limits.default (%d)", ErrInvalidLimits, cfg.Limits.Max, cfg.Limits.Default))
	}

	if cfg.Cache.Enabled && cfg.Cache.Size <= 0 {
		errs = append(errs, fmt.Errorf("%w: cache.size must be positive, got %d", ErrInvalidCache, cfg.Cache.Size))
	}
	if cfg.Cache.TTL < 0 {
		errs = append(errs, fmt.Errorf("%w: cache.ttl cannot be negative", ErrInvalidCache))
	}

	if !validLogLevels[cfg.Log.Level] {
		errs = append(errs, fmt.Errorf("%w: level %q", ErrInvalidLog, cfg.Log.Level))
	}
	if !validLogFormats[cfg.Log.Format] {
		errs = append(errs, fmt.Errorf("%w: format %q", ErrInvalidLog, cfg.Log.Format))
	}

	if _, err := astgrep.NormalizeLanguage(cfg.DefaultLanguage); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidLanguage, err))
	}

	return errors.Join(errs...)
}
