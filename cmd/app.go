package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/martin-wey/code-context-agent/astgrep"
	"github.com/martin-wey/code-context-agent/config"
	"github.com/martin-wey/code-context-agent/indexer"
	"github.com/martin-wey/code-context-agent/logging"
	"github.com/martin-wey/code-context-agent/retrieval"
	"github.com/martin-wey/code-context-agent/templates"
)

// app holds everything a command needs for one codebase.
type app struct {
	root   string
	cfg    *config.Config
	logger *log.Logger
	runner astgrep.Runner
	index  *indexer.IndexManager
	svc    *retrieval.Service
}

// overrides are command-line settings applied on top of loaded config.
type overrides struct {
	configFile string
	backend    string
	verbose    bool
}

func currentOverrides() overrides {
	return overrides{configFile: cfgFile, backend: backendFlag, verbose: verbose}
}

// newApp loads configuration for the codebase at root and wires the
// retrieval service.
func newApp(ctx context.Context, root string, ov overrides) (*app, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve codebase path: %w", err)
	}

	cfg, err := loadConfig(absRoot, ov)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	runner, err := newRunner(ctx, cfg, absRoot, logger)
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(cfg, absRoot)
	if err != nil {
		closeRunner(runner)
		return nil, err
	}

	idx, err := indexer.NewIndexManager(cfg.Index.Dir, cfg.Index.Ignore)
	if err != nil {
		closeRunner(runner)
		return nil, err
	}

	svc, err := retrieval.NewService(retrieval.Options{
		Root:            absRoot,
		DefaultLanguage: cfg.DefaultLanguage,
		DefaultLimit:    cfg.Limits.Default,
		MaxLimit:        cfg.Limits.Max,
		Prefilter:       cfg.Index.Prefilter,
		AutoReindex:     cfg.Index.AutoReindex,
		CacheEnabled:    cfg.Cache.Enabled,
		CacheSize:       cfg.Cache.Size,
		CacheTTL:        cfg.Cache.TTL,
	}, runner, registry, idx, logger)
	if err != nil {
		closeRunner(runner)
		return nil, err
	}

	logger.Debug("configured", "root", absRoot, "backend", runner.Name(),
		"templates", registry.Len(), "index_dir", cfg.Index.Dir)

	return &app{
		root:   absRoot,
		cfg:    cfg,
		logger: logger,
		runner: runner,
		index:  idx,
		svc:    svc,
	}, nil
}

func (a *app) Close() {
	a.svc.Close()
	closeRunner(a.runner)
}

func loadConfig(root string, ov overrides) (*config.Config, error) {
	var opts []config.LoaderOption
	if ov.configFile != "" {
		opts = append(opts, config.WithConfigFile(ov.configFile))
	}
	cfg, err := config.NewLoader(root, opts...).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if ov.backend != "" {
		cfg.AstGrep.Backend = ov.backend
	}
	if ov.verbose {
		cfg.Log.Level = "debug"
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newRunner(ctx context.Context, cfg *config.Config, root string, logger *log.Logger) (astgrep.Runner, error) {
	ac := cfg.AstGrep
	switch ac.Backend {
	case "docker":
		return &astgrep.DockerRunner{
			Docker:  ac.DockerBinary,
			Image:   ac.DockerImage,
			Timeout: ac.Timeout,
			Logger:  logger,
		}, nil

	case "mcp":
		args := ac.Upstream.Args
		if len(args) == 0 {
			args = astgrep.DefaultUpstreamArgs(root, ac.DockerImage)
		}
		return &astgrep.UpstreamRunner{
			Dial:    astgrep.StdioDialer(ac.Upstream.Command, nil, args...),
			Tool:    ac.Upstream.Tool,
			Timeout: ac.Timeout,
			Logger:  logger,
		}, nil

	default:
		r, err := astgrep.NewLocalRunner(ac.Binary, ac.Timeout, logger)
		if err != nil {
			return nil, fmt.Errorf("%w, or use --backend docker", err)
		}
		if err := r.Available(ctx); err != nil {
			return nil, err
		}
		return r, nil
	}
}

func closeRunner(r astgrep.Runner) {
	if c, ok := r.(interface{ Close() error }); ok {
		c.Close()
	}
}

// buildRegistry merges built-in, user and project templates. Later sources
// replace earlier ones only when templates.override_builtin is set.
func buildRegistry(cfg *config.Config, root string) (*templates.Registry, error) {
	var base []*templates.Template
	if !cfg.Templates.DisableBuiltin {
		base = templates.Builtins()
	}
	registry, err := templates.NewRegistry(base...)
	if err != nil {
		return nil, err
	}

	dirs := []string{cfg.Templates.Dir, filepath.Join(root, ".code-context", "templates")}
	seen := make(map[string]bool)
	for _, dir := range dirs {
		if dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true

		loaded, err := templates.LoadDir(dir)
		if err != nil {
			return nil, err
		}
		if err := registry.Merge(loaded, cfg.Templates.OverrideBuiltin); err != nil {
			return nil, fmt.Errorf("templates in %s: %w", dir, err)
		}
	}
	return registry, nil
}

// codebaseArg returns the optional codebase argument, defaulting to ".".
func codebaseArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}
