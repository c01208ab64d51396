package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/martin-wey/code-context-agent/handlers"
	"github.com/martin-wey/code-context-agent/retrieval"
)

var serveCmd = &cobra.Command{
	Use:   "serve [codebase]",
	Short: "Serve retrieval templates as MCP tools over stdio",
	Long: `Start a Model Context Protocol server on stdin/stdout for one codebase
(default: the current directory).

Every template becomes a tool named after it. The server also offers
run_pattern, list_templates, index_codebase, delete_index and
retrieval_status. Logs go to stderr.

Example MCP client entry:
  {"command": "code-context-agent", "args": ["serve", "/path/to/repo"]}`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, codebaseArg(args), currentOverrides())
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Watch {
		w, err := retrieval.NewWatcher(a.root, a.svc.Filter(), a.svc, a.logger)
		if err != nil {
			a.logger.Warn("file watching disabled", "err", err)
		} else {
			w.Start(ctx)
			defer w.Stop()
		}
	}

	s := server.NewMCPServer(
		"code-context-agent",
		Version,
		server.WithToolCapabilities(false),
	)
	handlers.RegisterTools(s, a.svc, a.logger)

	a.logger.Info("serving", "root", a.root, "backend", a.runner.Name(), "templates", len(a.svc.Templates()))

	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(a.logger.StandardLog())
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server error: %w", err)
	}
	a.logger.Info("shutting down")
	return nil
}
