package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/martin-wey/code-context-agent/retrieval"
)

// searchFlags are shared by run and pattern.
type searchFlags struct {
	codebase   string
	language   string
	files      []string
	globs      []string
	limit      int
	strictness string
}

func (f *searchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.codebase, "codebase", "C", ".", "codebase root")
	cmd.Flags().StringVarP(&f.language, "language", "l", "", "target language (default from config)")
	cmd.Flags().StringSliceVar(&f.files, "files", nil, "files or directories to search, relative to the codebase")
	cmd.Flags().StringSliceVar(&f.globs, "globs", nil, "only keep matches in files matching these globs (root-relative; a glob without a slash matches file names)")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "maximum matches to print (default from config)")
	cmd.Flags().StringVar(&f.strictness, "strictness", "", "cst, smart, ast, relaxed or signature")
}

var runFlags searchFlags

var runCmd = &cobra.Command{
	Use:   "run <template> [param=value...]",
	Short: "Run a template once and print the matches as JSON",
	Long: `Run a retrieval template against a codebase and print the result as JSON.

Examples:
  # Find the definition of merge_sort in Python files
  code-context-agent run function_definition function_name=merge_sort --files merge.py

  # Find Go imports of a package
  code-context-agent run import_statement module=net/http -l go -C ~/src/service`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(args[1:])
		if err != nil {
			return err
		}
		return withApp(runFlags.codebase, func(ctx context.Context, a *app) error {
			res, err := a.svc.RunTemplate(ctx, retrieval.TemplateQuery{
				Template:    args[0],
				Language:    runFlags.language,
				Args:        params,
				TargetFiles: runFlags.files,
				FileGlobs:   runFlags.globs,
				Limit:       runFlags.limit,
				Strictness:  runFlags.strictness,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

func init() {
	runFlags.register(runCmd)
	rootCmd.AddCommand(runCmd)
}

// parseParams turns "key=value" arguments into template arguments.
func parseParams(args []string) (map[string]string, error) {
	params := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid argument %q, expected param=value", arg)
		}
		params[key] = value
	}
	return params, nil
}

// withApp builds an app for codebase, runs fn and closes the app. Ctrl+C
// cancels fn's context.
func withApp(codebase string, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, codebase, currentOverrides())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
