package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/martin-wey/code-context-agent/retrieval"
)

var patternFlags searchFlags

var patternCmd = &cobra.Command{
	Use:   "pattern <pattern>",
	Short: "Run a raw ast-grep pattern once and print the matches as JSON",
	Long: `Run an ast-grep pattern against a codebase without a template.

Example:
  code-context-agent pattern 'print($$$ARGS)' -l python --globs 'src/**'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(patternFlags.codebase, func(ctx context.Context, a *app) error {
			res, err := a.svc.RunPattern(ctx, retrieval.PatternQuery{
				Pattern:     args[0],
				Language:    patternFlags.language,
				TargetFiles: patternFlags.files,
				FileGlobs:   patternFlags.globs,
				Limit:       patternFlags.limit,
				Strictness:  patternFlags.strictness,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

func init() {
	patternFlags.register(patternCmd)
	rootCmd.AddCommand(patternCmd)
}
