package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/martin-wey/code-context-agent/indexer"
)

var (
	indexQuiet  bool
	indexDelete bool
	indexList   bool
)

var indexCmd = &cobra.Command{
	Use:   "index [codebase]",
	Short: "Build the trigram index used to prefilter template runs",
	Long: `Index a codebase (default: the current directory) with zoekt. Template
runs then only hand ast-grep the files that contain the template's anchor
argument.

Examples:
  # Index the current directory
  code-context-agent index

  # Remove the index
  code-context-agent index --delete

  # Show every indexed codebase
  code-context-agent index --list`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVarP(&indexQuiet, "quiet", "q", false, "disable the progress bar")
	indexCmd.Flags().BoolVar(&indexDelete, "delete", false, "delete the index instead of building it")
	indexCmd.Flags().BoolVar(&indexList, "list", false, "list indexed codebases")
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root, err := filepath.Abs(codebaseArg(args))
	if err != nil {
		return err
	}
	cfg, err := loadConfig(root, currentOverrides())
	if err != nil {
		return err
	}
	idx, err := indexer.NewIndexManager(cfg.Index.Dir, cfg.Index.Ignore)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	switch {
	case indexList:
		indexes, err := idx.ListIndexes()
		if err != nil {
			return err
		}
		if len(indexes) == 0 {
			fmt.Fprintln(out, "No indexes found.")
			return nil
		}
		return printJSON(out, indexes)

	case indexDelete:
		if err := idx.DeleteIndex(root); err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted index for %s\n", root)
		return nil
	}

	var bar *progressbar.ProgressBar
	progress := func(done, total int) {
		if indexQuiet {
			return
		}
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription("Indexing files"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionSetItsString("files/s"),
				progressbar.OptionThrottle(65*time.Millisecond),
				progressbar.OptionShowElapsedTimeOnFinish(),
				progressbar.OptionOnCompletion(func() {
					fmt.Fprintln(os.Stderr)
				}),
			)
		}
		bar.Set(done)
	}

	start := time.Now()
	info, err := idx.IndexDirectory(ctx, root, progress)
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", root, err)
	}
	fmt.Fprintf(out, "Indexed %d files from %s in %s\nIndex stored in: %s\n",
		info.Files, info.SourceDir, time.Since(start).Round(time.Millisecond), idx.IndexDir())
	return nil
}
