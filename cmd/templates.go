package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/martin-wey/code-context-agent/templates"
)

var (
	templatesCodebase string
	templatesJSON     bool
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List the available retrieval templates",
	Long: `List built-in templates and templates loaded from the user and codebase
template directories.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := filepath.Abs(templatesCodebase)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(root, currentOverrides())
		if err != nil {
			return err
		}
		registry, err := buildRegistry(cfg, root)
		if err != nil {
			return err
		}

		list := registry.List()
		if templatesJSON {
			return printJSON(cmd.OutOrStdout(), list)
		}
		fmt.Fprintln(cmd.OutOrStdout(), templateTable(list))
		return nil
	},
}

func init() {
	templatesCmd.Flags().StringVarP(&templatesCodebase, "codebase", "C", ".", "codebase root, for codebase templates and config")
	templatesCmd.Flags().BoolVar(&templatesJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(templatesCmd)
}

func templateTable(list []*templates.Template) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("NAME", "PARAMS", "LANGUAGES", "SOURCE")
	for _, tpl := range list {
		params := make([]string, 0, len(tpl.Params))
		for _, p := range tpl.Params {
			name := p.Name
			if !p.Required || p.Default != "" {
				name += "?"
			}
			params = append(params, name)
		}
		t.Row(tpl.Name, strings.Join(params, ", "), strings.Join(tpl.Languages(), ", "), tpl.Source)
	}
	return t.String()
}
