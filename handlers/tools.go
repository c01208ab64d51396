// Package handlers exposes the retrieval service as MCP tools: one tool per
// template plus raw pattern, catalog, index and status tools.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/martin-wey/code-context-agent/astgrep"
	"github.com/martin-wey/code-context-agent/indexer"
	"github.com/martin-wey/code-context-agent/retrieval"
	"github.com/martin-wey/code-context-agent/templates"
)

type toolset struct {
	svc    *retrieval.Service
	logger *log.Logger
}

// RegisterTools registers all MCP tools with the server
func RegisterTools(s *server.MCPServer, svc *retrieval.Service, logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}
	ts := &toolset{svc: svc, logger: logger}

	// One tool per template
	for _, tpl := range svc.Templates() {
		s.AddTool(templateTool(tpl), ts.handleTemplate(tpl.Name))
	}

	// Raw pattern tool
	patternOpts := []mcp.ToolOption{
		mcp.WithDescription("Run a raw ast-grep pattern against the codebase. Use when no template fits. Metavariables: $NAME matches one node, $$$ARGS matches any number of nodes."),
		mcp.WithString("pattern",
			mcp.Required(),
			mcp.Description("AST pattern with metavariables, e.g. 'print($A)' or 'def $NAME($$$PARAMS): $$$BODY'"),
		),
	}
	patternOpts = append(patternOpts, searchOptions()...)
	s.AddTool(mcp.NewTool("run_pattern", patternOpts...), ts.handleRunPattern)

	// Template catalog
	listTool := mcp.NewTool("list_templates",
		mcp.WithDescription("List the available retrieval templates with their parameters and languages"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)
	s.AddTool(listTool, ts.handleListTemplates)

	// Index tools
	indexTool := mcp.NewTool("index_codebase",
		mcp.WithDescription("Build or rebuild the trigram index of the codebase. Template runs use it to skip files that cannot match."),
		mcp.WithDestructiveHintAnnotation(false),
	)
	s.AddTool(indexTool, ts.handleIndexCodebase)

	deleteTool := mcp.NewTool("delete_index",
		mcp.WithDescription("Delete the trigram index of the codebase. Template runs then search every file."),
	)
	s.AddTool(deleteTool, ts.handleDeleteIndex)

	statusTool := mcp.NewTool("retrieval_status",
		mcp.WithDescription("Show the ast-grep backend, codebase root, template count, index state and cache statistics"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)
	s.AddTool(statusTool, ts.handleStatus)
}

// searchOptions are the inputs shared by template tools and run_pattern.
func searchOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("language",
			mcp.Description("Target language (default from config, usually python). Supported: "+strings.Join(astgrep.Languages(), ", ")),
		),
		mcp.WithArray("target_files",
			mcp.Description("Optional files or directories to search, relative to the codebase root. Empty searches the whole codebase."),
			mcp.WithStringItems(),
		),
		mcp.WithArray("file_globs",
			mcp.Description("Optional globs results must match. Globs with a slash match the path relative to the codebase root, e.g. 'src/**/*.py'; globs without one match the file name at any depth, e.g. '*_test.go'."),
			mcp.WithStringItems(),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum matches to return (default: 50)"),
		),
		mcp.WithString("strictness",
			mcp.Description("Matching algorithm: cst, smart (default), ast, relaxed, signature"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	}
}

func templateTool(tpl *templates.Template) mcp.Tool {
	desc := tpl.Description
	if tpl.Body != "" {
		desc += "\n\n" + tpl.Body
	}
	desc += "\n\nLanguages: " + strings.Join(tpl.Languages(), ", ")

	opts := []mcp.ToolOption{mcp.WithDescription(desc)}
	for _, p := range tpl.Params {
		propOpts := []mcp.PropertyOption{mcp.Description(paramDescription(p))}
		if p.Required && p.Default == "" {
			propOpts = append(propOpts, mcp.Required())
		}
		opts = append(opts, mcp.WithString(p.Name, propOpts...))
	}
	opts = append(opts, searchOptions()...)
	return mcp.NewTool(tpl.Name, opts...)
}

func paramDescription(p templates.Param) string {
	desc := p.Description
	if desc == "" {
		desc = p.Name
	}
	desc += fmt.Sprintf(" (%s)", p.Kind)
	if p.Default != "" {
		desc += fmt.Sprintf(", default %q", p.Default)
	}
	return desc
}

// searchArgs binds the shared inputs. Remaining keys are template params.
type searchArgs struct {
	Language    string         `json:"language"`
	TargetFiles []string       `json:"target_files"`
	FileGlobs   []string       `json:"file_globs"`
	Limit       int            `json:"limit"`
	Strictness  string         `json:"strictness"`
	Pattern     string         `json:"pattern"`
	Params      map[string]any `json:",remain"`
}

func bindSearchArgs(request mcp.CallToolRequest) (*searchArgs, error) {
	if _, ok := request.GetRawArguments().(map[string]any); !ok && request.GetRawArguments() != nil {
		return nil, errors.New("invalid arguments format")
	}
	var args searchArgs
	if err := CoerceBindArguments(request, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return &args, nil
}

func (ts *toolset) handleTemplate(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bindSearchArgs(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		tpl, err := ts.svc.Registry().Get(name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		params := make(map[string]string, len(args.Params))
		for key, value := range args.Params {
			if _, ok := tpl.Param(key); !ok {
				return mcp.NewToolResultError(fmt.Sprintf("unknown argument %q for %s", key, name)), nil
			}
			params[key] = fmt.Sprint(value)
		}
		if args.Pattern != "" {
			return mcp.NewToolResultError(fmt.Sprintf("unknown argument %q for %s", "pattern", name)), nil
		}

		return ts.run(ctx, name, func() (*retrieval.Result, error) {
			return ts.svc.RunTemplate(ctx, retrieval.TemplateQuery{
				Template:    name,
				Language:    args.Language,
				Args:        params,
				TargetFiles: args.TargetFiles,
				FileGlobs:   args.FileGlobs,
				Limit:       args.Limit,
				Strictness:  args.Strictness,
			})
		})
	}
}

func (ts *toolset) handleRunPattern(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := bindSearchArgs(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if args.Pattern == "" {
		return mcp.NewToolResultError("pattern parameter is required"), nil
	}

	return ts.run(ctx, "run_pattern", func() (*retrieval.Result, error) {
		return ts.svc.RunPattern(ctx, retrieval.PatternQuery{
			Pattern:     args.Pattern,
			Language:    args.Language,
			TargetFiles: args.TargetFiles,
			FileGlobs:   args.FileGlobs,
			Limit:       args.Limit,
			Strictness:  args.Strictness,
		})
	})
}

// run executes a query and logs it under a fresh run id. User errors become
// tool errors; anything else is returned as a protocol error.
func (ts *toolset) run(ctx context.Context, tool string, query func() (*retrieval.Result, error)) (*mcp.CallToolResult, error) {
	runID := uuid.NewString()
	start := time.Now()
	logger := ts.logger.With("run_id", runID, "tool", tool)

	result, err := query()
	if err != nil {
		if retrieval.IsUserError(err) {
			logger.Info("tool call rejected", "err", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		logger.Error("tool call failed", "err", err, "took", time.Since(start))
		return nil, err
	}
	logger.Info("tool call", "matches", result.Total, "returned", len(result.Matches),
		"prefiltered", result.Prefiltered, "took", time.Since(start))

	return marshalToolResponse(result)
}

// templateInfo is one entry of the list_templates catalog.
type templateInfo struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Anchor      string            `json:"anchor,omitempty"`
	Params      []templates.Param `json:"params"`
	Languages   []string          `json:"languages"`
	Source      string            `json:"source"`
}

func (ts *toolset) handleListTemplates(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list := ts.svc.Templates()
	catalog := make([]templateInfo, 0, len(list))
	for _, tpl := range list {
		catalog = append(catalog, templateInfo{
			Name:        tpl.Name,
			Description: tpl.Description,
			Anchor:      tpl.Anchor,
			Params:      tpl.Params,
			Languages:   tpl.Languages(),
			Source:      tpl.Source,
		})
	}
	sort.Slice(catalog, func(i, j int) bool { return catalog[i].Name < catalog[j].Name })
	return marshalToolResponse(catalog)
}

func (ts *toolset) handleIndexCodebase(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	info, err := ts.svc.Index(ctx, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to index codebase: %v", err)), nil
	}
	ts.logger.Info("indexed codebase", "root", info.SourceDir, "files", info.Files, "took", time.Since(start))
	return marshalToolResponse(info)
}

func (ts *toolset) handleDeleteIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := ts.svc.DeleteIndex(); err != nil {
		if errors.Is(err, indexer.ErrNotIndexed) {
			return mcp.NewToolResultError("No index found. Use 'index_codebase' to create one."), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to delete index: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Successfully deleted index for: %s", ts.svc.Root())), nil
}

func (ts *toolset) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalToolResponse(ts.svc.Status())
}

func marshalToolResponse(response any) (*mcp.CallToolResult, error) {
	output, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return mcp.NewToolResultText(string(output)), nil
}
