package astgrep

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// DialFunc returns a started MCP client connected to an ast-grep server.
type DialFunc func(ctx context.Context) (*client.Client, error)

// UpstreamRunner forwards ast-grep invocations to an ast-grep MCP server,
// by default the mcp/ast-grep docker image launched over stdio.
type UpstreamRunner struct {
	Dial    DialFunc
	Tool    string // tool to call; empty picks the first tool the server lists
	Timeout time.Duration
	Logger  *log.Logger

	mu     sync.Mutex
	client *client.Client
	tool   string
}

// StdioDialer launches command with args and speaks MCP over its stdio.
func StdioDialer(command string, env []string, args ...string) DialFunc {
	return func(ctx context.Context) (*client.Client, error) {
		return client.NewStdioMCPClient(command, env, args...)
	}
}

// DefaultUpstreamArgs returns the docker arguments that start the ast-grep
// MCP image with root mounted as its workspace.
func DefaultUpstreamArgs(root, image string) []string {
	if image == "" {
		image = DefaultDockerImage
	}
	return []string{
		"run", "-i", "--rm",
		"-v", root + ":" + containerWorkspace,
		"-w", containerWorkspace,
		"-e", "AST_GREP_PATH=" + containerWorkspace,
		image,
	}
}

func (r *UpstreamRunner) Name() string { return "mcp" }

// connect establishes the session once. Concurrent callers share it.
func (r *UpstreamRunner) connect(ctx context.Context) (*client.Client, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, r.tool, nil
	}
	if r.Dial == nil {
		return nil, "", fmt.Errorf("upstream ast-grep server not configured")
	}

	c, err := r.Dial(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start upstream ast-grep server: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "code-context-agent", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, "", fmt.Errorf("failed to initialize upstream session: %w", err)
	}

	tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, "", fmt.Errorf("failed to list upstream tools: %w", err)
	}

	tool, err := pickTool(tools.Tools, r.Tool)
	if err != nil {
		c.Close()
		return nil, "", err
	}

	names := make([]string, 0, len(tools.Tools))
	for _, t := range tools.Tools {
		names = append(names, t.Name)
	}
	if r.Logger != nil {
		r.Logger.Info("Connected to upstream ast-grep server", "tools", names, "using", tool)
	}

	r.client = c
	r.tool = tool
	return c, tool, nil
}

func pickTool(tools []mcp.Tool, want string) (string, error) {
	if len(tools) == 0 {
		return "", fmt.Errorf("upstream ast-grep server exposes no tools")
	}
	if want == "" {
		return tools[0].Name, nil
	}
	for _, t := range tools {
		if t.Name == want {
			return want, nil
		}
	}
	return "", fmt.Errorf("upstream ast-grep server has no tool %q", want)
}

func (r *UpstreamRunner) Run(ctx context.Context, req *Request) ([]Match, error) {
	args, err := BuildArgs(req)
	if err != nil {
		return nil, err
	}

	c, tool, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	call := mcp.CallToolRequest{}
	call.Params.Name = tool
	call.Params.Arguments = map[string]any{"args": args}

	result, err := c.CallTool(callCtx, call)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w (%s)", ErrTimeout, timeout)
		}
		if ctx.Err() == nil {
			// the session may be dead; reconnect on the next call
			r.drop(c)
		}
		return nil, fmt.Errorf("upstream call failed: %w", err)
	}

	text := firstText(result.Content)
	if result.IsError {
		return nil, fmt.Errorf("%w: %s", ErrAstGrep, strings.TrimSpace(text))
	}
	return Parse([]byte(text))
}

// Close terminates the upstream session, if any.
func (r *UpstreamRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	r.tool = ""
	return err
}

// drop discards c if it is still the current session.
func (r *UpstreamRunner) drop(c *client.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != c {
		return
	}
	c.Close()
	r.client = nil
	r.tool = ""
	if r.Logger != nil {
		r.Logger.Warn("Dropped upstream ast-grep session after a failed call")
	}
}

func firstText(contents []mcp.Content) string {
	for _, c := range contents {
		switch tc := c.(type) {
		case mcp.TextContent:
			return tc.Text
		case *mcp.TextContent:
			return tc.Text
		}
	}
	return ""
}
