package astgrep

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultTimeout bounds a single ast-grep invocation.
const DefaultTimeout = 30 * time.Second

// LocalRunner runs an ast-grep binary found on the host.
type LocalRunner struct {
	Binary  string
	Timeout time.Duration
	Logger  *log.Logger
}

// NewLocalRunner resolves binary on PATH. When binary is empty it tries
// "ast-grep" and then "sg", keeping the first one whose --version output
// identifies ast-grep. On most Linux systems "sg" is the shadow-utils
// group command.
func NewLocalRunner(binary string, timeout time.Duration, logger *log.Logger) (*LocalRunner, error) {
	if binary != "" {
		path, err := exec.LookPath(binary)
		if err != nil {
			return nil, fmt.Errorf("ast-grep binary not found: %w", err)
		}
		return &LocalRunner{Binary: path, Timeout: timeout, Logger: logger}, nil
	}

	var errs []error
	for _, c := range []string{"ast-grep", "sg"} {
		path, err := exec.LookPath(c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), versionTimeout)
		err = verifyVersion(ctx, path)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		return &LocalRunner{Binary: path, Timeout: timeout, Logger: logger}, nil
	}
	return nil, fmt.Errorf("ast-grep binary not found (%w); %s", errors.Join(errs...), installHint)
}

const (
	versionTimeout = 5 * time.Second
	installHint    = "install it with `npm i -g @ast-grep/cli`, `cargo install ast-grep --locked` or `brew install ast-grep`"
)

func (r *LocalRunner) Name() string { return "local" }

// Available runs `--version` and checks that the binary is really ast-grep.
func (r *LocalRunner) Available(ctx context.Context) error {
	return verifyVersion(ctx, r.Binary)
}

func verifyVersion(ctx context.Context, bin string) error {
	out, err := exec.CommandContext(ctx, bin, "--version").CombinedOutput()
	if err != nil {
		return fmt.Errorf("binary verification failed: %w", err)
	}
	if !strings.Contains(string(out), "ast-grep") {
		return fmt.Errorf("unexpected --version output: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

func (r *LocalRunner) Run(ctx context.Context, req *Request) ([]Match, error) {
	args, err := BuildArgs(req)
	if err != nil {
		return nil, err
	}
	return execute(ctx, r.Logger, r.Timeout, req.Root, r.Binary, args)
}

// DockerRunner runs ast-grep inside a throwaway container with the codebase
// mounted at /workspace.
type DockerRunner struct {
	Docker     string // docker CLI, default "docker"
	Image      string // default "mcp/ast-grep"
	Entrypoint string // ast-grep binary inside the image, default "ast-grep"
	Timeout    time.Duration
	Logger     *log.Logger
}

const (
	DefaultDockerImage = "mcp/ast-grep"
	containerWorkspace = "/workspace"
)

func (r *DockerRunner) Name() string { return "docker" }

// DockerArgs returns the full docker argv for req.
func (r *DockerRunner) DockerArgs(req *Request) ([]string, error) {
	sgArgs, err := BuildArgs(req)
	if err != nil {
		return nil, err
	}
	image := r.Image
	if image == "" {
		image = DefaultDockerImage
	}
	entrypoint := r.Entrypoint
	if entrypoint == "" {
		entrypoint = "ast-grep"
	}

	args := []string{
		"run", "--rm",
		"-v", req.Root + ":" + containerWorkspace,
		"-w", containerWorkspace,
		"--entrypoint", entrypoint,
		image,
	}
	return append(args, sgArgs...), nil
}

func (r *DockerRunner) Run(ctx context.Context, req *Request) ([]Match, error) {
	args, err := r.DockerArgs(req)
	if err != nil {
		return nil, err
	}
	docker := r.Docker
	if docker == "" {
		docker = "docker"
	}
	return execute(ctx, r.Logger, r.Timeout, req.Root, docker, args)
}

func execute(ctx context.Context, logger *log.Logger, timeout time.Duration, dir, bin string, args []string) ([]Match, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, bin, args...)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if logger != nil {
		logger.Debug("ast-grep executed", "bin", bin, "args", args, "took", time.Since(start), "stdout_bytes", stdout.Len())
	}

	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w (%s)", ErrTimeout, timeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		// ast-grep exits 1 when nothing matched
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && strings.TrimSpace(stderr.String()) == "" {
			return Parse(stdout.Bytes())
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", ErrAstGrep, msg)
		}
		return nil, fmt.Errorf("execution failed: %w", err)
	}

	return Parse(stdout.Bytes())
}
