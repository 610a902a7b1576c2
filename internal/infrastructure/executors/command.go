package executors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/logging"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
	apperrors "github.com/alexisbeaulieu97/pipeflow/pkg/errors"
)

// waitDelay bounds how long output copying may outlive a killed shell.
const waitDelay = 2 * time.Second

// CommandParameters configures a command node.
type CommandParameters struct {
	Command        string                `json:"command" validate:"required"`
	Shell          string                `json:"shell"`
	Env            map[string]string     `json:"env"`
	WorkDir        string                `json:"workdir"`
	TimeoutSeconds int                   `json:"timeout_seconds" validate:"gte=0"`
	Output         string                `json:"output" validate:"omitempty,output_name"`
	OutputScope    string                `json:"output_scope"`
	FailureType    execution.FailureType `json:"failure_type" validate:"omitempty,failure_type"`
}

// Command runs a shell command. A non-zero exit fails the node; when Output
// is set the trimmed stdout is published as a sweeping output.
type Command struct {
	logger ports.Logger
	stdout io.Writer
	stderr io.Writer
}

// CommandOption configures a Command executor.
type CommandOption func(*Command)

// WithCommandLogger injects a logger.
func WithCommandLogger(logger ports.Logger) CommandOption {
	return func(c *Command) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStreams tees command output to the given writers.
func WithStreams(stdout, stderr io.Writer) CommandOption {
	return func(c *Command) {
		c.stdout = stdout
		c.stderr = stderr
	}
}

// NewCommand creates a command executor.
func NewCommand(opts ...CommandOption) *Command {
	c := &Command{logger: logging.NewNoOpLogger()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute implements ports.NodeExecutor.
func (c *Command) Execute(ctx context.Context, req ports.ExecuteRequest) (ports.Outcome, error) {
	var params CommandParameters
	if err := decodeParameters(StepTypeCommand, req.Node.Parameters, &params); err != nil {
		return ports.Outcome{}, err
	}

	shell, shellArgs, err := determineShell(params.Shell)
	if err != nil {
		return ports.Outcome{}, apperrors.NewExecutionError(req.Node.ID, err)
	}

	runCtx := ctx
	if params.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(params.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	args := append(shellArgs, params.Command)
	cmd := exec.CommandContext(runCtx, shell, args...)
	cmd.Env = buildEnv(params.Env)
	cmd.WaitDelay = waitDelay
	if params.WorkDir != "" {
		cmd.Dir = params.WorkDir
	}

	c.logger.Debug(ctx, "running command", "runtime_id", req.RuntimeID, "setup_id", req.Node.ID, "command", params.Command)
	start := time.Now()
	result, runErr := c.run(cmd)
	c.logger.Debug(ctx, "command finished", "runtime_id", req.RuntimeID, "duration_ms", time.Since(start).Milliseconds(), "error", runErr)

	if runErr != nil {
		switch {
		case ctx.Err() != nil:
			return ports.Outcome{Status: execution.StatusAborted}, nil
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return failed(execution.FailureTimeout, fmt.Sprintf("command timed out after %ds", params.TimeoutSeconds)), nil
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return ports.Outcome{}, apperrors.NewExecutionError(req.Node.ID, runErr)
		}
		failureType := params.FailureType
		if failureType == "" {
			failureType = execution.FailureApplication
		}
		message := fmt.Sprintf("command exited with code %d", exitErr.ExitCode())
		if out := primaryOutput(result); out != "" {
			message = fmt.Sprintf("%s: %s", message, out)
		}
		return failed(failureType, message), nil
	}

	if params.Output != "" {
		if req.Outputs == nil {
			return ports.Outcome{}, apperrors.NewExecutionError(req.Node.ID, fmt.Errorf("output %q requested but no output service is available", params.Output))
		}
		if err := publish(ctx, req.Outputs, req.Ambiance, params.Output, result.stdout, params.OutputScope); err != nil {
			return ports.Outcome{}, err
		}
	}
	return ports.Outcome{Status: execution.StatusSuccess}, nil
}

type commandResult struct {
	stdout string
	stderr string
}

// run collects stdout/stderr, teeing them to the configured writers.
func (c *Command) run(cmd *exec.Cmd) (commandResult, error) {
	var stdoutBuf, stderrBuf bytes.Buffer

	cmd.Stdout = &stdoutBuf
	if c.stdout != nil {
		cmd.Stdout = io.MultiWriter(c.stdout, &stdoutBuf)
	}
	cmd.Stderr = &stderrBuf
	if c.stderr != nil {
		cmd.Stderr = io.MultiWriter(c.stderr, &stderrBuf)
	}

	err := cmd.Run()

	return commandResult{
		stdout: strings.TrimSpace(stdoutBuf.String()),
		stderr: strings.TrimSpace(stderrBuf.String()),
	}, err
}

// primaryOutput returns stderr if present, otherwise stdout.
func primaryOutput(res commandResult) string {
	if res.stderr != "" {
		return res.stderr
	}
	return res.stdout
}

func determineShell(explicit string) (string, []string, error) {
	if explicit != "" {
		return explicit, []string{"-c"}, nil
	}

	if runtime.GOOS == "windows" {
		return "cmd", []string{"/C"}, nil
	}

	if path, err := exec.LookPath("bash"); err == nil {
		return path, []string{"-c"}, nil
	}

	if path, err := exec.LookPath("sh"); err == nil {
		return path, []string{"-c"}, nil
	}

	return "", nil, fmt.Errorf("no suitable shell found")
}

func buildEnv(custom map[string]string) []string {
	env := os.Environ()
	for k, v := range custom {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

var _ ports.NodeExecutor = (*Command)(nil)
