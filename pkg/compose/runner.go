package compose

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/core-tools/hsu-realmctl/pkg/errors"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
)

// WaitFunc blocks until a streamed command exits and reports its outcome
type WaitFunc func() error

// Runner executes controller commands. Args are the arguments following
// "docker compose", e.g. ["up", "-d", "ac-authserver"].
type Runner interface {
	// Run executes a command to completion and returns its stdout
	Run(ctx context.Context, args ...string) ([]byte, error)
	// Stream starts a long-running command and returns its combined
	// stdout/stderr. Cancelling ctx terminates the command.
	Stream(ctx context.Context, args ...string) (io.ReadCloser, WaitFunc, error)
}

type DockerRunnerConfig struct {
	Binary       string        `yaml:"binary,omitempty"`
	ProjectDir   string        `yaml:"project_dir"`
	ComposeFiles []string      `yaml:"compose_files,omitempty"`
	Environment  []string      `yaml:"environment,omitempty"`
	WaitDelay    time.Duration `yaml:"wait_delay,omitempty"`
}

// CommandError carries the stderr of a failed controller command
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("docker compose %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("docker compose %s: %v: %s", strings.Join(e.Args, " "), e.Err, stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit code, or -1 if the command did not exit normally
func (e *CommandError) ExitCode() int {
	var exitErr *exec.ExitError
	if stderrors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// DockerRunner runs "docker compose" in the project directory
type DockerRunner struct {
	config DockerRunnerConfig
	logger logging.Logger
}

func NewDockerRunner(config DockerRunnerConfig, logger logging.Logger) *DockerRunner {
	if config.Binary == "" {
		config.Binary = "docker"
	}
	if config.WaitDelay == 0 {
		config.WaitDelay = 2 * time.Second
	}
	return &DockerRunner{
		config: config,
		logger: logger,
	}
}

func (r *DockerRunner) command(ctx context.Context, args []string) *exec.Cmd {
	full := []string{"compose"}
	for _, file := range r.config.ComposeFiles {
		full = append(full, "-f", file)
	}
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, r.config.Binary, full...)
	cmd.Dir = r.config.ProjectDir
	cmd.Env = append(os.Environ(), r.config.Environment...)

	// Own process group; cancellation signals the whole tree
	setupProcessAttributes(cmd)

	// wait after killing, before abandoning the output pipes
	cmd.WaitDelay = r.config.WaitDelay

	return cmd
}

func (r *DockerRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil)
	}

	cmd := r.command(ctx, args)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debugf("Running controller command, dir: %s, args: %v", cmd.Dir, cmd.Args)

	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), &CommandError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

func (r *DockerRunner) Stream(ctx context.Context, args ...string) (io.ReadCloser, WaitFunc, error) {
	if ctx == nil {
		return nil, nil, errors.NewValidationError("context cannot be nil", nil)
	}

	cmd := r.command(ctx, args)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, errors.NewInternalError("failed to create stdout pipe", err)
	}
	cmd.Stderr = cmd.Stdout

	r.logger.Debugf("Starting streaming command, dir: %s, args: %v", cmd.Dir, cmd.Args)

	if err := cmd.Start(); err != nil {
		return nil, nil, &CommandError{Args: args, Err: err}
	}

	r.logger.Debugf("Streaming command started, PID: %d", cmd.Process.Pid)

	wait := func() error {
		if err := cmd.Wait(); err != nil {
			return &CommandError{Args: args, Err: err}
		}
		return nil
	}
	return stdout, wait, nil
}
