package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/Plazide/local-ai-code-completion/internal/ollama"
)

// ErrProbeFailed wraps reachability failures that are not a missing listener,
// such as HTTP errors, malformed responses and timeouts.
var ErrProbeFailed = errors.New("service probe failed")

// DefaultProbeTimeout bounds a single Check.
const DefaultProbeTimeout = 3 * time.Second

// CommandRunner runs a short-lived command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ModelLister is the part of the backend client the probe and provisioner use.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Probe classifies the service as NotInstalled, Stopped or Running.
type Probe struct {
	Binary  string
	Runner  CommandRunner
	Client  ModelLister
	Timeout time.Duration
}

// Check runs the version check, then the reachability call. A failed
// reachability call that is not a refused connection is returned as an error
// wrapping ErrProbeFailed; the returned State is meaningless in that case.
func (p *Probe) Check(ctx context.Context) (State, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runner := p.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	if _, err := runner.Run(ctx, p.Binary, "--version"); err != nil {
		if ctx.Err() != nil {
			return Stopped, fmt.Errorf("%w: version check: %w", ErrProbeFailed, ctx.Err())
		}
		return NotInstalled, nil
	}

	_, err := p.Client.ListModels(ctx)
	switch {
	case err == nil:
		return Running, nil
	case ollama.IsNotListening(err):
		return Stopped, nil
	default:
		return Stopped, fmt.Errorf("%w: %w", ErrProbeFailed, err)
	}
}
