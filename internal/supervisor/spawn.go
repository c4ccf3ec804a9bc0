package supervisor

import (
	"context"
	"io"
	"os/exec"
	"time"
)

// DefaultGrace is how long a terminated child may take to exit before it is
// killed.
const DefaultGrace = 5 * time.Second

// Process is a spawned service process.
type Process interface {
	PID() int
	Wait() error
}

// Spawner starts the service. The process must terminate when ctx ends, and
// its combined stdout and stderr must be written to out.
type Spawner interface {
	Spawn(ctx context.Context, out io.Writer) (Process, error)
}

// ExecSpawner runs `<Binary> serve` as a child process.
type ExecSpawner struct {
	Binary string
	Args   []string
	Env    []string
	Grace  time.Duration
}

func (s ExecSpawner) Spawn(ctx context.Context, out io.Writer) (Process, error) {
	args := s.Args
	if len(args) == 0 {
		args = []string{"serve"}
	}
	cmd := exec.CommandContext(ctx, s.Binary, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	if len(s.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}
	cmd.Cancel = func() error { return terminate(cmd.Process) }
	cmd.WaitDelay = s.Grace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultGrace
	}
	configureChild(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return execProcess{cmd}, nil
}

type execProcess struct{ cmd *exec.Cmd }

func (p execProcess) PID() int    { return p.cmd.Process.Pid }
func (p execProcess) Wait() error { return p.cmd.Wait() }
