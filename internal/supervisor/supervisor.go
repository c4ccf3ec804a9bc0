package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Plazide/local-ai-code-completion/internal/ollama"
)

// Backend is the HTTP surface of the inference service the supervisor needs.
type Backend interface {
	Puller
}

// Deps wires a Supervisor. Binary, Model and Backend are required; nil
// collaborators fall back to os/exec implementations or no-ops.
type Deps struct {
	Binary  string
	Model   ollama.ModelID
	Backend Backend

	Runner  CommandRunner
	Spawner Spawner

	ReadyMarker    string
	ProbeTimeout   time.Duration
	MaxRestarts    int
	RestartBackoff time.Duration

	Notifier Notifier
	Prompter InstallPrompter
	Recorder ProvisionRecorder
	Logger   *slog.Logger
}

// Supervisor owns the service lifecycle for one host process. It is created
// at startup and torn down with Close.
type Supervisor struct {
	handle   *Handle
	model    ollama.ModelID
	probe    *Probe
	launcher *Launcher
	prov     *Provisioner
	logger   *slog.Logger

	mu    sync.Mutex
	ready *Ready
}

// New builds a Supervisor whose handle is cancelled with parent or by Close.
func New(parent context.Context, d Deps) *Supervisor {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.Spawner == nil {
		d.Spawner = ExecSpawner{Binary: d.Binary}
	}
	handle := NewHandle(parent)
	probe := &Probe{Binary: d.Binary, Runner: d.Runner, Client: d.Backend, Timeout: d.ProbeTimeout}
	return &Supervisor{
		handle: handle,
		model:  d.Model,
		probe:  probe,
		launcher: NewLauncher(LauncherConfig{
			Probe:          probe,
			Spawner:        d.Spawner,
			Health:         d.Backend,
			Handle:         handle,
			ReadyMarker:    d.ReadyMarker,
			MaxRestarts:    d.MaxRestarts,
			RestartBackoff: d.RestartBackoff,
			Notifier:       d.Notifier,
			Prompter:       d.Prompter,
			Logger:         logger,
		}),
		prov: NewProvisioner(d.Backend, ProvisionerOptions{
			Binary:   d.Binary,
			Context:  handle.Context(),
			Recorder: d.Recorder,
			Logger:   logger,
		}),
		logger: logger,
	}
}

// Ready brings the service up and provisions the model. Once it has
// succeeded, later calls return the cached result while the service stays
// Running.
func (s *Supervisor) Ready(ctx context.Context, onProgress func(Progress)) (Ready, error) {
	s.mu.Lock()
	if s.ready != nil && s.launcher.State() == Running {
		r := *s.ready
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()

	r, err := s.launcher.EnsureRunning(ctx, true)
	if err != nil {
		return Ready{}, err
	}
	if err := s.prov.EnsureModel(ctx, s.model, onProgress); err != nil {
		return Ready{}, err
	}

	s.mu.Lock()
	s.ready = &r
	s.mu.Unlock()
	s.logger.Info("inference service ready", "model", s.model.String(), "owned", r.Owned)
	return r, nil
}

// IsReady reports whether Ready has succeeded and the service is still up.
func (s *Supervisor) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready != nil && s.launcher.State() == Running
}

// State returns the current service state.
func (s *Supervisor) State() State { return s.launcher.State() }

// Model returns the configured completion model.
func (s *Supervisor) Model() ollama.ModelID { return s.model }

// Probe runs a fresh probe without changing anything.
func (s *Supervisor) Probe(ctx context.Context) (State, error) {
	return s.probe.Check(ctx)
}

// EnsureModel provisions an arbitrary model through the shared provisioner.
func (s *Supervisor) EnsureModel(ctx context.Context, id ollama.ModelID, onProgress func(Progress)) error {
	if _, err := s.launcher.EnsureRunning(ctx, true); err != nil {
		return fmt.Errorf("starting inference service: %w", err)
	}
	return s.prov.EnsureModel(ctx, id, onProgress)
}

// Stop terminates an owned service without closing the supervisor.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.ready = nil
	s.mu.Unlock()
	_, err := s.launcher.EnsureRunning(ctx, false)
	return err
}

// Close signals the handle and waits for an owned child to exit.
func (s *Supervisor) Close() error {
	s.handle.Cancel()
	s.launcher.Wait()
	return nil
}
