package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Plazide/local-ai-code-completion/internal/metrics"
)

var (
	// ErrNotInstalled means the service binary is missing or cannot run.
	// The user has to install it; nothing retries.
	ErrNotInstalled = errors.New("inference service is not installed")
	// ErrCancelled is returned once the launch was stopped by its handle or
	// by Stop. A cancelled launch never reports success.
	ErrCancelled = errors.New("inference service launch cancelled")
	// ErrCrashed marks a child that exited without being asked to.
	ErrCrashed = errors.New("inference service crashed")
)

const (
	DownloadURL           = "https://ollama.com/download"
	DefaultReadyMarker    = "Listening on"
	DefaultRestartBackoff = time.Second

	DefaultForeignCheckInterval = 5 * time.Second

	healthInterval = 250 * time.Millisecond
	healthTimeout  = time.Second
)

// LaunchError ends a supervision loop whose restart budget ran out.
type LaunchError struct {
	Attempts int
	Err      error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("inference service failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Ready describes a reachable service.
type Ready struct {
	// Owned is false when the service was already running outside our control.
	Owned    bool
	PID      int
	Attempts int
}

// InstallPrompter asks the user whether to open the manual download page.
type InstallPrompter interface {
	PromptInstall(ctx context.Context, downloadURL string)
}

// Prober reports the current service state.
type Prober interface {
	Check(ctx context.Context) (State, error)
}

// LauncherConfig wires a Launcher.
type LauncherConfig struct {
	Probe   Prober
	Spawner Spawner
	// Health is polled as a second readiness signal while the child starts.
	Health      ModelLister
	Handle      *Handle
	ReadyMarker string
	// MaxRestarts stops the loop after that many crash restarts; zero keeps
	// restarting until the handle is cancelled.
	MaxRestarts    int
	RestartBackoff time.Duration
	// ForeignCheckInterval is how often a service we did not start is polled
	// through Health; when it disappears the launcher starts its own child.
	ForeignCheckInterval time.Duration
	Notifier             Notifier
	Prompter             InstallPrompter
	Logger               *slog.Logger
}

// supervision is one run of the spawn/restart loop.
type supervision struct {
	cancel context.CancelFunc
	// readyCh is closed at the next readiness and replaced, under the
	// launcher lock, only after that. readied reports it was closed.
	readyCh chan struct{}
	readied bool
	done    chan struct{}
	err     error
}

// Launcher brings the service up and keeps an owned child running.
type Launcher struct {
	cfg    LauncherConfig
	logger *slog.Logger
	group  singleflight.Group

	mu    sync.Mutex
	state State
	ready *Ready
	sup   *supervision
}

// NewLauncher returns a Launcher; cfg.Probe, cfg.Spawner and cfg.Handle are
// required.
func NewLauncher(cfg LauncherConfig) *Launcher {
	if cfg.ReadyMarker == "" {
		cfg.ReadyMarker = DefaultReadyMarker
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = DefaultRestartBackoff
	}
	if cfg.ForeignCheckInterval <= 0 {
		cfg.ForeignCheckInterval = DefaultForeignCheckInterval
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{cfg: cfg, logger: logger, state: Stopped}
}

// State returns the last observed service state.
func (l *Launcher) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// EnsureRunning makes the service reachable. With desired false it is Stop.
// Concurrent callers share one attempt; ctx only bounds the caller's wait.
func (l *Launcher) EnsureRunning(ctx context.Context, desired bool) (Ready, error) {
	if !desired {
		return Ready{}, l.Stop(ctx)
	}
	if l.cfg.Handle.Cancelled() {
		return Ready{}, ErrCancelled
	}

	ch := l.group.DoChan("launch", func() (any, error) {
		return l.launch()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Ready{}, res.Err
		}
		return res.Val.(Ready), nil
	case <-ctx.Done():
		return Ready{}, ctx.Err()
	}
}

func (l *Launcher) launch() (Ready, error) {
	l.mu.Lock()
	cached, sup := l.ready, l.sup
	running := l.state == Running
	var readyCh chan struct{}
	if sup != nil {
		readyCh = sup.readyCh
	}
	l.mu.Unlock()

	if sup != nil {
		if cached != nil && running {
			return *cached, nil
		}
		return l.await(sup, readyCh)
	}

	// Nothing of ours is running: probe, even when a foreign service was
	// seen before, since it may have gone away.
	state, err := l.cfg.Probe.Check(l.cfg.Handle.Context())
	if err != nil {
		if l.cfg.Handle.Cancelled() {
			return Ready{}, ErrCancelled
		}
		return Ready{}, err
	}

	switch state {
	case NotInstalled:
		l.setState(NotInstalled)
		l.logger.Warn("inference service binary not found; install it manually", "url", DownloadURL)
		if l.cfg.Prompter != nil {
			l.cfg.Prompter.PromptInstall(l.cfg.Handle.Context(), DownloadURL)
		}
		return Ready{}, ErrNotInstalled
	case Running:
		if cached != nil && running {
			return *cached, nil
		}
		r := Ready{Owned: false}
		l.mu.Lock()
		l.ready = &r
		l.setStateLocked(Running)
		l.mu.Unlock()
		l.logger.Info("inference service already running")
		if l.cfg.Health != nil {
			go l.watchForeign()
		}
		return r, nil
	}

	if cached != nil {
		l.logger.Warn("inference service we did not start is gone; starting our own")
	}
	sup, readyCh = l.startSupervision()
	return l.await(sup, readyCh)
}

// await waits for the supervision's next readiness. A crash after readiness
// replaces readyCh, so it is re-read under the lock after every wake-up.
func (l *Launcher) await(sup *supervision, readyCh <-chan struct{}) (Ready, error) {
	for {
		select {
		case <-readyCh:
		case <-sup.done:
			return Ready{}, sup.err
		}

		l.mu.Lock()
		if l.ready != nil && l.sup == sup {
			r := *l.ready
			l.mu.Unlock()
			return r, nil
		}
		next := sup.readyCh
		l.mu.Unlock()

		if next == readyCh {
			// Closed and not replaced: the supervision is ending.
			<-sup.done
			return Ready{}, sup.err
		}
		readyCh = next
	}
}

// watchForeign polls a service we did not start. When it stops answering
// the cached readiness is dropped and a launch of our own child begins.
func (l *Launcher) watchForeign() {
	ctx := l.cfg.Handle.Context()
	t := time.NewTicker(l.cfg.ForeignCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		hctx, cancel := context.WithTimeout(ctx, healthTimeout)
		_, err := l.cfg.Health.ListModels(hctx)
		cancel()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		l.mu.Lock()
		if l.ready == nil || l.ready.Owned || l.sup != nil {
			l.mu.Unlock()
			return
		}
		l.ready = nil
		l.setStateLocked(Stopped)
		l.mu.Unlock()

		l.logger.Warn("inference service stopped answering", "error", err)
		l.cfg.Notifier.Notify("Ollama server stopped; starting it.")
		if _, err := l.EnsureRunning(ctx, true); err != nil && ctx.Err() == nil {
			l.logger.Error("relaunching inference service failed", "error", err)
		}
		return
	}
}

func (l *Launcher) startSupervision() (*supervision, chan struct{}) {
	ctx, cancel := context.WithCancel(l.cfg.Handle.Context())
	sup := &supervision{cancel: cancel, readyCh: make(chan struct{}), done: make(chan struct{})}
	readyCh := sup.readyCh
	l.mu.Lock()
	l.sup = sup
	l.ready = nil
	l.mu.Unlock()
	go l.supervise(ctx, sup)
	return sup, readyCh
}

// supervise spawns the child and restarts it after every unrequested exit.
func (l *Launcher) supervise(ctx context.Context, sup *supervision) {
	var err error
	defer func() { l.finish(sup, err) }()

	for attempt := 1; ; attempt++ {
		l.setState(Starting)
		if attempt == 1 {
			l.cfg.Notifier.Notify("Starting Ollama server.")
		}

		exitErr := l.runOnce(ctx, sup, attempt)
		if ctx.Err() != nil {
			err = ErrCancelled
			return
		}

		l.mu.Lock()
		l.ready = nil
		if sup.readied {
			sup.readyCh = make(chan struct{})
			sup.readied = false
		}
		l.setStateLocked(Crashed)
		l.mu.Unlock()
		l.logger.Warn("inference service exited unexpectedly", "attempt", attempt, "error", exitErr)

		if l.cfg.MaxRestarts > 0 && attempt > l.cfg.MaxRestarts {
			err = &LaunchError{Attempts: attempt, Err: fmt.Errorf("%w: %v", ErrCrashed, exitErr)}
			l.cfg.Notifier.Notify("Ollama server keeps crashing; giving up.")
			return
		}
		l.cfg.Notifier.Notify(fmt.Sprintf("Ollama server crashed; restarting (attempt %d).", attempt+1))

		select {
		case <-time.After(l.cfg.RestartBackoff):
		case <-ctx.Done():
			err = ErrCancelled
			return
		}
		metrics.ServiceRestarted()
	}
}

// runOnce spawns one child, waits for it to become ready and then for it to
// exit. The returned error describes the exit.
func (l *Launcher) runOnce(ctx context.Context, sup *supervision, attempt int) error {
	pr, pw := io.Pipe()
	proc, err := l.cfg.Spawner.Spawn(ctx, pw)
	if err != nil {
		pw.Close()
		return fmt.Errorf("spawning: %w", err)
	}
	pid := proc.PID()
	l.logger.Info("inference service spawned", "pid", pid, "attempt", attempt)

	marker := make(chan struct{})
	go l.scanOutput(pr, pid, marker)

	exited := make(chan error, 1)
	go func() {
		err := proc.Wait()
		pw.Close()
		exited <- err
	}()

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	healthy := make(chan struct{})
	go l.pollHealth(pollCtx, healthy)

	select {
	case <-marker:
	case <-healthy:
	case err := <-exited:
		return describeExit("before readiness", err)
	}
	stopPoll()

	l.mu.Lock()
	l.ready = &Ready{Owned: true, PID: pid, Attempts: attempt}
	l.setStateLocked(Running)
	close(sup.readyCh)
	sup.readied = true
	l.mu.Unlock()
	l.logger.Info("inference service ready", "pid", pid, "attempt", attempt)
	l.cfg.Notifier.Notify("Ollama server started.")

	return describeExit("after readiness", <-exited)
}

func describeExit(when string, err error) error {
	if err == nil {
		return fmt.Errorf("exited cleanly %s", when)
	}
	return fmt.Errorf("exited %s: %w", when, err)
}

// scanOutput logs child output and closes marker at the first line that
// contains the readiness marker. It drains r until the writer is closed.
func (l *Launcher) scanOutput(r io.Reader, pid int, marker chan<- struct{}) {
	found := false
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		l.logger.Debug("inference service output", "pid", pid, "line", line)
		if !found && strings.Contains(line, l.cfg.ReadyMarker) {
			found = true
			close(marker)
		}
	}
	io.Copy(io.Discard, r)
}

func (l *Launcher) pollHealth(ctx context.Context, healthy chan<- struct{}) {
	if l.cfg.Health == nil {
		return
	}
	t := time.NewTicker(healthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		hctx, cancel := context.WithTimeout(ctx, healthTimeout)
		_, err := l.cfg.Health.ListModels(hctx)
		cancel()
		if err == nil {
			close(healthy)
			return
		}
	}
}

func (l *Launcher) finish(sup *supervision, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sup.err = err
	if l.sup == sup {
		l.sup = nil
		l.ready = nil
		if errors.Is(err, ErrCancelled) {
			l.setStateLocked(Stopped)
		}
	}
	close(sup.done)
	if err != nil && !errors.Is(err, ErrCancelled) {
		l.logger.Error("inference service supervision stopped", "error", err)
	}
}

// Stop terminates an owned child and ends its supervision. A service we did
// not start is left alone.
func (l *Launcher) Stop(ctx context.Context) error {
	l.mu.Lock()
	sup := l.sup
	l.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.cancel()
	select {
	case <-sup.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until any running supervision has ended.
func (l *Launcher) Wait() {
	l.mu.Lock()
	sup := l.sup
	l.mu.Unlock()
	if sup != nil {
		<-sup.done
	}
}

func (l *Launcher) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setStateLocked(s)
}

func (l *Launcher) setStateLocked(s State) {
	if l.state == s {
		return
	}
	l.logger.Debug("inference service state", "from", l.state.String(), "to", s.String())
	l.state = s
	metrics.SetServiceState(s.String())
}
