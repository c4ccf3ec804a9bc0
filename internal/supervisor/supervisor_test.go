package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Plazide/local-ai-code-completion/internal/ollama"
)

// backend refuses connections until up is set.
type backend struct {
	fakePuller
	up atomic.Bool
}

func (b *backend) ListModels(ctx context.Context) ([]string, error) {
	if !b.up.Load() {
		return nil, fmt.Errorf("requesting model list: %w", ollama.ErrNotListening)
	}
	return b.fakePuller.ListModels(ctx)
}

func TestHandle(t *testing.T) {
	h := NewHandle(context.Background())
	if h.Cancelled() {
		t.Fatal("new handle already cancelled")
	}
	h.Cancel()
	h.Cancel()
	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed after Cancel")
	}
	if !h.Cancelled() || h.Context().Err() == nil {
		t.Error("handle not cancelled")
	}

	parent, cancel := context.WithCancel(context.Background())
	child := NewHandle(parent)
	cancel()
	if !child.Cancelled() {
		t.Error("handle ignores parent cancellation")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		NotInstalled: "not_installed",
		Stopped:      "stopped",
		Starting:     "starting",
		Running:      "running",
		Crashed:      "crashed",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}

func newTestSupervisor(t *testing.T, b *backend, runner *fakeRunner) (*Supervisor, *fakeSpawner) {
	t.Helper()
	sp := &fakeSpawner{script: func(_ int, _ *fakeProc, out io.Writer) {
		b.up.Store(true)
		fmt.Fprintln(out, "Listening on 127.0.0.1:11434")
	}}
	s := New(context.Background(), Deps{
		Binary:         "ollama",
		Model:          codellama,
		Backend:        b,
		Runner:         runner,
		Spawner:        sp,
		RestartBackoff: 10 * time.Millisecond,
	})
	t.Cleanup(func() { s.Close() })
	return s, sp
}

func TestSupervisor_ReadyStartsAndProvisions(t *testing.T) {
	b := &backend{}
	runner := &fakeRunner{}
	s, sp := newTestSupervisor(t, b, runner)

	var progress []Progress
	r, err := s.Ready(context.Background(), func(p Progress) { progress = append(progress, p) })
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if !r.Owned || sp.spawns() != 1 {
		t.Errorf("ready = %+v with %d spawns", r, sp.spawns())
	}
	if b.pullCount() != 1 {
		t.Errorf("pulls = %d, want 1", b.pullCount())
	}
	if !s.IsReady() || s.State() != Running {
		t.Errorf("IsReady = %v, state = %s", s.IsReady(), s.State())
	}

	// Cached while running: no second probe.
	probes := runner.calls
	if _, err := s.Ready(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if runner.calls != probes {
		t.Errorf("probe ran again on a ready supervisor")
	}
}

func TestSupervisor_ForeignServiceWithModel(t *testing.T) {
	b := &backend{}
	b.up.Store(true)
	b.installed = []string{"codellama:7b-code"}
	s, sp := newTestSupervisor(t, b, &fakeRunner{})

	r, err := s.Ready(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.Owned || sp.spawns() != 0 || b.pullCount() != 0 {
		t.Errorf("ready = %+v, spawns = %d, pulls = %d", r, sp.spawns(), b.pullCount())
	}
}

func TestSupervisor_NotInstalled(t *testing.T) {
	b := &backend{}
	s, _ := newTestSupervisor(t, b, &fakeRunner{err: errors.New("executable file not found")})

	if _, err := s.Ready(context.Background(), nil); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("err = %v, want ErrNotInstalled", err)
	}
	if s.IsReady() {
		t.Error("IsReady after failure")
	}
}

func TestSupervisor_ProvisionFailureSurfaces(t *testing.T) {
	b := &backend{}
	b.pullErr = errors.New("pull codellama:7b-code: connection reset")
	s, _ := newTestSupervisor(t, b, &fakeRunner{})

	_, err := s.Ready(context.Background(), nil)
	var perr *ProvisionError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ProvisionError", err)
	}
	if s.IsReady() {
		t.Error("IsReady after provisioning failure")
	}
}

func TestSupervisor_CloseStopsChild(t *testing.T) {
	b := &backend{}
	s, sp := newTestSupervisor(t, b, &fakeRunner{})
	if _, err := s.Ready(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	s.Close()
	if sp.proc(0).ctx.Err() == nil {
		t.Error("child still running after Close")
	}
	if s.State() != Stopped {
		t.Errorf("state = %s, want stopped", s.State())
	}
	if _, err := s.Ready(context.Background(), nil); !errors.Is(err, ErrCancelled) {
		t.Errorf("Ready after Close = %v", err)
	}
}
