package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Plazide/local-ai-code-completion/internal/ollama"
)

type fakePuller struct {
	mu        sync.Mutex
	installed []string
	events    []ollama.PullProgress
	pullErr   error
	listErr   error
	skipAdd   bool          // pull succeeds without installing
	gate      chan struct{} // pull blocks until closed
	pulls     int
}

func (f *fakePuller) ListModels(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.installed...), nil
}

func (f *fakePuller) PullModel(ctx context.Context, id ollama.ModelID, onProgress func(ollama.PullProgress)) error {
	f.mu.Lock()
	f.pulls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, e := range f.events {
		onProgress(e)
	}
	if f.pullErr != nil {
		return f.pullErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.skipAdd {
		f.installed = append(f.installed, id.String())
	}
	return nil
}

func (f *fakePuller) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

type provisionLog struct {
	mu       sync.Mutex
	attempts []ProvisionAttempt
}

func (l *provisionLog) RecordProvision(_ context.Context, a ProvisionAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, a)
	return nil
}

var codellama = ollama.MustParseModelID("codellama:7b-code")

func TestPhaseTracker(t *testing.T) {
	tests := []struct {
		name   string
		events []ollama.PullProgress
		want   []int
	}{
		{
			name: "independent phases",
			events: []ollama.PullProgress{
				{Status: "pull", Completed: 50, Total: 100},
				{Status: "pull", Completed: 100, Total: 100},
				{Status: "verify", Completed: 0, Total: 50},
			},
			want: []int{50, 50, 0},
		},
		{
			name: "no byte count yet",
			events: []ollama.PullProgress{
				{Status: "pulling manifest"},
				{Status: "downloading", Completed: 10, Total: 0},
				{Status: "downloading", Completed: 25, Total: 100},
			},
			want: []int{0, 0, 25},
		},
		{
			name: "backwards progress clamps to zero",
			events: []ollama.PullProgress{
				{Status: "downloading", Completed: 60, Total: 100},
				{Status: "downloading", Completed: 40, Total: 100},
				{Status: "downloading", Completed: 70, Total: 100},
			},
			want: []int{60, 0, 10},
		},
		{
			name: "revisited phase starts at 100",
			events: []ollama.PullProgress{
				{Status: "downloading", Completed: 100, Total: 100},
				{Status: "verifying", Completed: 50, Total: 100},
				{Status: "downloading", Completed: 30, Total: 100},
				{Status: "downloading", Completed: 100, Total: 100},
			},
			want: []int{100, 50, 0, 0},
		},
		{
			name: "interrupted phase resumes from its own progress",
			events: []ollama.PullProgress{
				{Status: "layer a", Completed: 10, Total: 100},
				{Status: "layer b", Completed: 10, Total: 100},
				{Status: "layer a", Completed: 50, Total: 100},
			},
			want: []int{10, 10, 40},
		},
		{
			name: "overshoot is capped",
			events: []ollama.PullProgress{
				{Status: "downloading", Completed: 150, Total: 100},
			},
			want: []int{100},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tr phaseTracker
			sums := map[string]int{}
			for i, e := range tt.events {
				got := tr.observe(e)
				if got.Increment != tt.want[i] {
					t.Errorf("event %d increment = %d, want %d", i, got.Increment, tt.want[i])
				}
				sums[e.Status] += got.Increment
			}
			for status, sum := range sums {
				if sum > 100 {
					t.Errorf("phase %q accumulated %d%%", status, sum)
				}
			}
		})
	}
}

func TestEnsureModel_PresentSkipsPull(t *testing.T) {
	f := &fakePuller{installed: []string{"codellama:7b-code"}}
	p := NewProvisioner(f, ProvisionerOptions{})
	if err := p.EnsureModel(context.Background(), codellama, nil); err != nil {
		t.Fatal(err)
	}
	if f.pullCount() != 0 {
		t.Errorf("pulls = %d, want 0", f.pullCount())
	}
}

func TestEnsureModel_Idempotent(t *testing.T) {
	f := &fakePuller{events: []ollama.PullProgress{{Status: "success"}}}
	rec := &provisionLog{}
	p := NewProvisioner(f, ProvisionerOptions{Recorder: rec})

	for i := 0; i < 2; i++ {
		if err := p.EnsureModel(context.Background(), codellama, nil); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if f.pullCount() != 1 {
		t.Errorf("pulls = %d, want 1", f.pullCount())
	}
	if len(rec.attempts) != 1 || rec.attempts[0].Outcome != OutcomePulled {
		t.Errorf("recorded %+v", rec.attempts)
	}
}

func TestEnsureModel_ForwardsIncrements(t *testing.T) {
	f := &fakePuller{events: []ollama.PullProgress{
		{Status: "pull", Completed: 50, Total: 100},
		{Status: "pull", Completed: 100, Total: 100},
		{Status: "verify", Completed: 0, Total: 50},
	}}
	p := NewProvisioner(f, ProvisionerOptions{})

	var got []int
	err := p.EnsureModel(context.Background(), codellama, func(pr Progress) {
		got = append(got, pr.Increment)
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []int{50, 50, 0}
	if len(got) != len(want) {
		t.Fatalf("increments = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("increments = %v, want %v", got, want)
			break
		}
	}
}

func TestEnsureModel_PullFailed(t *testing.T) {
	f := &fakePuller{pullErr: errors.New("pull codellama:7b-code: file does not exist")}
	rec := &provisionLog{}
	p := NewProvisioner(f, ProvisionerOptions{Recorder: rec})

	err := p.EnsureModel(context.Background(), codellama, nil)
	var perr *ProvisionError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ProvisionError", err)
	}
	if perr.Kind != PullFailed {
		t.Errorf("kind = %s, want pull_failed", perr.Kind)
	}
	if perr.Remedy != "ollama pull codellama:7b-code" {
		t.Errorf("remedy = %q", perr.Remedy)
	}
	if len(rec.attempts) != 1 || rec.attempts[0].Outcome != OutcomePullFailed || rec.attempts[0].Err == nil {
		t.Errorf("recorded %+v", rec.attempts)
	}

	// Never retried on its own.
	if f.pullCount() != 1 {
		t.Errorf("pulls = %d, want 1", f.pullCount())
	}
}

func TestEnsureModel_VerificationFailed(t *testing.T) {
	f := &fakePuller{skipAdd: true}
	p := NewProvisioner(f, ProvisionerOptions{Binary: "/usr/local/bin/ollama"})

	err := p.EnsureModel(context.Background(), codellama, nil)
	var perr *ProvisionError
	if !errors.As(err, &perr) || perr.Kind != VerificationFailed {
		t.Fatalf("err = %v, want verification failure", err)
	}
	if perr.Remedy != "/usr/local/bin/ollama pull codellama:7b-code" {
		t.Errorf("remedy = %q", perr.Remedy)
	}
}

func TestEnsureModel_ListError(t *testing.T) {
	f := &fakePuller{listErr: ollama.ErrNotListening}
	p := NewProvisioner(f, ProvisionerOptions{})
	err := p.EnsureModel(context.Background(), codellama, nil)
	if !errors.Is(err, ollama.ErrNotListening) {
		t.Errorf("err = %v, want ErrNotListening", err)
	}
	var perr *ProvisionError
	if errors.As(err, &perr) {
		t.Error("list failure before pulling reported as a provisioning failure")
	}
}

func TestEnsureModel_ConcurrentCallsSharePull(t *testing.T) {
	f := &fakePuller{gate: make(chan struct{})}
	p := NewProvisioner(f, ProvisionerOptions{})

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.EnsureModel(context.Background(), codellama, nil)
		}(i)
	}
	eventually(t, "first pull", func() bool { return f.pullCount() == 1 })
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if f.pullCount() != 1 {
		t.Errorf("pulls = %d, want 1", f.pullCount())
	}
}

func TestEnsureModel_FollowerSurvivesLeaderCancel(t *testing.T) {
	f := &fakePuller{gate: make(chan struct{})}
	rec := &provisionLog{}
	p := NewProvisioner(f, ProvisionerOptions{Recorder: rec})

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() { leaderErr <- p.EnsureModel(leaderCtx, codellama, nil) }()
	eventually(t, "first pull", func() bool { return f.pullCount() == 1 })

	followerErr := make(chan error, 1)
	go func() { followerErr <- p.EnsureModel(context.Background(), codellama, nil) }()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("leader err = %v, want context.Canceled", err)
	}
	var perr *ProvisionError
	close(f.gate)
	if err := <-followerErr; err != nil {
		if errors.As(err, &perr) {
			t.Fatalf("follower got provisioning failure: %v", err)
		}
		t.Fatalf("follower err = %v", err)
	}
	if f.pullCount() != 1 {
		t.Errorf("pulls = %d, want 1", f.pullCount())
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.attempts) != 1 || rec.attempts[0].Outcome != OutcomePulled {
		t.Errorf("attempts = %+v, want one pulled", rec.attempts)
	}
}

func TestEnsureModel_ShutdownIsNotAPullFailure(t *testing.T) {
	base, shutdown := context.WithCancel(context.Background())
	f := &fakePuller{gate: make(chan struct{})}
	rec := &provisionLog{}
	p := NewProvisioner(f, ProvisionerOptions{Context: base, Recorder: rec})

	errCh := make(chan error, 1)
	go func() { errCh <- p.EnsureModel(context.Background(), codellama, nil) }()
	eventually(t, "first pull", func() bool { return f.pullCount() == 1 })
	shutdown()

	err := <-errCh
	var perr *ProvisionError
	if !errors.Is(err, context.Canceled) || errors.As(err, &perr) {
		t.Fatalf("err = %v, want plain context.Canceled", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.attempts) != 0 {
		t.Errorf("attempts = %+v, want none recorded", rec.attempts)
	}
}
