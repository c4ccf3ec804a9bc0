package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Plazide/local-ai-code-completion/internal/metrics"
	"github.com/Plazide/local-ai-code-completion/internal/ollama"
)

// ProvisionKind classifies a provisioning failure.
type ProvisionKind int

const (
	PullFailed ProvisionKind = iota
	VerificationFailed
)

func (k ProvisionKind) String() string {
	switch k {
	case PullFailed:
		return "pull_failed"
	case VerificationFailed:
		return "verification_failed"
	}
	return fmt.Sprintf("ProvisionKind(%d)", int(k))
}

// ProvisionError is a model download that needs the user to finish it by
// hand. Remedy is the command to run.
type ProvisionError struct {
	Kind   ProvisionKind
	Model  ollama.ModelID
	Remedy string
	Err    error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("installing model %s failed (%s): %v; run `%s` to install it manually", e.Model, e.Kind, e.Err, e.Remedy)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Progress is one normalized pull update. Increment is the percentage points
// gained in Status since the last update for it.
type Progress struct {
	Status    string
	Percent   int
	Increment int
}

// Provision outcomes.
const (
	OutcomePulled             = "pulled"
	OutcomePullFailed         = "pull_failed"
	OutcomeVerificationFailed = "verification_failed"
)

// ProvisionAttempt is reported to a ProvisionRecorder after every pull.
type ProvisionAttempt struct {
	Model    ollama.ModelID
	Outcome  string
	Err      error
	Duration time.Duration
}

// ProvisionRecorder persists provisioning attempts.
type ProvisionRecorder interface {
	RecordProvision(ctx context.Context, a ProvisionAttempt) error
}

// Puller lists and downloads models.
type Puller interface {
	ModelLister
	PullModel(ctx context.Context, id ollama.ModelID, onProgress func(ollama.PullProgress)) error
}

// ProvisionerOptions configures a Provisioner.
type ProvisionerOptions struct {
	// Binary names the CLI in remedy commands; defaults to "ollama".
	Binary string
	// Context bounds shared pulls; defaults to context.Background. A caller
	// giving up never cancels a pull another caller is waiting on.
	Context  context.Context
	Recorder ProvisionRecorder
	Logger   *slog.Logger
}

// Provisioner makes sure a model is present locally.
type Provisioner struct {
	client Puller
	opts   ProvisionerOptions
	logger *slog.Logger
	group  singleflight.Group
}

func NewProvisioner(client Puller, opts ProvisionerOptions) *Provisioner {
	if opts.Binary == "" {
		opts.Binary = "ollama"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	return &Provisioner{client: client, opts: opts, logger: logger}
}

// EnsureModel returns immediately when id is installed; otherwise it pulls
// it, forwarding normalized progress, and verifies the result. Failures are
// never retried. Concurrent calls for the same model share one pull, and only
// the caller that started it receives progress.
func (p *Provisioner) EnsureModel(ctx context.Context, id ollama.ModelID, onProgress func(Progress)) error {
	installed, err := p.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("listing models: %w", err)
	}
	if ollama.ContainsModel(installed, id) {
		p.logger.Debug("model present", "model", id.String())
		return nil
	}

	leader := ctx
	ch := p.group.DoChan(id.String(), func() (any, error) {
		return nil, p.pull(p.opts.Context, id, func(prog Progress) {
			if onProgress != nil && leader.Err() == nil {
				onProgress(prog)
			}
		})
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provisioner) pull(ctx context.Context, id ollama.ModelID, onProgress func(Progress)) error {
	start := time.Now()
	p.logger.Info("pulling model", "model", id.String())

	var tracker phaseTracker
	err := p.client.PullModel(ctx, id, func(raw ollama.PullProgress) {
		onProgress(tracker.observe(raw))
	})
	if err != nil {
		if ctx.Err() != nil {
			p.logger.Info("model pull cancelled", "model", id.String())
			return ctx.Err()
		}
		return p.fail(ctx, id, PullFailed, err, start)
	}

	installed, err := p.client.ListModels(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.fail(ctx, id, VerificationFailed, fmt.Errorf("listing models: %w", err), start)
	}
	if !ollama.ContainsModel(installed, id) {
		return p.fail(ctx, id, VerificationFailed, errors.New("model not listed after pull"), start)
	}

	p.logger.Info("model installed", "model", id.String(), "duration", time.Since(start))
	p.record(ctx, ProvisionAttempt{Model: id, Outcome: OutcomePulled, Duration: time.Since(start)})
	return nil
}

func (p *Provisioner) fail(ctx context.Context, id ollama.ModelID, kind ProvisionKind, err error, start time.Time) error {
	perr := &ProvisionError{Kind: kind, Model: id, Remedy: p.opts.Binary + " pull " + id.String(), Err: err}
	p.logger.Error("model provisioning failed", "model", id.String(), "kind", kind.String(), "error", err)
	p.record(ctx, ProvisionAttempt{Model: id, Outcome: kind.String(), Err: err, Duration: time.Since(start)})
	return perr
}

func (p *Provisioner) record(ctx context.Context, a ProvisionAttempt) {
	metrics.ProvisionFinished(a.Outcome)
	if p.opts.Recorder == nil {
		return
	}
	// Recorded even when ctx is already cancelled.
	if err := p.opts.Recorder.RecordProvision(context.WithoutCancel(ctx), a); err != nil {
		p.logger.Warn("recording provision attempt failed", "model", a.Model.String(), "error", err)
	}
}

// phaseTracker turns raw pull progress into per-phase increments. Each
// phase keeps its own high-water mark, so a completed phase that is revisited
// starts from 100 and an interrupted one resumes where it left off.
type phaseTracker struct {
	last map[string]int
}

func (t *phaseTracker) observe(p ollama.PullProgress) Progress {
	if t.last == nil {
		t.last = make(map[string]int)
	}
	pct := percent(p.Completed, p.Total)

	last := t.last[p.Status]
	inc := pct - last
	if inc < 0 {
		inc = 0
	}
	t.last[p.Status] = max(last, pct)
	return Progress{Status: p.Status, Percent: pct, Increment: inc}
}

func percent(completed, total int64) int {
	if total <= 0 || completed <= 0 {
		return 0
	}
	if completed >= total {
		return 100
	}
	return int(completed * 100 / total)
}
