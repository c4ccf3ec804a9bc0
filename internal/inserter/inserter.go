// Package inserter streams model output into a document as a single pending
// suggestion that the user later accepts or discards.
package inserter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Plazide/local-ai-code-completion/internal/document"
)

var (
	// ErrNoSuggestion is returned by Accept and Discard when nothing is pending.
	ErrNoSuggestion = errors.New("no pending suggestion")
	// ErrStillGenerating is returned by Accept while the stream is running.
	ErrStillGenerating = errors.New("suggestion is still generating")
	// ErrNotGenerating is returned by Abort when no stream is running.
	ErrNotGenerating = errors.New("no generation in progress")
	// ErrRequestTimeout is recorded on a suggestion whose stream hit Options.Timeout.
	ErrRequestTimeout = errors.New("completion request timed out")
	// ErrStream wraps request and stream failures recorded on a suggestion.
	ErrStream = errors.New("completion stream failed")
)

// State is the inserter's position in the generation lifecycle.
type State int

const (
	Idle State = iota
	Generating
	Completed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Generating:
		return "generating"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SuggestionState tracks whether generated text is still under review.
type SuggestionState int

const (
	Pending SuggestionState = iota
	Accepted
	Discarded
)

func (s SuggestionState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Accepted:
		return "accepted"
	case Discarded:
		return "discarded"
	}
	return fmt.Sprintf("SuggestionState(%d)", int(s))
}

// Suggestion is generated text inserted at Anchor and covering Span.
// Anchor never changes; Span only grows while the suggestion is generating.
type Suggestion struct {
	ID        string
	Anchor    document.Position
	Span      document.Range
	Text      string
	State     SuggestionState
	Fragments int
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

// Request is what the inserter asks the backend for.
type Request struct {
	Prompt string
	Prefix string
	Suffix string
}

// Stream yields fragments in arrival order and io.EOF at the end.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Completer opens completion streams.
type Completer interface {
	Complete(ctx context.Context, req Request) (Stream, error)
}

// Outcome is reported to a Recorder when a suggestion is accepted or discarded.
type Outcome struct {
	DocumentID string
	Model      string
	Suggestion Suggestion
}

// Recorder persists suggestion outcomes.
type Recorder interface {
	RecordOutcome(ctx context.Context, o Outcome) error
}

// Options configures an Inserter. The zero value is usable.
type Options struct {
	// Timeout bounds each Generate call; zero means no limit.
	Timeout    time.Duration
	DocumentID string
	Model      string
	Recorder   Recorder
	Logger     *slog.Logger
}

// run is one in-flight stream.
type run struct {
	cancel  context.CancelFunc
	aborted atomic.Bool
	done    chan struct{}
}

func (r *run) abort() {
	r.aborted.Store(true)
	r.cancel()
}

// Inserter drives one document. All document mutations happen while mu is
// held, so fragments, Accept and Discard never interleave.
type Inserter struct {
	doc    document.Editor
	client Completer
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	state State
	sugg  *Suggestion
	cur   *run
}

// New creates an Inserter for doc that streams from client.
func New(doc document.Editor, client Completer, opts Options) *Inserter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Inserter{doc: doc, client: client, opts: opts, logger: logger}
}

// State returns the current lifecycle state.
func (in *Inserter) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Pending returns a copy of the pending suggestion, if any.
func (in *Inserter) Pending() (Suggestion, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.sugg == nil {
		return Suggestion{}, false
	}
	return *in.sugg, true
}

// Generate discards any pending suggestion, anchors a new one at the cursor
// and streams the completion into the document until the stream ends, Abort
// is called, ctx is cancelled or the timeout elapses. Stream failures do not
// roll back inserted text; they are recorded on the returned suggestion.
func (in *Inserter) Generate(ctx context.Context) (Suggestion, error) {
	_, finish, err := in.begin(ctx)
	if err != nil {
		return Suggestion{}, err
	}
	return finish(), nil
}

// Start is Generate in the background. It returns the freshly anchored
// suggestion; done receives the final one when the stream stops.
func (in *Inserter) Start(ctx context.Context) (Suggestion, <-chan Suggestion, error) {
	started, finish, err := in.begin(ctx)
	if err != nil {
		return Suggestion{}, nil, err
	}
	done := make(chan Suggestion, 1)
	go func() { done <- finish() }()
	return started, done, nil
}

// begin anchors a new suggestion and returns the function that streams it.
func (in *Inserter) begin(ctx context.Context) (Suggestion, func() Suggestion, error) {
	in.mu.Lock()
	for in.state == Generating {
		in.waitStoppedLocked()
	}
	var discarded *Suggestion
	if in.sugg != nil {
		s, err := in.discardLocked()
		if err != nil {
			in.mu.Unlock()
			return Suggestion{}, nil, fmt.Errorf("discarding previous suggestion: %w", err)
		}
		discarded = &s
	}

	anchor := in.doc.Cursor()
	prefix := in.doc.TextBefore(anchor)
	suffix := in.doc.TextAfter(anchor)

	runCtx, cancel := context.WithCancel(ctx)
	if in.opts.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, in.opts.Timeout, ErrRequestTimeout)
		parentCancel := cancel
		cancel = func() { cancelTimeout(); parentCancel() }
	}
	r := &run{cancel: cancel, done: make(chan struct{})}
	sugg := &Suggestion{
		ID:        uuid.New().String(),
		Anchor:    anchor,
		Span:      document.Range{Start: anchor, End: anchor},
		State:     Pending,
		StartedAt: time.Now(),
	}
	in.sugg = sugg
	in.cur = r
	in.state = Generating
	started := *sugg
	in.mu.Unlock()

	if discarded != nil {
		in.record(ctx, *discarded)
	}
	in.logger.Debug("generation started", "suggestion", sugg.ID, "anchor", anchor.String())

	finish := func() Suggestion {
		state, err := in.stream(runCtx, r, Request{Prompt: BuildPrompt(prefix, suffix), Prefix: prefix, Suffix: suffix})
		cancel()

		in.mu.Lock()
		defer in.mu.Unlock()
		sugg.Err = err
		sugg.EndedAt = time.Now()
		in.state = state
		in.cur = nil
		in.doc.SetCursor(anchor)
		close(r.done)

		if err != nil {
			in.logger.Warn("generation ended with error", "suggestion", sugg.ID, "state", state.String(), "fragments", sugg.Fragments, "error", err)
		} else {
			in.logger.Debug("generation finished", "suggestion", sugg.ID, "state", state.String(), "fragments", sugg.Fragments)
		}
		return *sugg
	}
	return started, finish, nil
}

// stream consumes fragments until a terminal condition and returns the
// resulting state and the error to record on the suggestion.
func (in *Inserter) stream(ctx context.Context, r *run, req Request) (State, error) {
	st, err := in.client.Complete(ctx, req)
	if err != nil {
		return in.interrupted(ctx, r, err)
	}
	defer st.Close()

	var held string
	for {
		if r.aborted.Load() || ctx.Err() != nil {
			return in.interrupted(ctx, r, nil)
		}
		frag, err := st.Recv()
		if r.aborted.Load() || ctx.Err() != nil {
			return in.interrupted(ctx, r, nil)
		}
		if errors.Is(err, io.EOF) {
			return Completed, nil
		}
		if err != nil {
			return Completed, fmt.Errorf("%w: %v", ErrStream, err)
		}

		eot := strings.Index(frag, EndOfText)
		if eot >= 0 {
			frag = frag[:eot]
		}
		text, blank := splitTrailingBlank(held + frag)
		held = blank
		if err := in.apply(text); err != nil {
			return Completed, fmt.Errorf("%w: applying fragment: %v", ErrStream, err)
		}
		if eot >= 0 {
			return Completed, nil
		}
	}
}

// interrupted maps a stopped stream to Cancelled, or reports a request
// error as Completed when nothing asked it to stop.
func (in *Inserter) interrupted(ctx context.Context, r *run, err error) (State, error) {
	if r.aborted.Load() {
		return Cancelled, nil
	}
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrRequestTimeout) {
			return Cancelled, ErrRequestTimeout
		}
		return Cancelled, nil
	}
	return Completed, fmt.Errorf("%w: %v", ErrStream, err)
}

// apply inserts text at the current span end and grows the span.
func (in *Inserter) apply(text string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	s := in.sugg
	s.Fragments++
	if text == "" {
		return nil
	}
	if err := in.doc.Insert(s.Span.End, text); err != nil {
		return err
	}
	s.Text += text
	s.Span.End = document.Advance(s.Anchor, s.Text, in.doc.Unit())
	in.doc.SetPending(s.Span)
	in.doc.SetCursor(s.Anchor)
	return nil
}

// Abort asks the running stream to stop. The inserted text stays pending.
func (in *Inserter) Abort() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state != Generating || in.cur == nil {
		return ErrNotGenerating
	}
	in.cur.abort()
	return nil
}

// Accept commits the pending suggestion and moves the cursor to its end.
func (in *Inserter) Accept(ctx context.Context) (Suggestion, error) {
	in.mu.Lock()
	if in.state == Generating {
		in.mu.Unlock()
		return Suggestion{}, ErrStillGenerating
	}
	if in.sugg == nil {
		in.mu.Unlock()
		return Suggestion{}, ErrNoSuggestion
	}
	s := in.sugg
	in.doc.ClearPending()
	in.doc.SetCursor(s.Span.End)
	s.State = Accepted
	out := *s
	in.sugg = nil
	in.state = Idle
	in.mu.Unlock()

	in.logger.Debug("suggestion accepted", "suggestion", out.ID, "span", out.Span.String())
	in.record(ctx, out)
	return out, nil
}

// Discard removes the pending suggestion's text, stopping the stream first if
// it is still running, and puts the cursor back at the anchor.
func (in *Inserter) Discard(ctx context.Context) (Suggestion, error) {
	in.mu.Lock()
	for in.state == Generating {
		in.waitStoppedLocked()
	}
	if in.sugg == nil {
		in.mu.Unlock()
		return Suggestion{}, ErrNoSuggestion
	}
	out, err := in.discardLocked()
	in.mu.Unlock()
	if err != nil {
		return Suggestion{}, err
	}

	in.logger.Debug("suggestion discarded", "suggestion", out.ID, "span", out.Span.String())
	in.record(ctx, out)
	return out, nil
}

// waitStoppedLocked aborts the running stream and waits for Generate to
// finish with it. mu is held on entry and on return.
func (in *Inserter) waitStoppedLocked() {
	r := in.cur
	r.abort()
	in.mu.Unlock()
	<-r.done
	in.mu.Lock()
}

func (in *Inserter) discardLocked() (Suggestion, error) {
	s := in.sugg
	if err := in.doc.Delete(s.Span); err != nil {
		return Suggestion{}, fmt.Errorf("deleting suggestion text: %w", err)
	}
	in.doc.ClearPending()
	in.doc.SetCursor(s.Anchor)
	s.State = Discarded
	out := *s
	in.sugg = nil
	in.state = Idle
	return out, nil
}

func (in *Inserter) record(ctx context.Context, s Suggestion) {
	if in.opts.Recorder == nil {
		return
	}
	o := Outcome{DocumentID: in.opts.DocumentID, Model: in.opts.Model, Suggestion: s}
	if err := in.opts.Recorder.RecordOutcome(ctx, o); err != nil {
		in.logger.Warn("recording suggestion outcome failed", "suggestion", s.ID, "error", err)
	}
}
