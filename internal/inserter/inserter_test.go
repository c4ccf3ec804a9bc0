package inserter

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Plazide/local-ai-code-completion/internal/document"
)

// --- fakes ---

type fakeStream struct {
	ctx     context.Context
	frags   []string
	next    int
	err     error         // returned once frags are exhausted
	block   bool          // wait for ctx once frags are exhausted
	blocked chan struct{} // closed when the stream starts waiting
	before  func(i int)   // called before fragment i is handed out
	closed  atomic.Bool
}

func (s *fakeStream) Recv() (string, error) {
	i := s.next
	if s.before != nil {
		s.before(i)
	}
	if i < len(s.frags) {
		s.next++
		return s.frags[i], nil
	}
	if s.block {
		if s.blocked != nil {
			close(s.blocked)
			s.blocked = nil
		}
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeCompleter struct {
	mu      sync.Mutex
	streams []*fakeStream
	reqs    []Request
	err     error
}

func (f *fakeCompleter) Complete(ctx context.Context, req Request) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	s.ctx = ctx
	return s, nil
}

func streamOf(frags ...string) *fakeStream {
	return &fakeStream{frags: frags}
}

type memRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *memRecorder) RecordOutcome(_ context.Context, o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *memRecorder) states() []SuggestionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SuggestionState
	for _, o := range r.outcomes {
		out = append(out, o.Suggestion.State)
	}
	return out
}

func newDoc(text string, cursor document.Position) *document.Buffer {
	b := document.NewBuffer(text, document.UTF16)
	b.SetCursor(cursor)
	return b
}

var ctx = context.Background()

// --- fragment cleaning ---

func TestCleanFragment(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"foo  \nbar   <EOT>", "foo\nbar"},
		{"no change", "no change"},
		{"tabs\t\t\n", "tabs\n"},
		{"<EOT>", ""},
		{"   ", ""},
		{"a <EOT> b", "a  b"},
	}
	for _, tt := range tests {
		if got := CleanFragment(tt.in); got != tt.want {
			t.Errorf("CleanFragment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplitTrailingBlank(t *testing.T) {
	text, blank := splitTrailingBlank("foo  \nbar   ")
	if text != "foo\nbar" || blank != "   " {
		t.Errorf("got (%q, %q), want (%q, %q)", text, blank, "foo\nbar", "   ")
	}
}

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt("func add(a, b int) int {\n\t", "\n}")
	want := "<PRE>func add(a, b int) int {\n\t <SUF>\n} <MID>"
	if got != want {
		t.Errorf("BuildPrompt = %q, want %q", got, want)
	}
}

// --- generation ---

func TestGenerate_SendsPrefixAndSuffix(t *testing.T) {
	doc := newDoc("abc\ndef", document.Position{Line: 1, Column: 1})
	fc := &fakeCompleter{streams: []*fakeStream{streamOf()}}

	if _, err := New(doc, fc, Options{}).Generate(ctx); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	req := fc.reqs[0]
	if req.Prefix != "abc\nd" || req.Suffix != "ef" {
		t.Errorf("prefix/suffix = %q/%q", req.Prefix, req.Suffix)
	}
	if req.Prompt != BuildPrompt("abc\nd", "ef") {
		t.Errorf("prompt = %q", req.Prompt)
	}
}

// Applying fragments one at a time must give the same document as inserting
// their concatenation at the anchor, whatever the chunk boundaries.
func TestGenerate_ChunkingIndependent(t *testing.T) {
	original := "package main\n\nfunc main() {\n\t\n}\n"
	anchor := document.Position{Line: 3, Column: 1}
	completion := "msg := \"héllo 😀\"\n\tfmt.Println(msg)\n\tif x {\n\t\treturn\n\t}"

	want := document.NewBuffer(original, document.UTF16)
	if err := want.Insert(anchor, completion); err != nil {
		t.Fatal(err)
	}
	wantEnd := document.Advance(anchor, completion, document.UTF16)

	chunkings := [][]string{splitEvery(completion, 1), splitEvery(completion, 3)}
	for cut := 0; cut <= len(completion); cut++ {
		if isRuneBoundary(completion, cut) {
			chunkings = append(chunkings, []string{completion[:cut], completion[cut:]})
		}
	}

	for _, frags := range chunkings {
		doc := newDoc(original, anchor)
		fc := &fakeCompleter{streams: []*fakeStream{streamOf(frags...)}}
		s, err := New(doc, fc, Options{}).Generate(ctx)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if got := doc.Text(); got != want.Text() {
			t.Fatalf("fragments %q: document = %q, want %q", frags, got, want.Text())
		}
		if s.Span != (document.Range{Start: anchor, End: wantEnd}) {
			t.Fatalf("fragments %q: span = %s, want %s-%s", frags, s.Span, anchor, wantEnd)
		}
		if s.Text != completion {
			t.Fatalf("fragments %q: text = %q", frags, s.Text)
		}
	}
}

func isRuneBoundary(s string, i int) bool {
	return i == 0 || i == len(s) || (s[i]&0xC0) != 0x80
}

func splitEvery(s string, n int) []string {
	var out []string
	r := []rune(s)
	for i := 0; i < len(r); i += n {
		j := i + n
		if j > len(r) {
			j = len(r)
		}
		out = append(out, string(r[i:j]))
	}
	return out
}

func TestGenerate_SingleLineKeepsTrailingLineContent(t *testing.T) {
	doc := newDoc("call(rest)", document.Position{Line: 0, Column: 5})
	fc := &fakeCompleter{streams: []*fakeStream{streamOf("a, ", "b, ")}}

	s, err := New(doc, fc, Options{}).Generate(ctx)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := doc.Text(); got != "call(a, b,rest)" {
		t.Errorf("document = %q", got)
	}
	if s.Span.End != (document.Position{Line: 0, Column: 10}) {
		t.Errorf("span end = %s, want 0:10", s.Span.End)
	}
}

func TestGenerate_StripsTrailingSpacesAndEOT(t *testing.T) {
	doc := newDoc("", document.Position{})
	fc := &fakeCompleter{streams: []*fakeStream{streamOf("foo  \nbar   <EOT>", "never applied")}}

	s, err := New(doc, fc, Options{}).Generate(ctx)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := doc.Text(); got != "foo\nbar" {
		t.Errorf("document = %q, want %q", got, "foo\nbar")
	}
	if s.State != Pending || s.Err != nil {
		t.Errorf("suggestion = %+v", s)
	}
}

func TestGenerate_CancelMidStream(t *testing.T) {
	frags := []string{"one\n", "two", " three", "\nfour", " five"}
	doc := newDoc("// head\n", document.Position{Line: 1, Column: 0})
	st := streamOf(frags...)
	fc := &fakeCompleter{streams: []*fakeStream{st}}
	in := New(doc, fc, Options{})

	st.before = func(i int) {
		if i == 2 {
			if err := in.Abort(); err != nil {
				t.Errorf("Abort: %v", err)
			}
		}
	}

	s, err := in.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if in.State() != Cancelled {
		t.Errorf("state = %s, want cancelled", in.State())
	}
	if got, want := doc.Text(), "// head\none\ntwo"; got != want {
		t.Errorf("document = %q, want %q", got, want)
	}
	wantSpan := document.Range{Start: document.Position{Line: 1}, End: document.Position{Line: 2, Column: 3}}
	if s.Span != wantSpan {
		t.Errorf("span = %s, want %s", s.Span, wantSpan)
	}
	if s.State != Pending || s.Err != nil {
		t.Errorf("suggestion state = %s err = %v, want pending and no error", s.State, s.Err)
	}
	if !st.closed.Load() {
		t.Error("stream was not closed")
	}
	if pending, ok := doc.Pending(); !ok || pending != wantSpan {
		t.Errorf("pending decoration = %v (%v), want %s", pending, ok, wantSpan)
	}
}

func TestGenerate_ParentContextCancelled(t *testing.T) {
	doc := newDoc("", document.Position{})
	st := &fakeStream{frags: []string{"partial"}, block: true, blocked: make(chan struct{})}
	fc := &fakeCompleter{streams: []*fakeStream{st}}
	in := New(doc, fc, Options{})

	cctx, cancel := context.WithCancel(ctx)
	blocked := st.blocked
	go func() {
		<-blocked
		cancel()
	}()

	s, err := in.Generate(cctx)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if in.State() != Cancelled || s.Err != nil {
		t.Errorf("state = %s err = %v, want cancelled without error", in.State(), s.Err)
	}
	if doc.Text() != "partial" {
		t.Errorf("document = %q", doc.Text())
	}
}

func TestGenerate_TimeoutKeepsPartial(t *testing.T) {
	doc := newDoc("", document.Position{})
	st := &fakeStream{frags: []string{"slow"}, block: true}
	fc := &fakeCompleter{streams: []*fakeStream{st}}
	in := New(doc, fc, Options{Timeout: 20 * time.Millisecond})

	s, err := in.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if in.State() != Cancelled {
		t.Errorf("state = %s, want cancelled", in.State())
	}
	if !errors.Is(s.Err, ErrRequestTimeout) {
		t.Errorf("err = %v, want ErrRequestTimeout", s.Err)
	}
	if doc.Text() != "slow" {
		t.Errorf("document = %q, want partial text kept", doc.Text())
	}
}

func TestGenerate_StreamErrorKeepsPartial(t *testing.T) {
	doc := newDoc("", document.Position{})
	st := &fakeStream{frags: []string{"a", "b"}, err: errors.New("connection reset")}
	fc := &fakeCompleter{streams: []*fakeStream{st}}
	in := New(doc, fc, Options{})

	s, err := in.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate returned error, want it absorbed: %v", err)
	}
	if in.State() != Completed {
		t.Errorf("state = %s, want completed", in.State())
	}
	if !errors.Is(s.Err, ErrStream) {
		t.Errorf("err = %v, want ErrStream", s.Err)
	}
	if doc.Text() != "ab" {
		t.Errorf("document = %q, want %q", doc.Text(), "ab")
	}
	if _, ok := in.Pending(); !ok {
		t.Error("partial suggestion should remain pending")
	}
}

func TestGenerate_RequestError(t *testing.T) {
	doc := newDoc("x", document.Position{Column: 1})
	fc := &fakeCompleter{err: errors.New("dial tcp: connection refused")}
	in := New(doc, fc, Options{})

	s, err := in.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if in.State() != Completed || !errors.Is(s.Err, ErrStream) {
		t.Errorf("state = %s err = %v", in.State(), s.Err)
	}
	if !s.Span.IsEmpty() || doc.Text() != "x" {
		t.Errorf("span = %s document = %q", s.Span, doc.Text())
	}
}

func TestGenerate_RestoresCursorToAnchor(t *testing.T) {
	anchor := document.Position{Line: 0, Column: 2}
	doc := newDoc("ab", anchor)
	fc := &fakeCompleter{streams: []*fakeStream{streamOf("x\ny\nz")}}

	if _, err := New(doc, fc, Options{}).Generate(ctx); err != nil {
		t.Fatal(err)
	}
	if doc.Cursor() != anchor {
		t.Errorf("cursor = %s, want anchor %s", doc.Cursor(), anchor)
	}
}

// --- accept / discard ---

func TestAccept(t *testing.T) {
	doc := newDoc("x := ", document.Position{Column: 5})
	rec := &memRecorder{}
	fc := &fakeCompleter{streams: []*fakeStream{streamOf("compute(\n", "  1)")}}
	in := New(doc, fc, Options{Recorder: rec, DocumentID: "main.go", Model: "codellama:7b-code"})

	if _, err := in.Generate(ctx); err != nil {
		t.Fatal(err)
	}
	s, err := in.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if s.State != Accepted {
		t.Errorf("state = %s, want accepted", s.State)
	}
	if doc.Cursor() != s.Span.End {
		t.Errorf("cursor = %s, want span end %s", doc.Cursor(), s.Span.End)
	}
	if _, ok := doc.Pending(); ok {
		t.Error("pending decoration not cleared")
	}
	if in.State() != Idle {
		t.Errorf("inserter state = %s, want idle", in.State())
	}
	if doc.Text() != "x := compute(\n  1)" {
		t.Errorf("document = %q", doc.Text())
	}
	if _, err := in.Accept(ctx); !errors.Is(err, ErrNoSuggestion) {
		t.Errorf("second Accept err = %v, want ErrNoSuggestion", err)
	}
	if got := rec.states(); len(got) != 1 || got[0] != Accepted {
		t.Errorf("recorded = %v", got)
	}
	if rec.outcomes[0].DocumentID != "main.go" || rec.outcomes[0].Model != "codellama:7b-code" {
		t.Errorf("outcome = %+v", rec.outcomes[0])
	}
}

func TestDiscard_RestoresDocument(t *testing.T) {
	original := "fn() {\n  😀 \n}"
	anchor := document.Position{Line: 1, Column: 4}
	doc := newDoc(original, anchor)
	fc := &fakeCompleter{streams: []*fakeStream{streamOf("let a = 1;\n", "  let b = 2;")}}
	in := New(doc, fc, Options{})

	if _, err := in.Generate(ctx); err != nil {
		t.Fatal(err)
	}
	if doc.Text() == original {
		t.Fatal("nothing was inserted")
	}

	s, err := in.Discard(ctx)
	if err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if s.State != Discarded {
		t.Errorf("state = %s", s.State)
	}
	if doc.Text() != original {
		t.Errorf("document = %q, want %q", doc.Text(), original)
	}
	if doc.Cursor() != anchor {
		t.Errorf("cursor = %s, want %s", doc.Cursor(), anchor)
	}
	if _, ok := doc.Pending(); ok {
		t.Error("pending decoration not cleared")
	}
	if _, err := in.Discard(ctx); !errors.Is(err, ErrNoSuggestion) {
		t.Errorf("second Discard err = %v, want ErrNoSuggestion", err)
	}
}

func TestDiscard_AfterCancel(t *testing.T) {
	doc := newDoc("keep", document.Position{Column: 4})
	st := streamOf("1", "2", "3")
	fc := &fakeCompleter{streams: []*fakeStream{st}}
	in := New(doc, fc, Options{})
	st.before = func(i int) {
		if i == 1 {
			in.Abort()
		}
	}

	if _, err := in.Generate(ctx); err != nil {
		t.Fatal(err)
	}
	if doc.Text() != "keep1" {
		t.Fatalf("document = %q", doc.Text())
	}
	if _, err := in.Discard(ctx); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if doc.Text() != "keep" {
		t.Errorf("document = %q, want %q", doc.Text(), "keep")
	}
}

func TestAcceptWhileGenerating_DiscardStops(t *testing.T) {
	doc := newDoc("base", document.Position{Column: 4})
	st := &fakeStream{frags: []string{" streaming"}, block: true, blocked: make(chan struct{})}
	fc := &fakeCompleter{streams: []*fakeStream{st}}
	in := New(doc, fc, Options{})
	blocked := st.blocked

	done := make(chan Suggestion, 1)
	go func() {
		s, _ := in.Generate(ctx)
		done <- s
	}()
	<-blocked

	if in.State() != Generating {
		t.Fatalf("state = %s, want generating", in.State())
	}
	if _, err := in.Accept(ctx); !errors.Is(err, ErrStillGenerating) {
		t.Errorf("Accept err = %v, want ErrStillGenerating", err)
	}

	if _, err := in.Discard(ctx); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	s := <-done
	if s.Text != " streaming" {
		t.Errorf("generated text = %q", s.Text)
	}
	if doc.Text() != "base" {
		t.Errorf("document = %q, want %q", doc.Text(), "base")
	}
	if in.State() != Idle {
		t.Errorf("state = %s, want idle", in.State())
	}
}

func TestAbort_NotGenerating(t *testing.T) {
	in := New(newDoc("", document.Position{}), &fakeCompleter{}, Options{})
	if err := in.Abort(); !errors.Is(err, ErrNotGenerating) {
		t.Errorf("Abort err = %v, want ErrNotGenerating", err)
	}
}

// --- one pending suggestion at a time ---

func TestGenerate_ImplicitlyDiscardsPending(t *testing.T) {
	doc := newDoc("x", document.Position{Column: 1})
	rec := &memRecorder{}
	fc := &fakeCompleter{streams: []*fakeStream{streamOf("first\nsuggestion"), streamOf("second")}}
	in := New(doc, fc, Options{Recorder: rec})

	if _, err := in.Generate(ctx); err != nil {
		t.Fatal(err)
	}
	s, err := in.Generate(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if doc.Text() != "xsecond" {
		t.Errorf("document = %q, want %q", doc.Text(), "xsecond")
	}
	if s.Anchor != (document.Position{Column: 1}) {
		t.Errorf("anchor = %s", s.Anchor)
	}
	if got := rec.states(); len(got) != 1 || got[0] != Discarded {
		t.Errorf("recorded = %v, want one discarded", got)
	}
	if fc.reqs[1].Prefix != "x" || fc.reqs[1].Suffix != "" {
		t.Errorf("second request saw previous suggestion: %+v", fc.reqs[1])
	}
}

func TestGenerate_StopsRunningStream(t *testing.T) {
	doc := newDoc("", document.Position{})
	first := &fakeStream{frags: []string{"old"}, block: true, blocked: make(chan struct{})}
	fc := &fakeCompleter{streams: []*fakeStream{first, streamOf("new")}}
	in := New(doc, fc, Options{})
	blocked := first.blocked

	firstDone := make(chan Suggestion, 1)
	go func() {
		s, _ := in.Generate(ctx)
		firstDone <- s
	}()
	<-blocked

	s, err := in.Generate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	old := <-firstDone

	if old.Text != "old" {
		t.Errorf("first suggestion text = %q", old.Text)
	}
	if s.Text != "new" || doc.Text() != "new" {
		t.Errorf("second suggestion = %q, document = %q", s.Text, doc.Text())
	}
}

func TestStart_ReturnsAnchoredSuggestion(t *testing.T) {
	doc := newDoc("x := ", document.Position{Line: 0, Column: 5})
	st := &fakeStream{frags: []string{"42"}, block: true, blocked: make(chan struct{})}
	blocked := st.blocked
	fc := &fakeCompleter{streams: []*fakeStream{st}}
	in := New(doc, fc, Options{})

	started, done, err := in.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.ID == "" || started.Anchor != (document.Position{Line: 0, Column: 5}) || started.Text != "" {
		t.Errorf("started = %+v", started)
	}

	<-blocked
	if in.State() != Generating {
		t.Errorf("state = %s, want generating", in.State())
	}
	if err := in.Abort(); err != nil {
		t.Fatal(err)
	}

	select {
	case final := <-done:
		if final.ID != started.ID || final.Text != "42" {
			t.Errorf("final = %+v", final)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
	if in.State() != Cancelled {
		t.Errorf("state = %s, want cancelled", in.State())
	}
}
