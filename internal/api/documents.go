package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/Plazide/local-ai-code-completion/internal/document"
	"github.com/Plazide/local-ai-code-completion/internal/inserter"
	"github.com/Plazide/local-ai-code-completion/internal/metrics"
)

// session pairs a document buffer with its inserter.
type session struct {
	id  string
	buf *document.Buffer
	ins *inserter.Inserter

	closeOnce sync.Once
	closed    chan struct{}
}

// close ends the session's event streams.
func (s *session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// DocumentRequest is the body of PUT /v1/documents/{id}.
type DocumentRequest struct {
	Text   string            `json:"text"`
	Cursor document.Position `json:"cursor"`
	// Unit overrides the configured column unit for this document.
	Unit string `json:"unit,omitempty"`
}

// SuggestionView is a suggestion as the bridge reports it.
type SuggestionView struct {
	ID        string            `json:"id"`
	Anchor    document.Position `json:"anchor"`
	Span      document.Range    `json:"span"`
	Text      string            `json:"text"`
	State     string            `json:"state"`
	Fragments int               `json:"fragments"`
	Error     string            `json:"error,omitempty"`
}

// DocumentView is the body of GET /v1/documents/{id}. Generating and
// Available mirror the editor's context flags.
type DocumentView struct {
	ID         string            `json:"id"`
	Text       string            `json:"text"`
	Cursor     document.Position `json:"cursor"`
	Unit       string            `json:"unit"`
	State      string            `json:"state"`
	Generating bool              `json:"generating"`
	Available  bool              `json:"completion_available"`
	Pending    *SuggestionView   `json:"pending,omitempty"`
}

func suggestionView(s inserter.Suggestion) SuggestionView {
	v := SuggestionView{
		ID:        s.ID,
		Anchor:    s.Anchor,
		Span:      s.Span,
		Text:      s.Text,
		State:     s.State.String(),
		Fragments: s.Fragments,
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	return v
}

func (s *session) view() DocumentView {
	state := s.ins.State()
	v := DocumentView{
		ID:         s.id,
		Text:       s.buf.Text(),
		Cursor:     s.buf.Cursor(),
		Unit:       s.buf.Unit().String(),
		State:      state.String(),
		Generating: state == inserter.Generating,
	}
	if p, ok := s.ins.Pending(); ok {
		sv := suggestionView(p)
		v.Pending = &sv
		v.Available = state != inserter.Generating
	}
	return v
}

// outcomeRecorder counts outcomes before handing them to the store.
type outcomeRecorder struct {
	next inserter.Recorder
}

func (r outcomeRecorder) RecordOutcome(ctx context.Context, o inserter.Outcome) error {
	metrics.SuggestionFinished(o.Suggestion.State.String(), o.Suggestion.Fragments)
	if r.next == nil {
		return nil
	}
	return r.next.RecordOutcome(ctx, o)
}

func (b *Bridge) session(r *http.Request) (*session, bool) {
	id := chi.URLParam(r, "id")
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	return s, ok
}

func (b *Bridge) handlePutDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req DocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	unit := b.deps.Unit
	if req.Unit != "" {
		u, err := document.ParseUnit(req.Unit)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		unit = u
	}

	id := chi.URLParam(r, "id")
	buf := document.NewBuffer(req.Text, unit)
	buf.SetCursor(req.Cursor)
	s := &session{
		id:  id,
		buf: buf,
		ins: inserter.New(buf, b.deps.Completer, inserter.Options{
			Timeout:    b.deps.Timeout,
			DocumentID: id,
			Model:      b.deps.Service.Model().String(),
			Recorder:   outcomeRecorder{next: b.deps.Recorder},
			Logger:     b.logger.With("document", id),
		}),
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	old := b.sessions[id]
	b.sessions[id] = s
	b.mu.Unlock()

	if old != nil {
		if _, err := old.ins.Discard(r.Context()); err != nil && !errors.Is(err, inserter.ErrNoSuggestion) {
			b.logger.Warn("discarding replaced document suggestion failed", "document", id, "error", err)
		}
		old.close()
	}
	writeJSON(w, http.StatusOK, s.view())
}

func (b *Bridge) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	s, ok := b.session(r)
	if !ok {
		httpError(w, http.StatusNotFound, "not_found", "document not found")
		return
	}
	writeJSON(w, http.StatusOK, s.view())
}

// handleGenerate starts a generation and answers 202 with the anchored
// suggestion. With ?wait=true it answers 200 once the stream stops.
func (b *Bridge) handleGenerate(w http.ResponseWriter, r *http.Request) {
	s, ok := b.session(r)
	if !ok {
		httpError(w, http.StatusNotFound, "not_found", "document not found")
		return
	}
	if !b.deps.Service.IsReady() {
		httpError(w, http.StatusServiceUnavailable, "service_unavailable",
			"inference service is %s", b.deps.Service.State())
		return
	}

	started, done, err := s.ins.Start(b.base)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "starting generation: %v", err)
		return
	}

	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, suggestionView(started))
		return
	}
	select {
	case final := <-done:
		writeJSON(w, http.StatusOK, suggestionView(final))
	case <-r.Context().Done():
		// The client went away; the generation keeps running.
	}
}

func (b *Bridge) handleAbort(w http.ResponseWriter, r *http.Request) {
	s, ok := b.session(r)
	if !ok {
		httpError(w, http.StatusNotFound, "not_found", "document not found")
		return
	}
	if err := s.ins.Abort(); err != nil {
		httpError(w, http.StatusConflict, "conflict", "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborting"})
}

func (b *Bridge) handleAccept(w http.ResponseWriter, r *http.Request) {
	s, ok := b.session(r)
	if !ok {
		httpError(w, http.StatusNotFound, "not_found", "document not found")
		return
	}
	sg, err := s.ins.Accept(r.Context())
	if err != nil {
		httpError(w, http.StatusConflict, "conflict", "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, suggestionView(sg))
}

func (b *Bridge) handleDiscard(w http.ResponseWriter, r *http.Request) {
	s, ok := b.session(r)
	if !ok {
		httpError(w, http.StatusNotFound, "not_found", "document not found")
		return
	}
	sg, err := s.ins.Discard(r.Context())
	if err != nil {
		if errors.Is(err, inserter.ErrNoSuggestion) {
			httpError(w, http.StatusConflict, "conflict", "%v", err)
			return
		}
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, suggestionView(sg))
}

// handleEvents streams every buffer edit as a server-sent event. A "resync"
// event tells the client to fetch the document again: it fell behind or the
// document was replaced.
func (b *Bridge) handleEvents(w http.ResponseWriter, r *http.Request) {
	s, ok := b.session(r)
	if !ok {
		httpError(w, http.StatusNotFound, "not_found", "document not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	edits, unsubscribe := s.buf.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case e, ok := <-edits:
			if !ok {
				fmt.Fprint(w, "event: resync\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				b.logger.Warn("marshalling edit event failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: edit\ndata: %s\n\n", e.Seq, payload)
			flusher.Flush()
		case <-s.closed:
			fmt.Fprint(w, "event: resync\ndata: {}\n\n")
			flusher.Flush()
			return
		case <-r.Context().Done():
			return
		}
	}
}
