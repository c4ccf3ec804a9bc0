package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Plazide/local-ai-code-completion/internal/document"
	"github.com/Plazide/local-ai-code-completion/internal/inserter"
	"github.com/Plazide/local-ai-code-completion/internal/metrics"
	"github.com/Plazide/local-ai-code-completion/internal/ollama"
	"github.com/Plazide/local-ai-code-completion/internal/storage"
	"github.com/Plazide/local-ai-code-completion/internal/supervisor"
)

const maxRequestBodySize = 4 << 20 // 4MB

// Service is the part of the supervisor the bridge reports on.
type Service interface {
	IsReady() bool
	State() supervisor.State
	Model() ollama.ModelID
}

// History reads stored suggestion outcomes.
type History interface {
	ListSuggestions(ctx context.Context, limit int) ([]storage.SuggestionRecord, error)
	SuggestionStats(ctx context.Context) (storage.SuggestionStats, error)
}

// BridgeDeps wires the editor bridge. History and Recorder are optional.
type BridgeDeps struct {
	Service     Service
	Completer   inserter.Completer
	History     History
	Recorder    inserter.Recorder
	Timeout     time.Duration
	Unit        document.Unit
	Token       string
	CORSOrigins []string
	Logger      *slog.Logger
}

// Bridge serves the HTTP surface an editor plugin drives. Each document id
// gets its own buffer and inserter.
type Bridge struct {
	deps   BridgeDeps
	logger *slog.Logger

	// base outlives requests so background generations keep streaming.
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
}

func NewBridge(deps BridgeDeps) *Bridge {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Bridge{
		deps:     deps,
		logger:   logger,
		base:     base,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

// Handler returns the bridge router.
func (b *Bridge) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	if len(b.deps.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: b.deps.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if b.deps.Token != "" {
			r.Use(BearerAuth(b.deps.Token))
		}
		r.Get("/v1/status", b.handleStatus)
		r.Get("/v1/history", b.handleHistory)

		r.Route("/v1/documents/{id}", func(r chi.Router) {
			r.Put("/", b.handlePutDocument)
			r.Get("/", b.handleGetDocument)
			r.Post("/generate", b.handleGenerate)
			r.Post("/abort", b.handleAbort)
			r.Post("/accept", b.handleAccept)
			r.Post("/discard", b.handleDiscard)
			r.Get("/events", b.handleEvents)
		})
	})

	return r
}

// Close stops every running generation and ends event streams.
func (b *Bridge) Close() {
	b.cancel()
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*session)
	b.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	State string `json:"state"`
	Ready bool   `json:"ready"`
	Model string `json:"model"`
}

func (b *Bridge) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		State: b.deps.Service.State().String(),
		Ready: b.deps.Service.IsReady(),
		Model: b.deps.Service.Model().String(),
	})
}

// HistoryEntry is one stored suggestion in GET /v1/history.
type HistoryEntry struct {
	ID         string            `json:"id"`
	CreatedAt  time.Time         `json:"created_at"`
	Document   string            `json:"document"`
	Model      string            `json:"model"`
	Anchor     document.Position `json:"anchor"`
	Text       string            `json:"text"`
	Fragments  int               `json:"fragments"`
	Outcome    string            `json:"outcome"`
	Error      string            `json:"error,omitempty"`
	DurationMS int64             `json:"duration_ms"`
}

// HistoryResponse is the body of GET /v1/history.
type HistoryResponse struct {
	Suggestions []HistoryEntry `json:"suggestions"`
	Total       int            `json:"total"`
	Accepted    int            `json:"accepted"`
	Discarded   int            `json:"discarded"`
	Errored     int            `json:"errored"`
	AcceptRate  float64        `json:"accept_rate"`
	AvgMS       int64          `json:"avg_duration_ms"`
}

func (b *Bridge) handleHistory(w http.ResponseWriter, r *http.Request) {
	if b.deps.History == nil {
		httpError(w, http.StatusNotFound, "not_found", "history is not enabled")
		return
	}
	limit := parseIntParam(r, "limit", 20, 200)

	records, err := b.deps.History.ListSuggestions(r.Context(), limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to list suggestions: %v", err)
		return
	}
	stats, err := b.deps.History.SuggestionStats(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to compute stats: %v", err)
		return
	}

	resp := HistoryResponse{
		Suggestions: make([]HistoryEntry, 0, len(records)),
		Total:       stats.Total,
		Accepted:    stats.Accepted,
		Discarded:   stats.Discarded,
		Errored:     stats.Errored,
		AcceptRate:  stats.AcceptRate(),
		AvgMS:       stats.AvgDuration.Milliseconds(),
	}
	for _, rec := range records {
		resp.Suggestions = append(resp.Suggestions, historyEntry(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func historyEntry(rec storage.SuggestionRecord) HistoryEntry {
	return HistoryEntry{
		ID:         rec.ID,
		CreatedAt:  rec.CreatedAt,
		Document:   rec.Document,
		Model:      rec.Model,
		Anchor:     document.Position{Line: rec.AnchorLine, Column: rec.AnchorColumn},
		Text:       rec.Text,
		Fragments:  rec.Fragments,
		Outcome:    rec.Outcome,
		Error:      rec.Error,
		DurationMS: rec.Duration.Milliseconds(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
