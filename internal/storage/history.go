package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Plazide/local-ai-code-completion/internal/inserter"
	"github.com/Plazide/local-ai-code-completion/internal/supervisor"
)

// timeLayout sorts lexically, so ORDER BY created_at is chronological.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// --- Suggestions ---

func (s *Store) SaveSuggestion(ctx context.Context, r SuggestionRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suggestions (id, created_at, document, model, anchor_line, anchor_column, text, fragments, outcome, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CreatedAt.UTC().Format(timeLayout), r.Document, r.Model, r.AnchorLine, r.AnchorColumn,
		r.Text, r.Fragments, r.Outcome, r.Error, r.Duration.Milliseconds(),
	)
	return err
}

func (s *Store) GetSuggestion(ctx context.Context, id string) (SuggestionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, document, model, anchor_line, anchor_column, text, fragments, outcome, error, duration_ms
		FROM suggestions WHERE id = ?`, id)
	r, err := scanSuggestion(row)
	if err == sql.ErrNoRows {
		return SuggestionRecord{}, ErrNotFound
	}
	return r, err
}

// ListSuggestions returns the most recent suggestions first.
func (s *Store) ListSuggestions(ctx context.Context, limit int) ([]SuggestionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, document, model, anchor_line, anchor_column, text, fragments, outcome, error, duration_ms
		FROM suggestions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SuggestionRecord
	for rows.Next() {
		r, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) SuggestionStats(ctx context.Context) (SuggestionStats, error) {
	var st SuggestionStats
	var avgMS sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(outcome = 'accepted'), 0),
		       COALESCE(SUM(outcome = 'discarded'), 0),
		       COALESCE(SUM(error != ''), 0),
		       AVG(duration_ms)
		FROM suggestions`,
	).Scan(&st.Total, &st.Accepted, &st.Discarded, &st.Errored, &avgMS)
	if err != nil {
		return SuggestionStats{}, err
	}
	if avgMS.Valid {
		st.AvgDuration = time.Duration(avgMS.Float64 * float64(time.Millisecond))
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSuggestion(sc scanner) (SuggestionRecord, error) {
	var r SuggestionRecord
	var createdAt string
	var durationMS int64
	if err := sc.Scan(&r.ID, &createdAt, &r.Document, &r.Model, &r.AnchorLine, &r.AnchorColumn,
		&r.Text, &r.Fragments, &r.Outcome, &r.Error, &durationMS); err != nil {
		return SuggestionRecord{}, err
	}
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return SuggestionRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = t
	r.Duration = time.Duration(durationMS) * time.Millisecond
	return r, nil
}

// RecordOutcome stores an accepted or discarded suggestion.
func (s *Store) RecordOutcome(ctx context.Context, o inserter.Outcome) error {
	sg := o.Suggestion
	r := SuggestionRecord{
		ID:           sg.ID,
		CreatedAt:    sg.StartedAt,
		Document:     o.DocumentID,
		Model:        o.Model,
		AnchorLine:   sg.Anchor.Line,
		AnchorColumn: sg.Anchor.Column,
		Text:         sg.Text,
		Fragments:    sg.Fragments,
		Outcome:      sg.State.String(),
	}
	if sg.Err != nil {
		r.Error = sg.Err.Error()
	}
	if !sg.EndedAt.IsZero() {
		r.Duration = sg.EndedAt.Sub(sg.StartedAt)
	}
	return s.SaveSuggestion(ctx, r)
}

// --- Provisions ---

func (s *Store) SaveProvision(ctx context.Context, r ProvisionRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provisions (id, created_at, model, outcome, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.CreatedAt.UTC().Format(timeLayout), r.Model, r.Outcome, r.Error, r.Duration.Milliseconds(),
	)
	return err
}

// ListProvisions returns the most recent attempts first.
func (s *Store) ListProvisions(ctx context.Context, limit int) ([]ProvisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, model, outcome, error, duration_ms
		FROM provisions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ProvisionRecord
	for rows.Next() {
		var r ProvisionRecord
		var createdAt string
		var durationMS int64
		if err := rows.Scan(&r.ID, &createdAt, &r.Model, &r.Outcome, &r.Error, &durationMS); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		r.CreatedAt = t
		r.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, r)
	}
	return results, rows.Err()
}

// RecordProvision stores a provisioning attempt.
func (s *Store) RecordProvision(ctx context.Context, a supervisor.ProvisionAttempt) error {
	r := ProvisionRecord{
		Model:    a.Model.String(),
		Outcome:  a.Outcome,
		Duration: a.Duration,
	}
	if a.Err != nil {
		r.Error = a.Err.Error()
	}
	return s.SaveProvision(ctx, r)
}
