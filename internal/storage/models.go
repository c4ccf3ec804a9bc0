package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SuggestionRecord is a suggestion after it was accepted or discarded.
type SuggestionRecord struct {
	ID           string
	CreatedAt    time.Time
	Document     string
	Model        string
	AnchorLine   int
	AnchorColumn int
	Text         string
	Fragments    int
	Outcome      string // "accepted", "discarded"
	Error        string
	Duration     time.Duration
}

// ProvisionRecord is one model pull attempt.
type ProvisionRecord struct {
	ID        string
	CreatedAt time.Time
	Model     string
	Outcome   string // "pulled", "pull_failed", "verification_failed"
	Error     string
	Duration  time.Duration
}

// SuggestionStats summarizes the suggestion history.
type SuggestionStats struct {
	Total       int
	Accepted    int
	Discarded   int
	Errored     int
	AvgDuration time.Duration
}

// AcceptRate is Accepted/Total, or zero with no history.
func (s SuggestionStats) AcceptRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Accepted) / float64(s.Total)
}
