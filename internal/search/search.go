// Package search indexes recorded editing sessions for lookup by title and
// activity summary.
package search

import (
	"context"

	"edittime/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	DocumentID    string `json:"documentId"`
	DocumentTitle string `json:"documentTitle"`
	Snippet       string `json:"snippet"`
	Disposition   string `json:"disposition"`
	StartTime     int64  `json:"startTime"`
	Duration      int64  `json:"duration"`
}

// Query describes a search request.
type Query struct {
	Text        string
	UserID      string
	DocumentID  string
	Disposition string
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push sessions into a search index.
type Indexer interface {
	IndexSessions(records []SessionRecord) error
	Healthy() bool
}

// SessionRecord is the data we index for a recorded session.
type SessionRecord struct {
	ID              string `json:"id"`
	UserID          string `json:"userId"`
	DocumentID      string `json:"documentId"`
	DocumentType    string `json:"documentType"`
	DocumentTitle   string `json:"documentTitle"`
	ActivitySummary string `json:"activitySummary"`
	Disposition     string `json:"disposition"`
	StartTime       int64  `json:"startTime"`
	Duration        int64  `json:"duration"`
}

func RecordFromOutcome(o store.Outcome) SessionRecord {
	return SessionRecord{
		ID:              o.ID,
		UserID:          o.UserID,
		DocumentID:      o.DocumentID,
		DocumentType:    o.DocumentType,
		DocumentTitle:   o.DocumentTitle,
		ActivitySummary: o.ActivitySummary,
		Disposition:     string(o.Disposition),
		StartTime:       o.StartTime.Unix(),
		Duration:        o.Duration,
	}
}
