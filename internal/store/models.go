package store

import (
	"encoding/json"
	"errors"
	"time"

	"edittime/api/internal/policy"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Outcome is a finalized editing session.
type Outcome struct {
	ID               string             `json:"id"`
	UserID           string             `json:"userId"`
	DocumentID       string             `json:"documentId"`
	DocumentType     string             `json:"documentType"`
	DocumentTitle    string             `json:"documentTitle"`
	StartTime        time.Time          `json:"startTime"`
	EndTime          time.Time          `json:"endTime"`
	Duration         int64              `json:"duration"`
	CharDelta        int                `json:"charDelta"`
	WordDelta        int                `json:"wordDelta"`
	ActivityCount    int                `json:"activityCount"`
	ElementsModified int                `json:"elementsModified"`
	BuilderDelta     int                `json:"builderDelta"`
	ActivitySummary  string             `json:"activitySummary"`
	Disposition      policy.Disposition `json:"disposition"`
}

// OutcomeFilter selects outcomes for reporting. Zero values do not filter.
// EndDate includes the whole day it falls on.
type OutcomeFilter struct {
	UserID     string
	DocumentID string
	StartDate  time.Time
	EndDate    time.Time
	OrderBy    string
	Ascending  bool
	Limit      int
	Offset     int
}

// Document is the host application's document as last synced.
type Document struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Content     string          `json:"content"`
	BuilderData json.RawMessage `json:"builderData,omitempty"`
	UsesBuilder bool            `json:"usesBuilder"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}
