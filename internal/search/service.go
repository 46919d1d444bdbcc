package search

import (
	"context"

	"cdr.dev/slog/v3"
	"edittime/api/internal/store"
)

const reindexPageSize = 500

// OutcomeSource pages through recorded sessions for a full reindex.
type OutcomeSource interface {
	QueryOutcomes(ctx context.Context, filter store.OutcomeFilter) ([]store.Outcome, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  searchIndex
	fallback Searcher
	logger   slog.Logger
}

type searchIndex interface {
	Searcher
	Indexer
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger slog.Logger) *Service {
	s := &Service{logger: logger}
	if meili != nil {
		s.primary = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn(ctx, "meilisearch error, falling back to pgfts", slog.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error(ctx, "pgfts search failed", slog.Error(err))
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// SessionSaved indexes a freshly recorded session (fire-and-forget).
func (s *Service) SessionSaved(ctx context.Context, o store.Outcome) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	record := RecordFromOutcome(o)
	go func() {
		if err := s.primary.IndexSessions([]SessionRecord{record}); err != nil {
			s.logger.Warn(context.Background(), "index session", slog.F("session_id", record.ID), slog.Error(err))
		}
	}()
}

// ReindexAll pushes every recorded session into Meilisearch.
func (s *Service) ReindexAll(ctx context.Context, source OutcomeSource) (int, error) {
	if s.primary == nil || !s.primary.Healthy() {
		return 0, nil
	}

	indexed := 0
	for offset := 0; ; offset += reindexPageSize {
		page, err := source.QueryOutcomes(ctx, store.OutcomeFilter{
			OrderBy:   "start_time",
			Ascending: true,
			Limit:     reindexPageSize,
			Offset:    offset,
		})
		if err != nil {
			return indexed, err
		}
		if len(page) == 0 {
			break
		}
		records := make([]SessionRecord, 0, len(page))
		for _, o := range page {
			records = append(records, RecordFromOutcome(o))
		}
		if err := s.primary.IndexSessions(records); err != nil {
			return indexed, err
		}
		indexed += len(records)
		if len(page) < reindexPageSize {
			break
		}
	}
	s.logger.Info(ctx, "search reindex complete", slog.F("sessions", indexed))
	return indexed, nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
