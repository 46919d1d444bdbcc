package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"edittime/api/internal/policy"
	"edittime/api/internal/store"
	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	healthy  bool
	searchFn func(ctx context.Context, q Query) ([]Result, int, error)
	indexFn  func(records []SessionRecord) error
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Search(ctx context.Context, q Query) ([]Result, int, error) {
	return f.searchFn(ctx, q)
}

func (f *fakeIndex) IndexSessions(records []SessionRecord) error {
	return f.indexFn(records)
}

func staticResults(id string) func(context.Context, Query) ([]Result, int, error) {
	return func(context.Context, Query) ([]Result, int, error) {
		return []Result{{ID: id}}, 1, nil
	}
}

func TestSearchPrefersHealthyPrimary(t *testing.T) {
	t.Parallel()
	s := &Service{
		primary:  &fakeIndex{healthy: true, searchFn: staticResults("meili")},
		fallback: &fakeIndex{healthy: true, searchFn: staticResults("pg")},
		logger:   slogtest.Make(t, nil),
	}

	resp := s.Search(context.Background(), Query{Text: "landing"})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "meili", resp.Results[0].ID)
	assert.Equal(t, "landing", resp.Query)
}

func TestSearchFallsBack(t *testing.T) {
	t.Parallel()
	failing := &fakeIndex{healthy: true, searchFn: func(context.Context, Query) ([]Result, int, error) {
		return nil, 0, errors.New("timeout")
	}}
	s := &Service{
		primary:  failing,
		fallback: &fakeIndex{healthy: true, searchFn: staticResults("pg")},
		logger:   slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
	}
	resp := s.Search(context.Background(), Query{Text: "landing"})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "pg", resp.Results[0].ID)

	s.primary = &fakeIndex{healthy: false}
	resp = s.Search(context.Background(), Query{Text: "landing"})
	assert.Equal(t, "pg", resp.Results[0].ID)
}

func TestSearchNeverReturnsNilResults(t *testing.T) {
	t.Parallel()
	s := &Service{
		fallback: &fakeIndex{healthy: true, searchFn: func(context.Context, Query) ([]Result, int, error) {
			return nil, 0, errors.New("db down")
		}},
		logger: slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
	}
	resp := s.Search(context.Background(), Query{Text: "x"})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)

	empty := NewService(nil, nil, slogtest.Make(t, nil))
	assert.NotNil(t, empty.Search(context.Background(), Query{Text: "x"}).Results)
}

func TestSessionSavedIndexes(t *testing.T) {
	t.Parallel()
	got := make(chan []SessionRecord, 1)
	s := &Service{
		primary: &fakeIndex{healthy: true, indexFn: func(records []SessionRecord) error {
			got <- records
			return nil
		}},
		logger: slogtest.Make(t, nil),
	}

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.SessionSaved(context.Background(), store.Outcome{
		ID:              "01J0",
		UserID:          "7",
		DocumentID:      "42",
		DocumentTitle:   "Landing",
		ActivitySummary: "Edited page: Landing",
		Disposition:     policy.Full,
		StartTime:       start,
		Duration:        95,
	})

	select {
	case records := <-got:
		require.Len(t, records, 1)
		assert.Equal(t, "01J0", records[0].ID)
		assert.Equal(t, "full", records[0].Disposition)
		assert.Equal(t, start.Unix(), records[0].StartTime)
	case <-time.After(5 * time.Second):
		t.Fatal("session was not indexed")
	}
}

type pagedOutcomes struct {
	total   int
	filters []store.OutcomeFilter
}

func (p *pagedOutcomes) QueryOutcomes(_ context.Context, f store.OutcomeFilter) ([]store.Outcome, error) {
	p.filters = append(p.filters, f)
	var out []store.Outcome
	for i := f.Offset; i < p.total && len(out) < f.Limit; i++ {
		out = append(out, store.Outcome{ID: string(rune('a' + i%26))})
	}
	return out, nil
}

func TestReindexAllPages(t *testing.T) {
	t.Parallel()
	var batches []int
	s := &Service{
		primary: &fakeIndex{healthy: true, indexFn: func(records []SessionRecord) error {
			batches = append(batches, len(records))
			return nil
		}},
		logger: slogtest.Make(t, nil),
	}
	source := &pagedOutcomes{total: reindexPageSize + 3}

	n, err := s.ReindexAll(context.Background(), source)
	require.NoError(t, err)
	assert.Equal(t, reindexPageSize+3, n)
	assert.Equal(t, []int{reindexPageSize, 3}, batches)
	require.Len(t, source.filters, 2)
	assert.Equal(t, reindexPageSize, source.filters[1].Offset)
}

func TestReindexSkippedWithoutPrimary(t *testing.T) {
	t.Parallel()
	s := NewService(nil, nil, slogtest.Make(t, nil))
	n, err := s.ReindexAll(context.Background(), &pagedOutcomes{total: 10})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHitToResult(t *testing.T) {
	t.Parallel()
	raw := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}
	hit := meili.Hit{
		"id":              raw("01J0"),
		"userId":          raw("7"),
		"documentId":      raw("42"),
		"documentTitle":   raw("Landing"),
		"activitySummary": raw("Edited page: Landing"),
		"disposition":     raw("full"),
		"startTime":       raw(1700000000),
		"duration":        raw(95),
		"_formatted": raw(map[string]string{
			"activitySummary": "Edited page: <mark>Landing</mark>",
		}),
	}

	r := hitToResult(hit)
	assert.Equal(t, "01J0", r.ID)
	assert.Equal(t, "Landing", r.DocumentTitle)
	assert.Equal(t, "Edited page: <mark>Landing</mark>", r.Snippet)
	assert.Equal(t, int64(1700000000), r.StartTime)
	assert.Equal(t, int64(95), r.Duration)
}

func TestMeiliFilters(t *testing.T) {
	t.Parallel()
	assert.Empty(t, meiliFilters(Query{Text: "x"}))
	assert.Equal(t,
		[]string{`userId = "7"`, `disposition = "full"`},
		meiliFilters(Query{UserID: "7", Disposition: "full"}))
}

func TestFTSWhere(t *testing.T) {
	t.Parallel()
	where, args := ftsWhere(Query{Text: "landing", UserID: "7", DocumentID: "42"})
	assert.Equal(t, "WHERE fts @@ plainto_tsquery('simple', $1) AND user_id = $2 AND document_id = $3", where)
	assert.Equal(t, []any{"landing", "7", "42"}, args)
}
