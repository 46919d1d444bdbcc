package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"cdr.dev/slog/v3"
	meili "github.com/meilisearch/meilisearch-go"
)

const idxSessions = "ett_sessions"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the sessions index.
// An unreachable server is tolerated; a background loop keeps checking.
func NewMeili(url, apiKey string, logger slog.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		logger: logger,
		done:   make(chan struct{}),
	}

	ctx := context.Background()
	if _, err := client.Health(); err != nil {
		logger.Warn(ctx, "meilisearch unavailable", slog.F("url", url), slog.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex(ctx)
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex(ctx context.Context) {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxSessions,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug(ctx, "create index (may already exist)", slog.F("index", idxSessions), slog.Error(err))
	}

	index := m.client.Index(idxSessions)
	filterable := []interface{}{"userId", "documentId", "documentType", "disposition"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn(ctx, "update filterable attributes", slog.F("index", idxSessions), slog.Error(err))
	}
	searchable := []string{"documentTitle", "activitySummary"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn(ctx, "update searchable attributes", slog.F("index", idxSessions), slog.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				ctx := context.Background()
				m.logger.Info(ctx, "meilisearch recovered, reconfiguring index")
				m.configureIndex(ctx)
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}
	sr := &meili.SearchRequest{
		IndexUID:              idxSessions,
		Query:                 q.Text,
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"documentTitle", "activitySummary"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if filters := meiliFilters(q); len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, r := range resp.Results {
		total += int(r.EstimatedTotalHits)
		for _, hit := range r.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func meiliFilters(q Query) []string {
	var filters []string
	if q.UserID != "" {
		filters = append(filters, fmt.Sprintf("userId = %q", q.UserID))
	}
	if q.DocumentID != "" {
		filters = append(filters, fmt.Sprintf("documentId = %q", q.DocumentID))
	}
	if q.Disposition != "" {
		filters = append(filters, fmt.Sprintf("disposition = %q", q.Disposition))
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:            decodeString(hit, "id"),
		UserID:        decodeString(hit, "userId"),
		DocumentID:    decodeString(hit, "documentId"),
		DocumentTitle: firstNonBlank(decodeFormattedString(hit, "documentTitle"), decodeString(hit, "documentTitle")),
		Snippet:       firstNonBlank(decodeFormattedString(hit, "activitySummary"), decodeString(hit, "activitySummary")),
		Disposition:   decodeString(hit, "disposition"),
		StartTime:     decodeInt(hit, "startTime"),
		Duration:      decodeInt(hit, "duration"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt(hit meili.Hit, key string) int64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexSessions adds or updates sessions in the search index.
func (m *Meili) IndexSessions(records []SessionRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSessions).AddDocuments(records, nil)
	return err
}
