package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. Postgres being down takes the API down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks editing sessions whose title or summary match the query.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where, args := ftsWhere(q)
	countSQL := "SELECT count(*) FROM editing_sessions " + where
	dataSQL := fmt.Sprintf(`
		SELECT id, user_id, document_id, document_title,
			ts_headline('simple', activity_summary, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			disposition, start_time, duration_seconds
		FROM editing_sessions
		%s
		ORDER BY ts_rank(fts, plainto_tsquery('simple', $1)) DESC, start_time DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r       Result
			started sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.DocumentID, &r.DocumentTitle, &r.Snippet, &r.Disposition, &started, &r.Duration); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		if started.Valid {
			r.StartTime = started.Time.Unix()
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func ftsWhere(q Query) (string, []any) {
	clauses := []string{"fts @@ plainto_tsquery('simple', $1)"}
	args := []any{q.Text}
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("user_id", q.UserID)
	add("document_id", q.DocumentID)
	add("disposition", q.Disposition)
	return "WHERE " + strings.Join(clauses, " AND "), args
}
