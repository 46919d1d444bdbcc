package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"edittime/api/internal/policy"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
)

const (
	defaultOutcomeLimit = 50
	maxOutcomeLimit     = 500
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertOutcome stores o and returns its ID, generating one when o.ID is empty.
func (s *PostgresStore) InsertOutcome(ctx context.Context, o Outcome) (string, error) {
	if o.ID == "" {
		o.ID = ulid.Make().String()
	}
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO editing_sessions (
			id, user_id, document_id, document_type, document_title, start_time, end_time,
			duration_seconds, char_delta, word_delta, activity_count, elements_modified,
			builder_delta, activity_summary, disposition
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id
	`,
		o.ID, o.UserID, o.DocumentID, o.DocumentType, o.DocumentTitle, o.StartTime.UTC(), o.EndTime.UTC(),
		o.Duration, o.CharDelta, o.WordDelta, o.ActivityCount, o.ElementsModified,
		o.BuilderDelta, o.ActivitySummary, string(o.Disposition),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert editing session: %w", classify(err))
	}
	return id, nil
}

func (s *PostgresStore) QueryOutcomes(ctx context.Context, filter OutcomeFilter) ([]Outcome, error) {
	where, args := outcomeWhere(filter)
	limit, offset := pageBounds(filter)
	query := fmt.Sprintf(`
		SELECT id, user_id, document_id, document_type, document_title, start_time, end_time,
			duration_seconds, char_delta, word_delta, activity_count, elements_modified,
			builder_delta, activity_summary, disposition
		FROM editing_sessions
		%s
		ORDER BY %s
		LIMIT %d OFFSET %d
	`, where, outcomeOrder(filter), limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query editing sessions: %w", err)
	}
	defer rows.Close()

	outcomes := make([]Outcome, 0)
	for rows.Next() {
		var o Outcome
		var disposition string
		if err := rows.Scan(
			&o.ID, &o.UserID, &o.DocumentID, &o.DocumentType, &o.DocumentTitle, &o.StartTime, &o.EndTime,
			&o.Duration, &o.CharDelta, &o.WordDelta, &o.ActivityCount, &o.ElementsModified,
			&o.BuilderDelta, &o.ActivitySummary, &disposition,
		); err != nil {
			return nil, fmt.Errorf("scan editing session: %w", err)
		}
		o.Disposition = dispositionOf(disposition)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// SumDuration totals duration_seconds over the filtered outcomes, ignoring paging.
func (s *PostgresStore) SumDuration(ctx context.Context, filter OutcomeFilter) (int64, error) {
	where, args := outcomeWhere(filter)
	var total int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(duration_seconds), 0) FROM editing_sessions `+where, args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum editing session duration: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (Document, error) {
	var doc Document
	var builder []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_type, title, content, builder_data, uses_builder, updated_at
		FROM documents WHERE id = $1
	`, id).Scan(&doc.ID, &doc.Type, &doc.Title, &doc.Content, &builder, &doc.UsesBuilder, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	doc.BuilderData = builder
	return doc, nil
}

func (s *PostgresStore) UpsertDocument(ctx context.Context, doc Document) (Document, error) {
	var builder any
	if len(doc.BuilderData) > 0 {
		builder = []byte(doc.BuilderData)
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, document_type, title, content, builder_data, uses_builder, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			document_type = EXCLUDED.document_type,
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			builder_data = EXCLUDED.builder_data,
			uses_builder = EXCLUDED.uses_builder,
			updated_at = NOW()
		RETURNING updated_at
	`, doc.ID, doc.Type, doc.Title, doc.Content, builder, doc.UsesBuilder).Scan(&doc.UpdatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("upsert document: %w", classify(err))
	}
	return doc, nil
}

// TemplateTree returns the builder data of a stored template document.
func (s *PostgresStore) TemplateTree(ctx context.Context, templateID string) ([]byte, error) {
	var builder []byte
	err := s.db.QueryRowContext(ctx, `SELECT builder_data FROM documents WHERE id = $1`, templateID).Scan(&builder)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && len(builder) == 0) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return builder, nil
}

func outcomeWhere(filter OutcomeFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.DocumentID != "" {
		add("document_id = $%d", filter.DocumentID)
	}
	if !filter.StartDate.IsZero() {
		add("start_time >= $%d", filter.StartDate.UTC())
	}
	if !filter.EndDate.IsZero() {
		y, m, d := filter.EndDate.Date()
		add("start_time < $%d", time.Date(y, m, d+1, 0, 0, 0, 0, filter.EndDate.Location()).UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

var outcomeColumns = map[string]string{
	"start_time":  "start_time",
	"end_time":    "end_time",
	"duration":    "duration_seconds",
	"user_id":     "user_id",
	"document_id": "document_id",
}

func outcomeOrder(filter OutcomeFilter) string {
	column, ok := outcomeColumns[filter.OrderBy]
	if !ok {
		column = "start_time"
	}
	direction := "DESC"
	if filter.Ascending {
		direction = "ASC"
	}
	return column + " " + direction + ", id " + direction
}

func pageBounds(filter OutcomeFilter) (int, int) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultOutcomeLimit
	}
	if limit > maxOutcomeLimit {
		limit = maxOutcomeLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
	}
	return err
}

func dispositionOf(value string) policy.Disposition {
	d := policy.Disposition(value)
	if !d.Valid() {
		return policy.Error
	}
	return d
}
