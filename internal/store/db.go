package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cdr.dev/slog/v3"
	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// OpenWithRetry keeps calling Open with exponential backoff until it succeeds,
// maxElapsed passes or ctx is done.
func OpenWithRetry(ctx context.Context, databaseURL string, maxElapsed time.Duration, logger slog.Logger) (*sql.DB, error) {
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = maxElapsed

	var db *sql.DB
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		db, err = Open(ctx, databaseURL)
		if err != nil {
			logger.Warn(ctx, "database not ready", slog.F("attempt", attempt), slog.Error(err))
		}
		return err
	}, backoff.WithContext(retry, ctx))
	if err != nil {
		return nil, err
	}
	return db, nil
}
