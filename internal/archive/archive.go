// Package archive copies recorded editing sessions to object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"cdr.dev/slog/v3"
	"edittime/api/internal/store"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const putTimeout = 10 * time.Second

// ObjectPutter is the subset of the minio client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, name string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Archiver writes one JSON object per recorded session.
type Archiver struct {
	client ObjectPutter
	bucket string
	logger slog.Logger
}

// New connects to the object store and makes sure the bucket exists.
// It returns nil, nil when no endpoint is configured.
func New(ctx context.Context, opts Options, logger slog.Logger) (*Archiver, error) {
	if opts.Endpoint == "" {
		return nil, nil
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
		logger.Info(ctx, "created archive bucket", slog.F("bucket", opts.Bucket))
	}
	return NewWithClient(client, opts.Bucket, logger), nil
}

func NewWithClient(client ObjectPutter, bucket string, logger slog.Logger) *Archiver {
	return &Archiver{client: client, bucket: bucket, logger: logger}
}

// ObjectName is the key a session is archived under.
func ObjectName(o store.Outcome) string {
	return fmt.Sprintf("sessions/%s/%s.json", o.StartTime.UTC().Format("2006/01"), o.ID)
}

// Put uploads o as JSON.
func (a *Archiver) Put(ctx context.Context, o store.Outcome) error {
	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", o.ID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()

	_, err = a.client.PutObject(ctx, a.bucket, ObjectName(o), bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("archive session %s: %w", o.ID, err)
	}
	return nil
}

// SessionSaved archives the session in the background. Failures are logged
// and never reach the caller.
func (a *Archiver) SessionSaved(ctx context.Context, o store.Outcome) {
	if a == nil {
		return
	}
	go func() {
		if err := a.Put(context.WithoutCancel(ctx), o); err != nil {
			a.logger.Warn(ctx, "archive session failed", slog.F("session_id", o.ID), slog.Error(err))
		}
	}()
}
