package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/mikeyg42/kitchensentry/internal/config"
)

// StorageError wraps a failed storage operation with its key.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Archiver uploads rig artifacts (snapshots, session logs, summaries) to a
// MinIO bucket. Uploads triggered from the capture and sampling loops run
// asynchronously so a slow object store never stalls detection.
type Archiver struct {
	client     *minio.Client
	bucket     string
	cfg        config.MinIOConfig
	uploadPool chan struct{}
	wg         sync.WaitGroup
	logger     *zap.Logger

	metrics ArchiverMetrics
}

// ArchiverMetrics tracks upload activity.
type ArchiverMetrics struct {
	TotalUploads  atomic.Uint64
	UploadBytes   atomic.Uint64
	UploadErrors  atomic.Uint64
	ActiveUploads atomic.Int32
}

// NewArchiver connects to MinIO and ensures the bucket exists.
func NewArchiver(cfg config.MinIOConfig) (*Archiver, error) {
	if cfg.MaxUploads <= 0 {
		cfg.MaxUploads = 4
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	a := &Archiver{
		client:     client,
		bucket:     cfg.Bucket,
		cfg:        cfg,
		uploadPool: make(chan struct{}, cfg.MaxUploads),
		logger:     zap.L().Named("archiver"),
	}
	for i := 0; i < cfg.MaxUploads; i++ {
		a.uploadPool <- struct{}{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		a.logger.Info("Created MinIO bucket", zap.String("bucket", cfg.Bucket))
	}

	return a, nil
}

// Put uploads an object. Retries rewind the reader, so non-seekable readers
// fail permanently on the second attempt.
func (a *Archiver) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	select {
	case <-a.uploadPool:
		defer func() { a.uploadPool <- struct{}{} }()
	case <-ctx.Done():
		return ctx.Err()
	}
	a.metrics.ActiveUploads.Add(1)
	defer a.metrics.ActiveUploads.Add(-1)

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	putOpts := minio.PutObjectOptions{ContentType: contentType}

	// Fresh backoff per operation
	newBackoff := func() backoff.BackOff {
		ebo := backoff.NewExponentialBackOff()
		ebo.Reset()
		if a.cfg.MaxRetries > 0 {
			return backoff.WithMaxRetries(ebo, uint64(a.cfg.MaxRetries))
		}
		return ebo
	}

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			rs, ok := reader.(io.ReadSeeker)
			if !ok {
				return backoff.Permanent(fmt.Errorf("reader not seekable; not retrying"))
			}
			if _, err := rs.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
			}
		}

		info, err := a.client.PutObject(ctx, a.bucket, key, reader, size, putOpts)
		if err != nil {
			a.metrics.UploadErrors.Add(1)
			return err
		}

		a.metrics.TotalUploads.Add(1)
		a.metrics.UploadBytes.Add(uint64(info.Size))
		a.logger.Debug("Object uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(newBackoff(), ctx)); err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// PutFile uploads a local file.
func (a *Archiver) PutFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}

	return a.Put(ctx, key, file, stat.Size(), detectContentType(filePath))
}

// ArchiveSnapshot uploads a saved snapshot in the background, keyed as
// snapshots/<day>/<file> from the last two path elements.
func (a *Archiver) ArchiveSnapshot(path string) {
	day := filepath.Base(filepath.Dir(path))
	key := "snapshots/" + day + "/" + filepath.Base(path)
	a.uploadAsync(key, path)
}

// ArchiveSessionFiles uploads completed session artifacts in the background
// under sessions/<sessionID>/.
func (a *Archiver) ArchiveSessionFiles(sessionID string, paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		a.uploadAsync("sessions/"+sessionID+"/"+filepath.Base(p), p)
	}
}

func (a *Archiver) uploadAsync(key, path string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
		defer cancel()

		if err := a.PutFile(ctx, key, path); err != nil {
			a.logger.Error("Archive upload failed",
				zap.String("key", key),
				zap.String("path", path),
				zap.Error(err))
			return
		}
		a.logger.Info("Artifact archived",
			zap.String("key", key),
			zap.String("bucket", a.bucket))
	}()
}

// HealthCheck verifies the bucket is reachable.
func (a *Archiver) HealthCheck(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return &StorageError{Op: "health_check", Err: err}
	}
	if !exists {
		return &StorageError{Op: "health_check", Err: fmt.Errorf("bucket %s does not exist", a.bucket)}
	}
	return nil
}

// Metrics returns upload counters for the status snapshot.
func (a *Archiver) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"total_uploads":  a.metrics.TotalUploads.Load(),
		"upload_bytes":   a.metrics.UploadBytes.Load(),
		"upload_errors":  a.metrics.UploadErrors.Load(),
		"active_uploads": a.metrics.ActiveUploads.Load(),
	}
}

// Close waits for in-flight background uploads, up to the request timeout.
func (a *Archiver) Close() error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(a.cfg.RequestTimeout):
		return fmt.Errorf("timed out waiting for pending uploads")
	}
}

// detectContentType maps artifact extensions to content types.
func detectContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
