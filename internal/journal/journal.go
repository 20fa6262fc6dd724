// Package journal keeps a write-only record of every accepted drawing command
// in an S3-compatible bucket.
package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"voicecanvas/api/internal/metrics"
)

type Entry struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"documentId"`
	OwnerID    string          `json:"ownerId"`
	Message    string          `json:"message"`
	Actions    json.RawMessage `json:"actions,omitempty"`
	Source     string          `json:"source"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Key is the object name for entry.
func Key(entry Entry) string {
	return path.Join("journal", entry.OwnerID, entry.DocumentID, entry.ID+".json")
}

// Encode renders entry as the stored JSON object.
func Encode(entry Entry) ([]byte, error) {
	if entry.ID == "" || entry.DocumentID == "" || entry.OwnerID == "" {
		return nil, fmt.Errorf("encode journal entry: id, document and owner are required")
	}
	return json.Marshal(entry)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Timeout   time.Duration
	Logger    *slog.Logger
}

// ObjectPutter is the slice of the MinIO client the recorder needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) error
}

type Recorder struct {
	putter  ObjectPutter
	bucket  string
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// New connects to the bucket. An empty endpoint yields a disabled recorder
// that drops every entry.
func New(ctx context.Context, cfg Config) (*Recorder, error) {
	if cfg.Endpoint == "" {
		return NewWithPutter(nil, cfg), nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check journal bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create journal bucket: %w", err)
		}
	}
	return NewWithPutter(&minioPutter{client: client}, cfg), nil
}

func NewWithPutter(putter ObjectPutter, cfg Config) *Recorder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		putter:  putter,
		bucket:  cfg.Bucket,
		timeout: timeout,
		logger:  logger.With("component", "journal"),
	}
}

func (r *Recorder) Enabled() bool {
	return r != nil && r.putter != nil
}

// Record writes entry in the background. Failures are logged and counted.
func (r *Recorder) Record(entry Entry) {
	if !r.Enabled() {
		return
	}
	body, err := Encode(entry)
	if err != nil {
		metrics.JournalWrites.WithLabelValues("error").Inc()
		r.logger.Warn("journal entry rejected", "error", err)
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.putter.PutObject(ctx, r.bucket, Key(entry), body, "application/json"); err != nil {
			metrics.JournalWrites.WithLabelValues("error").Inc()
			r.logger.Warn("journal write failed", "command_id", entry.ID, "document_id", entry.DocumentID, "error", err)
			return
		}
		metrics.JournalWrites.WithLabelValues("ok").Inc()
	}()
}

// Wait blocks until background writes have finished.
func (r *Recorder) Wait() {
	if r == nil {
		return
	}
	r.wg.Wait()
}

type minioPutter struct {
	client *minio.Client
}

func (p *minioPutter) PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	_, err := p.client.PutObject(ctx, bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}
