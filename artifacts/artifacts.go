// Package artifacts copies a finished run's files to S3-compatible storage.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"longform-studio/config"
	"longform-studio/types"
)

// Store puts objects into a bucket.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
}

// MinioStore is a Store on a MinIO or S3 endpoint.
type MinioStore struct {
	client *minio.Client
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore connects to cfg.Endpoint and makes sure the bucket exists.
func NewMinioStore(ctx context.Context, cfg config.ArtifactsConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("artifacts endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioStore{client: client}, nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// Publisher uploads run outputs under <prefix>/<run id>/.
type Publisher struct {
	store  Store
	bucket string
	prefix string
	log    *zap.Logger
}

func NewPublisher(store Store, cfg config.ArtifactsConfig, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{store: store, bucket: cfg.Bucket, prefix: cfg.Prefix, log: logger.Named("artifacts")}
}

// Files lists the run outputs worth keeping, in a stable order, skipping
// missing paths. runDir holds the run's JSON state files.
func Files(run *types.PipelineRun, runDir string) []string {
	candidates := []string{run.VideoFile}
	if run.Voice != nil {
		candidates = append(candidates, run.Voice.AudioPath, run.Voice.SRTPath)
	}
	if c := run.Compilation; c != nil {
		candidates = append(candidates, c.AudioPath, c.SRTPath, c.VisualPath)
	}
	if run.Metadata != nil {
		candidates = append(candidates, run.Metadata.ThumbnailFile)
	}
	if runDir != "" {
		candidates = append(candidates,
			filepath.Join(runDir, "run.json"),
			filepath.Join(runDir, "metadata.json"),
			filepath.Join(runDir, "script.txt"),
		)
	}

	seen := map[string]bool{}
	var out []string
	for _, f := range candidates {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		if fi, err := os.Stat(f); err == nil && !fi.IsDir() {
			out = append(out, f)
		}
	}
	return out
}

// Publish uploads Files(run, runDir) and returns the object keys written.
func (p *Publisher) Publish(ctx context.Context, run *types.PipelineRun, runDir string) ([]string, error) {
	files := Files(run, runDir)
	p.log.Info("[artifacts] ☁️ publishing run", zap.String("run", run.RunID), zap.Int("files", len(files)))

	keys := make([]string, 0, len(files))
	for _, f := range files {
		key := path.Join(p.prefix, run.RunID, filepath.Base(f))
		if err := p.put(ctx, f, key); err != nil {
			return keys, fmt.Errorf("publish %s: %w", filepath.Base(f), err)
		}
		keys = append(keys, key)
	}
	p.log.Info("[artifacts] ✅ run published", zap.String("bucket", p.bucket), zap.Strings("keys", keys))
	return keys, nil
}

func (p *Publisher) put(ctx context.Context, file, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	return p.store.Put(ctx, p.bucket, key, f, fi.Size(), ContentType(file))
}

// ContentType guesses the MIME type from the extension.
func ContentType(file string) string {
	switch filepath.Ext(file) {
	case ".srt":
		return "application/x-subrip"
	case ".mp3":
		return "audio/mpeg"
	case ".mp4":
		return "video/mp4"
	}
	if t := mime.TypeByExtension(filepath.Ext(file)); t != "" {
		return t
	}
	return "application/octet-stream"
}
