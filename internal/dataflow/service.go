// Package dataflow provides object storage for pipeline data files and step
// artifacts.
package dataflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrObjectNotFound is returned when an object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Object describes a stored object.
type Object struct {
	// URI is the full object path (e.g., "s3://bucket/raw/online_retail.csv")
	URI string `json:"uri"`

	Bucket string `json:"bucket"`
	Key    string `json:"key"`

	// ContentType is the MIME type
	ContentType string `json:"content_type,omitempty"`

	// Size in bytes
	Size int64 `json:"size,omitempty"`

	// Checksum (SHA256)
	Checksum string `json:"checksum,omitempty"`

	// CreatedAt timestamp
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Backend defines the storage backend interface. An empty bucket selects
// the backend's default bucket.
type Backend interface {
	// Put stores data and returns the object description
	Put(ctx context.Context, bucket, key string, data io.Reader, contentType string) (*Object, error)

	// Get opens an object for reading
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// Delete removes an object
	Delete(ctx context.Context, bucket, key string) error

	// List lists objects with a key prefix
	List(ctx context.Context, bucket, prefix string) ([]*Object, error)

	// PresignGet generates a presigned URL for download
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// Config holds dataflow service configuration.
type Config struct {
	// Backend type: "memory", "s3", "minio"
	Type string

	// S3/MinIO configuration
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool

	// PathPrefix is prepended to every key
	PathPrefix string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type:   "memory",
		Bucket: "taskflow",
	}
}

// Service provides object operations used by storage and warehouse operators.
type Service struct {
	backend Backend
}

// New creates a new dataflow service.
func New(cfg *Config) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var backend Backend
	switch cfg.Type {
	case "", "memory":
		backend = NewMemoryBackend(cfg.Bucket)
	case "s3", "minio":
		s3Backend, err := NewS3Backend(&S3Config{
			Endpoint:        cfg.Endpoint,
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          cfg.UseSSL,
			PathPrefix:      cfg.PathPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 backend: %w", err)
		}
		backend = s3Backend
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}

	return &Service{backend: backend}, nil
}

// NewWithBackend creates a service over an existing backend.
func NewWithBackend(backend Backend) *Service {
	return &Service{backend: backend}
}

// Backend returns the underlying storage backend.
func (s *Service) Backend() Backend {
	return s.backend
}

// UploadFile copies a local file into object storage. An empty contentType
// is derived from the file extension.
func (s *Service) UploadFile(ctx context.Context, src, bucket, key, contentType string) (*Object, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()

	if key == "" {
		key = filepath.Base(src)
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(src))
	}
	return s.backend.Put(ctx, bucket, key, f, contentType)
}

// Open opens an object for reading.
func (s *Service) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	return s.backend.Get(ctx, bucket, key)
}

// Resolve expands object patterns into keys. A pattern ending in "*" matches
// every key with that prefix; other patterns are returned unchanged.
func (s *Service) Resolve(ctx context.Context, bucket string, patterns []string) ([]string, error) {
	var keys []string
	for _, p := range patterns {
		if !strings.HasSuffix(p, "*") {
			keys = append(keys, p)
			continue
		}
		objs, err := s.backend.List(ctx, bucket, strings.TrimSuffix(p, "*"))
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", p, err)
		}
		if len(objs) == 0 {
			return nil, fmt.Errorf("%w: no objects match %s", ErrObjectNotFound, p)
		}
		for _, o := range objs {
			keys = append(keys, o.Key)
		}
	}
	return keys, nil
}

// ArtifactKey generates the key of a step artifact.
func ArtifactKey(runID, stepID, name string) string {
	return fmt.Sprintf("runs/%s/steps/%s/%s", runID, stepID, name)
}

// StoreArtifact stores a step artifact in the default bucket.
func (s *Service) StoreArtifact(ctx context.Context, runID, stepID, name string, data io.Reader, contentType string) (*Object, error) {
	return s.backend.Put(ctx, "", ArtifactKey(runID, stepID, name), data, contentType)
}

// ListRunArtifacts lists all artifacts for a run.
func (s *Service) ListRunArtifacts(ctx context.Context, runID string) ([]*Object, error) {
	return s.backend.List(ctx, "", fmt.Sprintf("runs/%s/", runID))
}

// GetDownloadURL generates a presigned download URL.
func (s *Service) GetDownloadURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	return s.backend.PresignGet(ctx, bucket, key, expiry)
}

// ParseURI splits "scheme://bucket/key" into bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	i := strings.Index(uri, "://")
	if i < 0 {
		return "", "", fmt.Errorf("invalid object uri: %s", uri)
	}
	rest := uri[i+3:]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid object uri: %s", uri)
	}
	return parts[0], parts[1], nil
}
