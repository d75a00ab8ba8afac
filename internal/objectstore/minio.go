package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/54b3r/docindex-go/internal/rag"
)

// MinIOConfig holds connection settings for an S3-compatible endpoint.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
}

// MinIOStore is a rag.ObjectStore backed by a MinIO / S3 bucket.
type MinIOStore struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

var _ rag.ObjectStore = (*MinIOStore)(nil)

// NewMinIOStore connects to the endpoint and creates the bucket when it does
// not exist yet.
func NewMinIOStore(ctx context.Context, cfg MinIOConfig) (*MinIOStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: minio endpoint and bucket are required: %w", rag.ErrInvalidInput)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: minio client: %w", err)
	}
	s := &MinIOStore{client: client, bucket: cfg.Bucket, now: time.Now}
	if err := s.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MinIOStore) ensureBucket(ctx context.Context, region string) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("objectstore: check bucket %s: %w", s.bucket, err)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		// Another replica may have created it between the two calls.
		if exists, e := s.client.BucketExists(ctx, s.bucket); e == nil && exists {
			return nil
		}
		return fmt.Errorf("objectstore: create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put uploads data under a freshly generated key.
func (s *MinIOStore) Put(ctx context.Context, filename string, data []byte, contentType string) (string, error) {
	key := NewKey(s.now(), filename)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return key, nil
}

// Get downloads the object stored under key.
func (s *MinIOStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrap("get", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrap("get", key, err)
	}
	return data, nil
}

// Delete removes the object stored under key. S3 deletes are idempotent, so
// existence is checked first to report rag.ErrNotFound.
func (s *MinIOStore) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		return s.wrap("delete", key, err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return s.wrap("delete", key, err)
	}
	return nil
}

// Ping checks that the bucket is reachable.
func (s *MinIOStore) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("objectstore: ping %s: %w", s.bucket, err)
	}
	if !ok {
		return fmt.Errorf("objectstore: bucket %s does not exist", s.bucket)
	}
	return nil
}

func (s *MinIOStore) wrap(op, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("objectstore: %s: %w", key, rag.ErrNotFound)
	}
	return fmt.Errorf("objectstore: %s %s: %w", op, key, err)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
