package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/54b3r/docindex-go/internal/config"
	"github.com/54b3r/docindex-go/internal/rag"
)

// NewFromEnv builds the store selected by OBJECT_STORE (fs | minio).
//
//	OBJECT_STORE      fs (default) | minio
//	OBJECT_STORE_DIR  fs root, default ~/.docindex/objects
//	MINIO_ENDPOINT, MINIO_ACCESS_KEY, MINIO_SECRET_KEY,
//	MINIO_BUCKET (docindex), MINIO_REGION, MINIO_SECURE
func NewFromEnv(ctx context.Context) (rag.ObjectStore, error) {
	switch kind := config.Env("OBJECT_STORE", "fs"); kind {
	case "fs":
		dir := os.Getenv("OBJECT_STORE_DIR")
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("objectstore: could not determine home directory: %w", err)
			}
			dir = filepath.Join(home, ".docindex", "objects")
		}
		return NewFSStore(dir)
	case "minio", "s3":
		return NewMinIOStore(ctx, MinIOConfig{
			Endpoint:  os.Getenv("MINIO_ENDPOINT"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    config.Env("MINIO_BUCKET", "docindex"),
			Region:    os.Getenv("MINIO_REGION"),
			Secure:    config.EnvBool("MINIO_SECURE", false),
		})
	default:
		return nil, fmt.Errorf("objectstore: unknown OBJECT_STORE %q (want fs or minio): %w", kind, rag.ErrInvalidInput)
	}
}
