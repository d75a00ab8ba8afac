// Package objectstore keeps the raw bytes of uploaded documents. A local
// filesystem backend serves development and tests; the MinIO backend talks
// to any S3-compatible service.
package objectstore

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/docindex-go/internal/rag"
)

// NewKey returns documents/YYYY/MM/<uuid>_<filename> for an upload at now.
func NewKey(now time.Time, filename string) string {
	now = now.UTC()
	return fmt.Sprintf("documents/%04d/%02d/%s_%s", now.Year(), int(now.Month()), uuid.NewString(), sanitize(filename))
}

// sanitize strips directory components and characters that would escape the
// key prefix.
func sanitize(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "upload"
	}
	return name
}

// validKey rejects keys that are empty, absolute or climb out of the store.
func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key || strings.HasPrefix(key, "..") {
		return fmt.Errorf("objectstore: invalid key %q: %w", key, rag.ErrInvalidInput)
	}
	return nil
}
