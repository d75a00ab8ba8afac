package ingestion

import (
	"github.com/54b3r/docindex-go/internal/config"
	"github.com/54b3r/docindex-go/internal/extract"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultWorkers        = 4
	DefaultQueueSize      = 64
	DefaultMaxUploadBytes = 50 << 20
)

// Config holds the pipeline settings.
type Config struct {
	// Workers is the number of goroutines draining the submit queue.
	Workers int

	// QueueSize bounds the number of submitted-but-not-started ingestions.
	QueueSize int

	// MaxUploadBytes rejects larger uploads with rag.ErrTooLarge.
	MaxUploadBytes int64

	// AllowedTypes lists accepted content types. Empty means every type the
	// extractor supports.
	AllowedTypes []string
}

func (c *Config) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if len(c.AllowedTypes) == 0 {
		c.AllowedTypes = []string{extract.TypePDF, extract.TypeDOCX, extract.TypeText, extract.TypeMarkdown}
	}
}

// ConfigFromEnv reads INGEST_WORKERS, INGEST_QUEUE and MAX_UPLOAD_BYTES.
func ConfigFromEnv() Config {
	return Config{
		Workers:        config.EnvInt("INGEST_WORKERS", DefaultWorkers),
		QueueSize:      config.EnvInt("INGEST_QUEUE", DefaultQueueSize),
		MaxUploadBytes: config.EnvInt64("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes),
	}
}

func (c *Config) allowed(contentType string) bool {
	for _, t := range c.AllowedTypes {
		if t == contentType {
			return true
		}
	}
	return false
}
