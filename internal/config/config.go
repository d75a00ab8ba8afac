// Package config loads docindex configuration. Every component reads its
// settings from environment variables through a ConfigFromEnv function; this
// package fills those variables from optional files first.
//
// Precedence, highest first:
//  1. real environment variables
//  2. a .env file in the working directory
//  3. the YAML config file
//  4. component defaults
//
// YAML file search order:
//  1. --config CLI flag (explicit path)
//  2. DOCINDEX_CONFIG environment variable
//  3. ~/.docindex/config.yaml
//  4. ./docindex.yaml
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the YAML schema. Keys mirror the environment variables they set.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Chunking    ChunkingConfig    `yaml:"chunking"`
	Index       IndexConfig       `yaml:"index"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	Query       QueryConfig       `yaml:"query"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Watch       WatchConfig       `yaml:"watch"`
}

// DatabaseConfig selects the metadata store.
type DatabaseConfig struct {
	// URL is a postgres:// DSN or a SQLite path. Empty means ~/.docindex/metadata.db.
	URL string `yaml:"url"`
}

// ObjectStoreConfig selects where uploaded bytes live.
type ObjectStoreConfig struct {
	// Backend is fs or minio.
	Backend string      `yaml:"backend"`
	Dir     string      `yaml:"dir"`
	MinIO   MinIOConfig `yaml:"minio"`
}

// MinIOConfig holds S3-compatible store settings.
type MinIOConfig struct {
	Endpoint string `yaml:"endpoint"`
	// AccessKey and SecretKey are better set as MINIO_ACCESS_KEY and MINIO_SECRET_KEY.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider selects the backend: ollama, openai, azure, gemini.
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Dimensions  int     `yaml:"dimensions"`
	APIKey      string  `yaml:"api_key"`
	Endpoint    string  `yaml:"endpoint"`
	BatchSize   int     `yaml:"batch_size"`
	MaxRetries  int     `yaml:"max_retries"`
	Concurrency int     `yaml:"concurrency"`
	RateLimit   float64 `yaml:"rate_limit"`
	Timeout     string  `yaml:"timeout"`

	OllamaHost string      `yaml:"ollama_host"`
	Azure      AzureConfig `yaml:"azure"`
}

// AzureConfig holds Azure OpenAI settings.
type AzureConfig struct {
	// APIKey is better set as AZURE_OPENAI_API_KEY.
	APIKey     string `yaml:"api_key"`
	Endpoint   string `yaml:"endpoint"`
	APIVersion string `yaml:"api_version"`
}

// ChunkingConfig holds chunk sizing.
type ChunkingConfig struct {
	Size    int    `yaml:"size"`
	Overlap int    `yaml:"overlap"`
	Unit    string `yaml:"unit"`
}

// IndexConfig selects and tunes the vector index.
type IndexConfig struct {
	// Backend is ivf (in-process) or qdrant.
	Backend         string       `yaml:"backend"`
	Lists           int          `yaml:"lists"`
	NProbe          int          `yaml:"nprobe"`
	Imbalance       float64      `yaml:"imbalance"`
	RebuildInterval string       `yaml:"rebuild_interval"`
	SnapshotPath    string       `yaml:"snapshot_path"`
	BusyWait        string       `yaml:"busy_wait"`
	Seed            int64        `yaml:"seed"`
	Qdrant          QdrantConfig `yaml:"qdrant"`
}

// QdrantConfig holds Qdrant connection settings.
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Collection string `yaml:"collection"`
	// APIKey is better set as QDRANT_API_KEY.
	APIKey string `yaml:"api_key"`
	TLS    bool   `yaml:"tls"`
}

// IngestionConfig sizes the ingestion worker pool.
type IngestionConfig struct {
	Workers        int   `yaml:"workers"`
	Queue          int   `yaml:"queue"`
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// QueryConfig holds query defaults.
type QueryConfig struct {
	DefaultK  int `yaml:"default_k"`
	MaxK      int `yaml:"max_k"`
	OverFetch int `yaml:"overfetch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// APIKey is the Bearer token for /api/v1. Prefer DOCINDEX_API_KEY.
	APIKey    string  `yaml:"api_key"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// WatchConfig holds directory watcher settings.
type WatchConfig struct {
	Dir      string `yaml:"dir"`
	Debounce string `yaml:"debounce"`
}

// envMapping maps YAML fields to the environment variables they populate.
// Zero values are skipped.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"DATABASE_URL", func(c *Config) string { return c.Database.URL }},
	{"OBJECT_STORE", func(c *Config) string { return c.ObjectStore.Backend }},
	{"OBJECT_STORE_DIR", func(c *Config) string { return c.ObjectStore.Dir }},
	{"MINIO_ENDPOINT", func(c *Config) string { return c.ObjectStore.MinIO.Endpoint }},
	{"MINIO_ACCESS_KEY", func(c *Config) string { return c.ObjectStore.MinIO.AccessKey }},
	{"MINIO_SECRET_KEY", func(c *Config) string { return c.ObjectStore.MinIO.SecretKey }},
	{"MINIO_BUCKET", func(c *Config) string { return c.ObjectStore.MinIO.Bucket }},
	{"MINIO_REGION", func(c *Config) string { return c.ObjectStore.MinIO.Region }},
	{"MINIO_SECURE", func(c *Config) string { return boolStr(c.ObjectStore.MinIO.Secure) }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"EMBEDDING_BATCH_SIZE", func(c *Config) string { return intStr(c.Embedding.BatchSize) }},
	{"EMBEDDING_MAX_RETRIES", func(c *Config) string { return intStr(c.Embedding.MaxRetries) }},
	{"EMBEDDING_CONCURRENCY", func(c *Config) string { return intStr(c.Embedding.Concurrency) }},
	{"EMBEDDING_RATE_LIMIT", func(c *Config) string { return floatStr(c.Embedding.RateLimit) }},
	{"EMBEDDING_TIMEOUT", func(c *Config) string { return c.Embedding.Timeout }},
	{"OLLAMA_HOST", func(c *Config) string { return c.Embedding.OllamaHost }},
	{"AZURE_OPENAI_API_KEY", func(c *Config) string { return c.Embedding.Azure.APIKey }},
	{"AZURE_OPENAI_ENDPOINT", func(c *Config) string { return c.Embedding.Azure.Endpoint }},
	{"AZURE_OPENAI_API_VERSION", func(c *Config) string { return c.Embedding.Azure.APIVersion }},
	{"CHUNK_SIZE", func(c *Config) string { return intStr(c.Chunking.Size) }},
	{"CHUNK_OVERLAP", func(c *Config) string { return intStr(c.Chunking.Overlap) }},
	{"CHUNK_UNIT", func(c *Config) string { return c.Chunking.Unit }},
	{"INDEX_BACKEND", func(c *Config) string { return c.Index.Backend }},
	{"INDEX_LISTS", func(c *Config) string { return intStr(c.Index.Lists) }},
	{"INDEX_NPROBE", func(c *Config) string { return intStr(c.Index.NProbe) }},
	{"INDEX_IMBALANCE", func(c *Config) string { return floatStr(c.Index.Imbalance) }},
	{"INDEX_REBUILD_INTERVAL", func(c *Config) string { return c.Index.RebuildInterval }},
	{"INDEX_SNAPSHOT_PATH", func(c *Config) string { return c.Index.SnapshotPath }},
	{"INDEX_BUSY_WAIT", func(c *Config) string { return c.Index.BusyWait }},
	{"INDEX_SEED", func(c *Config) string { return int64Str(c.Index.Seed) }},
	{"QDRANT_HOST", func(c *Config) string { return c.Index.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.Index.Qdrant.Port) }},
	{"QDRANT_COLLECTION", func(c *Config) string { return c.Index.Qdrant.Collection }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.Index.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.Index.Qdrant.TLS) }},
	{"INGEST_WORKERS", func(c *Config) string { return intStr(c.Ingestion.Workers) }},
	{"INGEST_QUEUE", func(c *Config) string { return intStr(c.Ingestion.Queue) }},
	{"MAX_UPLOAD_BYTES", func(c *Config) string { return int64Str(c.Ingestion.MaxUploadBytes) }},
	{"QUERY_DEFAULT_K", func(c *Config) string { return intStr(c.Query.DefaultK) }},
	{"QUERY_MAX_K", func(c *Config) string { return intStr(c.Query.MaxK) }},
	{"QUERY_OVERFETCH", func(c *Config) string { return intStr(c.Query.OverFetch) }},
	{"DOCINDEX_HOST", func(c *Config) string { return c.Server.Host }},
	{"DOCINDEX_PORT", func(c *Config) string { return intStr(c.Server.Port) }},
	{"DOCINDEX_API_KEY", func(c *Config) string { return c.Server.APIKey }},
	{"DOCINDEX_RATE_LIMIT", func(c *Config) string { return floatStr(c.Server.RateLimit) }},
	{"DOCINDEX_RATE_BURST", func(c *Config) string { return intStr(c.Server.RateBurst) }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
	{"WATCH_DIR", func(c *Config) string { return c.Watch.Dir }},
	{"WATCH_DEBOUNCE", func(c *Config) string { return c.Watch.Debounce }},
}

// LoadDotEnv loads path (default ".env") into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) (bool, error) {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("config: load %s: %w", path, err)
	}
	return true, nil
}

// Load reads the YAML config file and exports its non-zero values as
// environment variables that are not already set. It returns the path that
// was loaded, or "" if no file was found. An explicit path that does not
// exist is an error.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path, err := resolveConfigPath(explicitPath)
	if err != nil {
		return "", err
	}
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		v := m.value(&cfg)
		if v == "" {
			continue
		}
		if _, set := os.LookupEnv(m.envKey); set {
			continue
		}
		if err := os.Setenv(m.envKey, v); err != nil {
			return "", fmt.Errorf("config: set %s: %w", m.envKey, err)
		}
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)
	return path, nil
}

// resolveConfigPath returns the first config file that exists.
func resolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config: %w", err)
		}
		return explicit, nil
	}

	if envPath := os.Getenv("DOCINDEX_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".docindex", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if _, err := os.Stat("docindex.yaml"); err == nil {
		return "docindex.yaml", nil
	}
	return "", nil
}

func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}

func int64Str(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

func floatStr(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}
