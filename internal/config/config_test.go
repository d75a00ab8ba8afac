package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

// unset clears keys for the duration of the test; t.Setenv restores them.
func unset(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load("/nonexistent/path/config.yaml", slog.Default()); err == nil {
		t.Fatal("expected error for a missing explicit config file")
	}
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DOCINDEX_CONFIG", "")
	t.Chdir(t.TempDir())

	path, err := Load("", slog.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestLoad_ValidFile(t *testing.T) {
	cfgPath := writeFile(t, "config.yaml", `
database:
  url: postgres://docindex@db/docindex
object_store:
  backend: minio
  minio:
    endpoint: minio:9000
    bucket: docs
    secure: true
embedding:
  provider: ollama
  model: nomic-embed-text
  dimensions: 768
  rate_limit: 2.5
chunking:
  size: 800
  overlap: 100
index:
  backend: qdrant
  seed: 42
  qdrant:
    host: qdrant.internal
    port: 6334
ingestion:
  max_upload_bytes: 1048576
logging:
  level: debug
  format: text
`)

	checks := map[string]string{
		"DATABASE_URL":         "postgres://docindex@db/docindex",
		"OBJECT_STORE":         "minio",
		"MINIO_ENDPOINT":       "minio:9000",
		"MINIO_BUCKET":         "docs",
		"MINIO_SECURE":         "true",
		"EMBEDDING_PROVIDER":   "ollama",
		"EMBEDDING_MODEL":      "nomic-embed-text",
		"EMBEDDING_DIMENSIONS": "768",
		"EMBEDDING_RATE_LIMIT": "2.5",
		"CHUNK_SIZE":           "800",
		"CHUNK_OVERLAP":        "100",
		"INDEX_BACKEND":        "qdrant",
		"INDEX_SEED":           "42",
		"QDRANT_HOST":          "qdrant.internal",
		"QDRANT_PORT":          "6334",
		"MAX_UPLOAD_BYTES":     "1048576",
		"LOG_LEVEL":            "debug",
		"LOG_FORMAT":           "text",
	}
	keys := make([]string, 0, len(checks)+1)
	for k := range checks {
		keys = append(keys, k)
	}
	unset(t, append(keys, "INDEX_LISTS")...)

	loaded, err := Load(cfgPath, slog.Default())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != cfgPath {
		t.Errorf("loaded path: got %q, want %q", loaded, cfgPath)
	}
	for k, want := range checks {
		if got := os.Getenv(k); got != want {
			t.Errorf("%s: got %q, want %q", k, got, want)
		}
	}
	if _, set := os.LookupEnv("INDEX_LISTS"); set {
		t.Error("INDEX_LISTS: zero YAML value must not be exported")
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	cfgPath := writeFile(t, "config.yaml", "embedding:\n  provider: ollama\n")
	t.Setenv("EMBEDDING_PROVIDER", "gemini")

	if _, err := Load(cfgPath, slog.Default()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := os.Getenv("EMBEDDING_PROVIDER"); got != "gemini" {
		t.Errorf("EMBEDDING_PROVIDER: expected env override %q, got %q", "gemini", got)
	}
}

func TestLoad_DocindexConfigEnv(t *testing.T) {
	cfgPath := writeFile(t, "custom.yaml", "query:\n  default_k: 7\n")
	t.Setenv("DOCINDEX_CONFIG", cfgPath)
	unset(t, "QUERY_DEFAULT_K")

	loaded, err := Load("", slog.Default())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != cfgPath {
		t.Errorf("loaded %q, want %q", loaded, cfgPath)
	}
	if got := EnvInt("QUERY_DEFAULT_K", 5); got != 7 {
		t.Errorf("QUERY_DEFAULT_K = %d, want 7", got)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	t.Parallel()

	cfgPath := writeFile(t, "config.yaml", "{{invalid yaml")
	if _, err := Load(cfgPath, slog.Default()); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadDotEnv(t *testing.T) {
	envPath := writeFile(t, ".env", "CHUNK_UNIT=tokens\nINGEST_WORKERS=9\n")
	unset(t, "CHUNK_UNIT")
	t.Setenv("INGEST_WORKERS", "2")

	ok, err := LoadDotEnv(envPath)
	if err != nil || !ok {
		t.Fatalf("LoadDotEnv = %v, %v", ok, err)
	}
	if got := os.Getenv("CHUNK_UNIT"); got != "tokens" {
		t.Errorf("CHUNK_UNIT = %q, want tokens", got)
	}
	if got := os.Getenv("INGEST_WORKERS"); got != "2" {
		t.Errorf("INGEST_WORKERS = %q, real env must win", got)
	}
}

func TestLoadDotEnv_Missing(t *testing.T) {
	t.Parallel()

	ok, err := LoadDotEnv(filepath.Join(t.TempDir(), ".env"))
	if err != nil || ok {
		t.Errorf("LoadDotEnv(missing) = %v, %v; want false, nil", ok, err)
	}
}

func TestScalarStrings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		got, want string
	}{
		{intStr(0), ""},
		{intStr(12), "12"},
		{int64Str(1 << 40), "1099511627776"},
		{floatStr(0), ""},
		{floatStr(0.25), "0.25"},
		{floatStr(3), "3"},
		{boolStr(false), ""},
		{boolStr(true), "true"},
	}
	for i, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("case %d: got %q, want %q", i, tt.got, tt.want)
		}
	}
}
