// Package audit logs CLI command invocations with the configuration they
// resolved, so operators can trace what ran against which backends. Secret
// values are reduced to "set" or "unset" and DSN passwords are masked.
package audit

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"strings"
)

// auditEntry is one environment variable included in the audit record.
type auditEntry struct {
	key    string
	secret bool
	// dsn marks values that may embed credentials in their userinfo.
	dsn bool
}

// auditKeys is the ordered list of env vars included in every audit log entry.
var auditKeys = []auditEntry{
	{key: "DATABASE_URL", dsn: true},
	{key: "OBJECT_STORE"},
	{key: "OBJECT_STORE_DIR"},
	{key: "MINIO_ENDPOINT"},
	{key: "MINIO_BUCKET"},
	{key: "MINIO_ACCESS_KEY", secret: true},
	{key: "MINIO_SECRET_KEY", secret: true},
	{key: "EMBEDDING_PROVIDER"},
	{key: "EMBEDDING_MODEL"},
	{key: "EMBEDDING_DIMENSIONS"},
	{key: "EMBEDDING_ENDPOINT"},
	{key: "EMBEDDING_API_KEY", secret: true},
	{key: "OLLAMA_HOST"},
	{key: "OPENAI_API_KEY", secret: true},
	{key: "AZURE_OPENAI_ENDPOINT"},
	{key: "AZURE_OPENAI_API_KEY", secret: true},
	{key: "GOOGLE_API_KEY", secret: true},
	{key: "INDEX_BACKEND"},
	{key: "INDEX_SNAPSHOT_PATH"},
	{key: "QDRANT_HOST"},
	{key: "QDRANT_PORT"},
	{key: "QDRANT_COLLECTION"},
	{key: "QDRANT_API_KEY", secret: true},
	{key: "DOCINDEX_API_KEY", secret: true},
	{key: "LOG_LEVEL"},
	{key: "LOG_FORMAT"},
}

var secretEnvKeys = func() map[string]bool {
	m := make(map[string]bool)
	for _, e := range auditKeys {
		if e.secret {
			m[e.key] = true
		}
	}
	return m
}()

// LogCommandStart emits one structured audit entry when a CLI command begins.
func LogCommandStart(ctx context.Context, log *slog.Logger, command, configPath string) {
	attrs := []slog.Attr{
		slog.String("command", command),
		slog.String("config_file", sanitiseConfigPath(configPath)),
	}
	for _, e := range auditKeys {
		val := os.Getenv(e.key)
		switch {
		case e.secret:
			val = presence(val)
		case e.dsn:
			val = maskDSN(valOrUnset(val))
		default:
			val = valOrUnset(val)
		}
		attrs = append(attrs, slog.String(e.key, val))
	}
	log.LogAttrs(ctx, slog.LevelInfo, "audit: command start", attrs...)
}

// SanitiseKey returns a log-safe rendering of value for the env var key.
func SanitiseKey(key, value string) string {
	if secretEnvKeys[key] {
		return presence(value)
	}
	if key == "DATABASE_URL" {
		return maskDSN(valOrUnset(value))
	}
	return valOrUnset(value)
}

// maskDSN replaces the password of a URL-style DSN with "xxxxx". Values that
// are not URLs, such as SQLite paths, are returned unchanged.
func maskDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "unparseable"
	}
	return u.Redacted()
}

func presence(v string) string {
	if v != "" {
		return "set"
	}
	return "unset"
}

func valOrUnset(v string) string {
	if v != "" {
		return v
	}
	return "unset"
}

// sanitiseConfigPath returns the config path with the home directory
// abbreviated, or "none" if empty.
func sanitiseConfigPath(p string) string {
	if p == "" {
		return "none"
	}
	home, err := os.UserHomeDir()
	if err == nil && strings.HasPrefix(p, home) {
		return "~" + p[len(home):]
	}
	return p
}
