package docstore

import (
	"context"
	"strings"
)

// IsPostgresDSN reports whether dsn names a Postgres database.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Open selects the backend from dsn: postgres:// and postgresql:// URLs use
// Postgres, anything else is treated as a SQLite path. An empty dsn resolves
// to DefaultPath.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if IsPostgresDSN(dsn) {
		return OpenPostgres(ctx, dsn)
	}
	if dsn == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		dsn = p
	}
	return OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"))
}
