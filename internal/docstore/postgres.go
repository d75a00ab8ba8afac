package docstore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register "pgx" driver

	"github.com/54b3r/docindex-go/internal/docstore/migrations"
)

// OpenPostgres connects to the database at dsn, verifies it is reachable and
// applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("docstore: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("docstore: ping postgres: %w", err)
	}

	s := &Store{db: db, dialect: dialectPostgres}
	sub, err := fs.Sub(migrations.Postgres, "postgres")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("docstore: migrations: %w", err)
	}
	if err := s.migrate(sub); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
