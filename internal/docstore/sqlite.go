package docstore

import (
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/54b3r/docindex-go/internal/docstore/migrations"
)

// DefaultPath returns ~/.docindex/metadata.db, creating the directory if needed.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("docstore: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".docindex")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("docstore: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "metadata.db"), nil
}

// OpenSQLite opens (or creates) a SQLite database at path and applies the
// schema. Use ":memory:" in tests.
func OpenSQLite(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("docstore: open %s: %w", path, err)
	}
	// One connection serialises writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dialect: dialectSQLite}
	sub, err := fs.Sub(migrations.SQLite, "sqlite")
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
