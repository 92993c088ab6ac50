package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const FileName = "roomops.db"

type Config struct {
	// StateDir holds the database file. Empty means ".roomops".
	StateDir string
}

func (c Config) dir() string {
	if c.StateDir == "" {
		return ".roomops"
	}
	return c.StateDir
}

// EnsureStateDir creates the state directory if missing.
func EnsureStateDir(cfg Config) (string, error) {
	path := cfg.dir()
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create state dir %s: %w", path, err)
	}
	return path, nil
}

// Open opens the SQLite database in WAL mode. The audit sink and the run
// recorder write from different goroutines, so a busy timeout is set.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureStateDir(cfg); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", Path(cfg))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the db path for the state dir.
func Path(cfg Config) string {
	return filepath.Join(cfg.dir(), FileName)
}
