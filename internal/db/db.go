package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	dirName       = ".swarmctl"
	defaultDBName = "swarmctl.db"
)

type Config struct {
	Workspace string
	// Path overrides the workspace-derived location. ":memory:" is accepted.
	Path string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dirName, defaultDBName)
}

// EnsureWorkspace creates the .swarmctl directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, dirName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite audit database in WAL mode with a busy timeout so the
// server and a local CLI can share it.
func Open(cfg Config) (*sql.DB, error) {
	path := cfg.Path
	if path == "" {
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, err
		}
		path = dbPath(cfg.Workspace)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		conn.SetMaxOpenConns(1)
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
