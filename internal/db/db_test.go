package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesStateDir(t *testing.T) {
	ws := t.TempDir()
	conn, err := Open(Config{Workspace: ws})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws, stateDir)); err != nil {
		t.Fatalf("state dir: %v", err)
	}
	if Path(ws) != filepath.Join(ws, stateDir, defaultDBName) {
		t.Fatalf("unexpected path %s", Path(ws))
	}
}

func TestOpenExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "x.db")
	conn, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file: %v", err)
	}
}
