package runtime

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/pithecene-io/spotter/types"
)

// requireShell skips tests that need a POSIX shell.
func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

// writeScript writes an executable shell script and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// newTestStore creates a store over fresh temp directories.
func newTestStore(t *testing.T, maxBytes int64) *ArtifactStore {
	t.Helper()
	root := t.TempDir()
	store, err := NewArtifactStore(filepath.Join(root, "uploads"), filepath.Join(root, "processed"), maxBytes, nil)
	if err != nil {
		t.Fatalf("NewArtifactStore: %v", err)
	}
	if err := store.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	return store
}

// dirEntries returns the names in dir.
func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir %s: %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// assertKind fails unless err is a PipelineError of kind.
func assertKind(t *testing.T, err error, kind types.ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", kind)
	}
	if got := types.KindOf(err); got != kind {
		t.Fatalf("error kind = %s, want %s (err: %v)", got, kind, err)
	}
}
