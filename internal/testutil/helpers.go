package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
)

// CreateTestFilesystem creates an in-memory document root with the given
// files. Keys are slash paths relative to the root ("/index.html").
func CreateTestFilesystem(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for path, content := range files {
		if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("Failed to create directory for %s: %v", path, err)
		}
		if err := afero.WriteFile(fs, path, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", path, err)
		}
	}
	return fs
}

// CreateTempTree writes files below a fresh temp directory and returns it.
// Keys are slash paths relative to the directory.
func CreateTempTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for path, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("Failed to create directory for %s: %v", path, err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", path, err)
		}
	}
	return dir
}

// AssertHeader checks that a response header has the expected value
func AssertHeader(t *testing.T, h http.Header, key, expected string) {
	t.Helper()
	if got := h.Get(key); got != expected {
		t.Errorf("Header %s = %q, want %q", key, got, expected)
	}
}

// AssertCORS checks the cross-origin header every response must carry
func AssertCORS(t *testing.T, h http.Header) {
	t.Helper()
	AssertHeader(t, h, "Access-Control-Allow-Origin", "*")
}

// AssertStatus checks the response status code
func AssertStatus(t *testing.T, got, expected int) {
	t.Helper()
	if got != expected {
		t.Errorf("Status = %d, want %d", got, expected)
	}
}
