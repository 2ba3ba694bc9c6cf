package util

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// CleanPath rejects empty paths and paths with ".." components, and
// returns the cleaned path. field names the setting in errors.
func CleanPath(field, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%s: is required", field)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("%s: path cannot contain '..'", field)
	}
	return filepath.Clean(path), nil
}

// EnsureWritableDir creates dir if needed and checks that a file can be
// written and removed there.
func EnsureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return WrapError("create directory", err)
	}
	f, err := os.CreateTemp(dir, ".meter-write-test-*")
	if err != nil {
		return WrapError("create file in "+dir, err)
	}
	name := f.Name()
	_, werr := f.Write(make([]byte, 1024))
	serr := f.Sync()
	cerr := f.Close()
	if rerr := os.Remove(name); rerr != nil {
		slog.Warn("failed to remove write test file", "file", name, "error", rerr)
	}
	for _, err := range []error{werr, serr, cerr} {
		if err != nil {
			return WrapError("write to "+dir, err)
		}
	}
	return nil
}
