package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

const defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// FileDSN converts a filesystem path into an on-disk SQLite DSN with sensible
// defaults. Callers must ensure the path is non-empty.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// MemoryDSN names a shared-cache in-memory database. Calls with the same
// name reach the same database within the process; distinct names are
// independent, which keeps tests isolated when each passes its own name.
func MemoryDSN(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		trimmed = "swaprelay"
	}
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", trimmed)
}
