package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultDirName = "msgrelay-sessions"

// ResolveDir normalizes a data directory and creates it when missing. An
// empty path lands under the system temp dir; a leading ~ is expanded.
func ResolveDir(dir string) (string, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		trimmed = filepath.Join(os.TempDir(), defaultDirName)
	}

	expanded, err := expandHome(trimmed)
	if err != nil {
		return "", err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve absolute session path: %w", err)
	}

	cleanPath := filepath.Clean(absPath)
	if err := os.MkdirAll(cleanPath, 0o700); err != nil {
		return "", fmt.Errorf("create session directory: %w", err)
	}

	return cleanPath, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
