package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/mnemo/internal/pathutil"
)

// ResolveDataPath resolves the configured data directory.
// If empty, it falls back to ~/.mnemo/data.
func ResolveDataPath(dataPath string) (string, error) {
	if trimmed := strings.TrimSpace(dataPath); trimmed != "" {
		return pathutil.Expand(trimmed)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mnemo", "data"), nil
}

// MessagesPath returns the append-only message log of a user.
func MessagesPath(base, userID string) string {
	return pathutil.UserFile(filepath.Join(base, "messages"), userID, ".jsonl")
}

// WindowPath returns the active window file of a user.
func WindowPath(base, userID string) string {
	return pathutil.UserFile(filepath.Join(base, "windows"), userID, ".json")
}
