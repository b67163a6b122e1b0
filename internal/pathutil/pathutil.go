// Package pathutil resolves the configured directories and the per-user files inside them.
package pathutil

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Expand resolves environment variables and a leading "~" in a configured path.
func Expand(path string) (string, error) {
	p := os.ExpandEnv(strings.TrimSpace(path))
	if p == "" {
		return "", nil
	}

	if rest, ok := strings.CutPrefix(p, "~"); ok && (rest == "" || rest[0] == '/') {
		home, err := homeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		p = home + rest
	}
	return filepath.Clean(p), nil
}

// homeDir tries os.UserHomeDir, the user database, then $HOME, skipping values that are
// themselves unexpanded.
func homeDir() (string, error) {
	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, home)
	}
	if u, err := user.Current(); err == nil {
		candidates = append(candidates, u.HomeDir)
	}
	candidates = append(candidates, os.Getenv("HOME"))

	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c != "" && !strings.HasPrefix(c, "~") {
			return c, nil
		}
	}
	return "", fmt.Errorf("no usable home directory")
}

// SafeName maps a user id onto a single file name. Names that would escape or alias the
// directory ("", ".", "..") become "_".
func SafeName(id string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
	if strings.Trim(name, ".") == "" {
		return "_"
	}
	return name
}

// UserFile returns dir/<safe user id><ext>.
func UserFile(dir, userID, ext string) string {
	return filepath.Join(dir, SafeName(userID)+ext)
}
