package config

import (
	"os"
	"path/filepath"
	"strings"
)

// configDir returns ~/.headlesslogs, or "" when no home directory is known.
func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if strings.TrimSpace(home) == "" {
		return ""
	}
	return filepath.Join(home, ".headlesslogs")
}

func defaultStoragePath() string {
	if dir := configDir(); dir != "" {
		return filepath.Join(dir, "headlesslogs.db")
	}
	return "headlesslogs.db"
}

func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
