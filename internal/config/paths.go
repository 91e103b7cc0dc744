package config

import (
	"os"
	"path/filepath"
	"strings"
)

// expandPaths expands a leading ~ in every file and directory setting.
// Relative paths are left relative to the working directory.
func (c *Config) expandPaths() {
	for _, p := range []*string{
		&c.Bus.CAFile,
		&c.Bus.CertFile,
		&c.Bus.KeyFile,
		&c.Bus.QueueDir,
		&c.DataDir,
	} {
		*p = expandHome(*p)
	}
}

// expandHome replaces a leading "~" or "~/" with the user's home
// directory. Other paths, including "~user/...", are returned as is.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
