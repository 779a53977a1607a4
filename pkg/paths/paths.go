// Package paths resolves the per-user directories parley reads and writes.
package paths

import (
	"os"
	"path/filepath"
)

// ConfigDir returns the user's config directory for parley.
//
// If the home directory cannot be determined, it falls back to a directory
// under the system temporary directory. This is a best-effort fallback and
// not intended to be a security boundary.
func ConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Clean(filepath.Join(os.TempDir(), ".parley-config"))
	}
	return filepath.Clean(filepath.Join(homeDir, ".config", "parley"))
}

// DataDir returns the user's data directory for parley (databases, logs).
//
// If the home directory cannot be determined, it falls back to a directory
// under the system temporary directory.
func DataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Clean(filepath.Join(os.TempDir(), ".parley"))
	}
	return filepath.Clean(filepath.Join(homeDir, ".parley"))
}

// DefaultConfigFile returns the path of the default config file, or empty
// when none exists.
func DefaultConfigFile() string {
	path := filepath.Join(ConfigDir(), "parley.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
