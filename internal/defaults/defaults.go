// Package defaults provides embedded default configuration files.
// These are copied to the data directory on first run or when reset is requested.
//
// Platform paths:
//
//	macOS:   ~/Library/Application Support/gbot/
//	Windows: %AppData%\gbot\
//	Linux:   ~/.config/gbot/
//
// Override with GBOT_DATA_DIR environment variable.
package defaults

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

//go:embed dotgbot/*
var defaultFiles embed.FS

const root = "dotgbot"

// DataDir returns the platform-appropriate data directory.
// Set GBOT_DATA_DIR to override.
func DataDir() (string, error) {
	if dir := os.Getenv("GBOT_DATA_DIR"); dir != "" {
		return dir, nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}
	return filepath.Join(configDir, "gbot"), nil
}

// EnsureDataDir creates dir if it doesn't exist and copies default files
// that are missing.
func EnsureDataDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return copyDefaults(dir, false)
}

// Reset replaces config files in dir with the embedded defaults.
// The database is preserved.
func Reset(dir string) error {
	return copyDefaults(dir, true)
}

func copyDefaults(dir string, overwrite bool) error {
	return fs.WalkDir(defaultFiles, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		// embed.FS always uses forward slashes
		relPath := strings.TrimPrefix(path, root+"/")
		destPath := filepath.Join(dir, filepath.FromSlash(relPath))

		if d.IsDir() {
			return os.MkdirAll(destPath, 0755)
		}

		if !overwrite {
			if _, err := os.Stat(destPath); err == nil {
				return nil
			}
		}

		data, err := defaultFiles.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read embedded %s: %w", path, err)
		}
		if err := os.WriteFile(destPath, data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", destPath, err)
		}
		return nil
	})
}

// GetDefault returns the content of a default file by name.
// Example: GetDefault("roles.yaml")
func GetDefault(name string) ([]byte, error) {
	return defaultFiles.ReadFile(root + "/" + name)
}

// ListDefaults returns the relative names of all default files.
func ListDefaults() ([]string, error) {
	var files []string
	err := fs.WalkDir(defaultFiles, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, strings.TrimPrefix(path, root+"/"))
		}
		return nil
	})
	return files, err
}
